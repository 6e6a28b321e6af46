package bytecode

import "fmt"

// Category classifies a field or return type.
type Category uint8

const (
	CatByte Category = iota + 1
	CatChar
	CatDouble
	CatFloat
	CatInt
	CatLong
	CatObject
	CatShort
	CatBoolean
	CatArray
	CatVoid
)

var categoryNames = map[Category]string{
	CatByte:    "byte",
	CatChar:    "char",
	CatDouble:  "double",
	CatFloat:   "float",
	CatInt:     "int",
	CatLong:    "long",
	CatObject:  "object",
	CatShort:   "short",
	CatBoolean: "boolean",
	CatArray:   "array",
	CatVoid:    "void",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// Slots is the number of local variable or operand stack slots a value of
// this category occupies.
func (c Category) Slots() int {
	switch c {
	case CatLong, CatDouble:
		return 2
	case CatVoid:
		return 0
	}
	return 1
}

// LoadOp is the opcode that loads a local of this category.
func (c Category) LoadOp() byte {
	switch c {
	case CatLong:
		return OpLload
	case CatFloat:
		return OpFload
	case CatDouble:
		return OpDload
	case CatObject, CatArray:
		return OpAload
	}
	return OpIload
}

// ReturnOp is the opcode that returns a value of this category.
func (c Category) ReturnOp() byte {
	switch c {
	case CatLong:
		return OpLreturn
	case CatFloat:
		return OpFreturn
	case CatDouble:
		return OpDreturn
	case CatObject, CatArray:
		return OpAreturn
	case CatVoid:
		return OpReturn
	}
	return OpIreturn
}

// TypeToken is one parameter or return type of a descriptor.
type TypeToken struct {
	Desc     string
	Category Category
}

// MethodDescriptor is a parsed method descriptor.
type MethodDescriptor struct {
	Params []TypeToken
	Return TypeToken
}

// ParamSlots is the number of local slots the parameters occupy.
func (d MethodDescriptor) ParamSlots() int {
	n := 0
	for _, p := range d.Params {
		n += p.Category.Slots()
	}
	return n
}

// String re-assembles the descriptor.
func (d MethodDescriptor) String() string {
	s := "("
	for _, p := range d.Params {
		s += p.Desc
	}
	return s + ")" + d.Return.Desc
}

// DescriptorError reports a malformed descriptor.
type DescriptorError struct {
	Descriptor string
	Offset     int
	Reason     string
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("malformed descriptor %q at offset %d: %s", e.Descriptor, e.Offset, e.Reason)
}

var primitives = map[byte]Category{
	'B': CatByte,
	'C': CatChar,
	'D': CatDouble,
	'F': CatFloat,
	'I': CatInt,
	'J': CatLong,
	'S': CatShort,
	'Z': CatBoolean,
}

// ParseMethodDescriptor splits desc into parameter and return tokens.
func ParseMethodDescriptor(desc string) (MethodDescriptor, error) {
	var md MethodDescriptor
	if len(desc) == 0 || desc[0] != '(' {
		return md, &DescriptorError{Descriptor: desc, Reason: "missing '('"}
	}
	pos := 1
	for {
		if pos >= len(desc) {
			return md, &DescriptorError{Descriptor: desc, Offset: pos, Reason: "missing ')'"}
		}
		if desc[pos] == ')' {
			pos++
			break
		}
		tok, next, err := parseToken(desc, pos, false)
		if err != nil {
			return md, err
		}
		md.Params = append(md.Params, tok)
		pos = next
	}
	ret, next, err := parseToken(desc, pos, true)
	if err != nil {
		return md, err
	}
	if next != len(desc) {
		return md, &DescriptorError{Descriptor: desc, Offset: next, Reason: "trailing characters"}
	}
	md.Return = ret
	return md, nil
}

// ParseFieldType parses a single field descriptor.
func ParseFieldType(desc string) (TypeToken, error) {
	tok, next, err := parseToken(desc, 0, false)
	if err != nil {
		return tok, err
	}
	if next != len(desc) {
		return tok, &DescriptorError{Descriptor: desc, Offset: next, Reason: "trailing characters"}
	}
	return tok, nil
}

func parseToken(desc string, pos int, allowVoid bool) (TypeToken, int, error) {
	start := pos
	if pos >= len(desc) {
		return TypeToken{}, pos, &DescriptorError{Descriptor: desc, Offset: pos, Reason: "unexpected end"}
	}
	dims := 0
	for pos < len(desc) && desc[pos] == '[' {
		dims++
		pos++
	}
	if dims > 255 {
		return TypeToken{}, pos, &DescriptorError{Descriptor: desc, Offset: start, Reason: "more than 255 array dimensions"}
	}
	if pos >= len(desc) {
		return TypeToken{}, pos, &DescriptorError{Descriptor: desc, Offset: pos, Reason: "missing array element type"}
	}
	var cat Category
	switch c := desc[pos]; {
	case c == 'L':
		end := pos + 1
		for end < len(desc) && desc[end] != ';' {
			switch desc[end] {
			case '.', '[', '(', ')':
				return TypeToken{}, end, &DescriptorError{Descriptor: desc, Offset: end, Reason: fmt.Sprintf("invalid character %q in class name", desc[end])}
			}
			end++
		}
		if end >= len(desc) {
			return TypeToken{}, end, &DescriptorError{Descriptor: desc, Offset: pos, Reason: "unterminated class name"}
		}
		if end == pos+1 {
			return TypeToken{}, end, &DescriptorError{Descriptor: desc, Offset: pos, Reason: "empty class name"}
		}
		cat = CatObject
		pos = end + 1
	case c == 'V':
		if !allowVoid || dims > 0 {
			return TypeToken{}, pos, &DescriptorError{Descriptor: desc, Offset: pos, Reason: "void is only valid as a return type"}
		}
		cat = CatVoid
		pos++
	default:
		p, ok := primitives[c]
		if !ok {
			return TypeToken{}, pos, &DescriptorError{Descriptor: desc, Offset: pos, Reason: fmt.Sprintf("unknown type %q", c)}
		}
		cat = p
		pos++
	}
	if dims > 0 {
		cat = CatArray
	}
	return TypeToken{Desc: desc[start:pos], Category: cat}, pos, nil
}
