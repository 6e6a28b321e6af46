package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const classMagic = 0xCAFEBABE

// reader decodes big-endian class file items. The first error sticks and
// every later read returns zero values.
type reader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (r *reader) fill(n int) []byte {
	b := r.buf[:n]
	if r.err == nil {
		if _, r.err = io.ReadFull(r.r, b); r.err == nil {
			return b
		}
	}
	clear(b)
	return b
}

func (r *reader) u8() uint8   { return r.fill(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.fill(2)) }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.fill(4)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.fill(8)) }

// bytes reads n bytes. n comes from the input, so the allocation is bounded
// by what the input actually holds.
func (r *reader) bytes(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(r.r, int64(n)))
	switch {
	case err != nil:
		r.err = err
	case uint32(len(b)) != n:
		r.err = io.ErrUnexpectedEOF
	}
	return b
}

// check wraps the pending error, if any, with what was being read.
func (r *reader) check(format string, args ...any) error {
	if r.err == nil {
		return nil
	}
	return fmt.Errorf("reading %s: %w", fmt.Sprintf(format, args...), r.err)
}

// ParseFile opens and parses a .class file from the given path.
func ParseFile(path string) (*ClassFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// ParseBytes parses an in-memory class file and rejects trailing garbage.
func ParseBytes(data []byte) (*ClassFile, error) {
	br := bytes.NewReader(data)
	cf, err := Parse(br)
	if err != nil {
		return nil, err
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after class file", br.Len())
	}
	return cf, nil
}

// Parse reads a .class file from the given reader and returns a ClassFile.
func Parse(in io.Reader) (*ClassFile, error) {
	r := &reader{r: in}

	magic := r.u32()
	if err := r.check("magic number"); err != nil {
		return nil, err
	}
	if magic != classMagic {
		return nil, fmt.Errorf("invalid magic number: 0x%X (expected 0xCAFEBABE)", magic)
	}

	cf := &ClassFile{}
	cf.MinorVersion = r.u16()
	cf.MajorVersion = r.u16()
	cpCount := r.u16()
	if err := r.check("version and constant pool count"); err != nil {
		return nil, err
	}
	if cpCount == 0 {
		return nil, fmt.Errorf("constant pool count must be at least 1")
	}
	pool, err := parseConstantPool(r, cpCount)
	if err != nil {
		return nil, fmt.Errorf("parsing constant pool: %w", err)
	}
	cf.ConstantPool = pool

	cf.AccessFlags = r.u16()
	cf.ThisClass = r.u16()
	cf.SuperClass = r.u16()
	cf.Interfaces = make([]uint16, r.u16())
	for i := range cf.Interfaces {
		cf.Interfaces[i] = r.u16()
	}
	if err := r.check("class header"); err != nil {
		return nil, err
	}
	if _, err := cf.ClassName(); err != nil {
		return nil, fmt.Errorf("resolving this_class: %w", err)
	}

	if cf.Fields, err = parseFields(r, pool); err != nil {
		return nil, fmt.Errorf("parsing fields: %w", err)
	}
	if cf.Methods, err = parseMethods(r, pool); err != nil {
		return nil, fmt.Errorf("parsing methods: %w", err)
	}
	if cf.Attributes, err = parseAttributes(r, pool); err != nil {
		return nil, fmt.Errorf("parsing class attributes: %w", err)
	}
	for _, attr := range cf.Attributes {
		if attr.Name == "BootstrapMethods" {
			if cf.BootstrapMethods, err = parseBootstrapMethods(attr.Data); err != nil {
				return nil, fmt.Errorf("parsing BootstrapMethods: %w", err)
			}
		}
	}
	return cf, nil
}

type member struct {
	access, nameIndex, descIndex uint16
	name, desc                   string
	attrs                        []AttributeInfo
}

// parseMembers reads a fields or methods table.
func parseMembers(r *reader, pool []ConstantPoolEntry, kind string) ([]member, error) {
	members := make([]member, r.u16())
	if err := r.check("%s count", kind); err != nil {
		return nil, err
	}
	for i := range members {
		m := &members[i]
		m.access = r.u16()
		m.nameIndex = r.u16()
		m.descIndex = r.u16()
		if err := r.check("%s %d", kind, i); err != nil {
			return nil, err
		}
		var err error
		if m.name, err = GetUtf8(pool, m.nameIndex); err != nil {
			return nil, fmt.Errorf("%s %d name: %w", kind, i, err)
		}
		if m.desc, err = GetUtf8(pool, m.descIndex); err != nil {
			return nil, fmt.Errorf("%s %d descriptor: %w", kind, i, err)
		}
		if m.attrs, err = parseAttributes(r, pool); err != nil {
			return nil, fmt.Errorf("%s %s%s: %w", kind, m.name, m.desc, err)
		}
	}
	return members, nil
}

func parseFields(r *reader, pool []ConstantPoolEntry) ([]FieldInfo, error) {
	members, err := parseMembers(r, pool, "field")
	if err != nil {
		return nil, err
	}
	fields := make([]FieldInfo, len(members))
	for i, m := range members {
		fields[i] = FieldInfo{
			AccessFlags:     m.access,
			NameIndex:       m.nameIndex,
			DescriptorIndex: m.descIndex,
			Name:            m.name,
			Descriptor:      m.desc,
			Attributes:      m.attrs,
		}
	}
	return fields, nil
}

func parseMethods(r *reader, pool []ConstantPoolEntry) ([]MethodInfo, error) {
	members, err := parseMembers(r, pool, "method")
	if err != nil {
		return nil, err
	}
	methods := make([]MethodInfo, len(members))
	for i, m := range members {
		methods[i] = MethodInfo{
			AccessFlags:     m.access,
			NameIndex:       m.nameIndex,
			DescriptorIndex: m.descIndex,
			Name:            m.name,
			Descriptor:      m.desc,
			Attributes:      m.attrs,
		}
		for _, attr := range m.attrs {
			if attr.Name != "Code" {
				continue
			}
			if methods[i].Code, err = parseCode(attr.Data, pool); err != nil {
				return nil, fmt.Errorf("Code attribute of %s%s: %w", m.name, m.desc, err)
			}
			break
		}
	}
	return methods, nil
}

func parseAttributes(r *reader, pool []ConstantPoolEntry) ([]AttributeInfo, error) {
	attrs := make([]AttributeInfo, r.u16())
	if err := r.check("attribute count"); err != nil {
		return nil, err
	}
	for i := range attrs {
		a := &attrs[i]
		a.NameIndex = r.u16()
		a.Data = r.bytes(r.u32())
		if err := r.check("attribute %d", i); err != nil {
			return nil, err
		}
		var err error
		if a.Name, err = GetUtf8(pool, a.NameIndex); err != nil {
			return nil, fmt.Errorf("attribute %d name: %w", i, err)
		}
	}
	return attrs, nil
}

func parseCode(data []byte, pool []ConstantPoolEntry) (*CodeAttribute, error) {
	br := bytes.NewReader(data)
	r := &reader{r: br}
	c := &CodeAttribute{
		MaxStack:  r.u16(),
		MaxLocals: r.u16(),
	}
	c.Code = r.bytes(r.u32())
	c.ExceptionHandlers = make([]ExceptionHandler, r.u16())
	for i := range c.ExceptionHandlers {
		c.ExceptionHandlers[i] = ExceptionHandler{
			StartPC:   r.u16(),
			EndPC:     r.u16(),
			HandlerPC: r.u16(),
			CatchType: r.u16(),
		}
	}
	if err := r.check("code and exception table"); err != nil {
		return nil, err
	}
	var err error
	if c.Attributes, err = parseAttributes(r, pool); err != nil {
		return nil, fmt.Errorf("Code sub-attributes: %w", err)
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("Code attribute has %d trailing bytes", br.Len())
	}
	return c, nil
}

func parseBootstrapMethods(data []byte) ([]BootstrapMethod, error) {
	br := bytes.NewReader(data)
	r := &reader{r: br}
	methods := make([]BootstrapMethod, r.u16())
	for i := range methods {
		methods[i].MethodRef = r.u16()
		args := make([]uint16, r.u16())
		for j := range args {
			args[j] = r.u16()
		}
		methods[i].BootstrapArguments = args
		if err := r.check("bootstrap method %d", i); err != nil {
			return nil, err
		}
	}
	if err := r.check("bootstrap method count"); err != nil {
		return nil, err
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("BootstrapMethods has %d trailing bytes", br.Len())
	}
	return methods, nil
}

// ClassName returns the fully qualified name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return GetClassName(cf.ConstantPool, cf.ThisClass)
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name && cf.Methods[i].Descriptor == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}

// FindMethodByName finds a method by name only (first match).
func (cf *ClassFile) FindMethodByName(name string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name {
			return &cf.Methods[i]
		}
	}
	return nil
}
