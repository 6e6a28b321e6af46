package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/daimatz/bcinstr/pkg/classfile"
)

// Body is a decoded Code attribute. Every offset-bearing structure refers to
// labels placed in Insns, so instructions may be inserted freely before the
// body is assembled again.
type Body struct {
	MaxStack  uint16
	MaxLocals uint16
	Insns     []*Insn
	Handlers  []Handler
	Attrs     []*CodeAttr
}

// Handler is an exception table entry.
type Handler struct {
	Start, End, Handler *Label
	CatchType           uint16
}

type attrKind uint8

const (
	attrRaw attrKind = iota
	attrLines
	attrLocalVars
	attrLocalVarTypes
	attrStackMap
)

// CodeAttr is one attribute nested in a Code attribute. Line numbers, local
// variable tables and stack map frames are decoded; others are kept raw.
type CodeAttr struct {
	Name      string
	NameIndex uint16
	Raw       []byte
	Lines     []LineNumber
	Vars      []LocalVar
	Frames    []Frame

	kind attrKind
}

// LineNumber is a LineNumberTable entry.
type LineNumber struct {
	Start *Label
	Line  uint16
}

// LocalVar is a LocalVariableTable or LocalVariableTypeTable entry.
type LocalVar struct {
	Start, End *Label
	NameIndex  uint16
	DescIndex  uint16
	Index      uint16
}

// Code attributes holding offsets this package cannot remap.
var droppedAttrs = map[string]bool{
	"RuntimeVisibleTypeAnnotations":   true,
	"RuntimeInvisibleTypeAnnotations": true,
}

type pendingJump struct {
	in      *Insn
	target  int
	targets []int
}

type decoder struct {
	code    []byte
	insns   []*Insn
	insnAt  map[int]*Insn
	labels  map[int]*Label
	pending []pendingJump
}

// Decode turns a Code attribute into a label-based Body.
func Decode(ca *classfile.CodeAttribute) (*Body, error) {
	if len(ca.Code) == 0 {
		return nil, fmt.Errorf("empty code")
	}
	d := &decoder{
		code:   ca.Code,
		insnAt: make(map[int]*Insn),
		labels: make(map[int]*Label),
	}
	if err := d.instructions(); err != nil {
		return nil, err
	}
	for _, p := range d.pending {
		l, err := d.label(p.target, false)
		if err != nil {
			return nil, fmt.Errorf("%s at %d: %w", OpName(p.in.Op), p.in.Offset, err)
		}
		p.in.Target = l
		for _, t := range p.targets {
			l, err := d.label(t, false)
			if err != nil {
				return nil, fmt.Errorf("%s at %d: %w", OpName(p.in.Op), p.in.Offset, err)
			}
			p.in.Targets = append(p.in.Targets, l)
		}
	}

	body := &Body{MaxStack: ca.MaxStack, MaxLocals: ca.MaxLocals}
	for i, h := range ca.ExceptionHandlers {
		if h.StartPC >= h.EndPC {
			return nil, fmt.Errorf("exception handler %d: empty range %d..%d", i, h.StartPC, h.EndPC)
		}
		start, err := d.label(int(h.StartPC), false)
		if err != nil {
			return nil, fmt.Errorf("exception handler %d start: %w", i, err)
		}
		end, err := d.label(int(h.EndPC), true)
		if err != nil {
			return nil, fmt.Errorf("exception handler %d end: %w", i, err)
		}
		handler, err := d.label(int(h.HandlerPC), false)
		if err != nil {
			return nil, fmt.Errorf("exception handler %d target: %w", i, err)
		}
		body.Handlers = append(body.Handlers, Handler{Start: start, End: end, Handler: handler, CatchType: h.CatchType})
	}

	for _, a := range ca.Attributes {
		if droppedAttrs[a.Name] {
			continue
		}
		attr, err := d.attribute(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
		body.Attrs = append(body.Attrs, attr)
	}

	for _, in := range d.insns {
		if l, ok := d.labels[in.Offset]; ok {
			body.Insns = append(body.Insns, Mark(l))
		}
		body.Insns = append(body.Insns, in)
	}
	if l, ok := d.labels[len(d.code)]; ok {
		body.Insns = append(body.Insns, Mark(l))
	}
	return body, nil
}

// label returns the label for offset, which must start an instruction or,
// when allowEnd is set, equal the code length.
func (d *decoder) label(off int, allowEnd bool) (*Label, error) {
	if !allowEnd || off != len(d.code) {
		if _, ok := d.insnAt[off]; !ok {
			return nil, fmt.Errorf("offset %d is not an instruction boundary", off)
		}
	}
	if l, ok := d.labels[off]; ok {
		return l, nil
	}
	l := &Label{Offset: off}
	d.labels[off] = l
	return l, nil
}

func (d *decoder) need(pc, n int) error {
	if pc+n > len(d.code) {
		return fmt.Errorf("truncated %s at %d", OpName(d.code[pc]), pc)
	}
	return nil
}

func (d *decoder) u16(at int) uint16 { return binary.BigEndian.Uint16(d.code[at:]) }
func (d *decoder) s32(at int) int32  { return int32(binary.BigEndian.Uint32(d.code[at:])) }

func (d *decoder) instructions() error {
	pc := 0
	for pc < len(d.code) {
		in, size, err := d.instruction(pc)
		if err != nil {
			return err
		}
		d.insns = append(d.insns, in)
		d.insnAt[pc] = in
		pc += size
	}
	return nil
}

func (d *decoder) instruction(pc int) (*Insn, int, error) {
	op := d.code[pc]
	in := &Insn{Op: op, Offset: pc}
	size := 1
	switch {
	case op == OpBipush || op == OpNewarray:
		size = 2
		in.Kind = KindInt
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		if op == OpBipush {
			in.Value = int32(int8(d.code[pc+1]))
		} else {
			in.Value = int32(d.code[pc+1])
		}
	case op == OpSipush:
		size = 3
		in.Kind = KindInt
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Value = int32(int16(d.u16(pc + 1)))
	case op == OpLdc:
		size = 2
		in.Kind = KindConstant
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = uint16(d.code[pc+1])
	case op == OpLdcW || op == OpLdc2W:
		size = 3
		in.Kind = KindConstant
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		if op == OpLdcW {
			in.Op = OpLdc
		}
		in.Index = d.u16(pc + 1)
	case (op >= OpIload && op <= OpAload) || (op >= OpIstore && op <= OpAstore) || op == OpRet:
		size = 2
		in.Kind = KindLocal
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = uint16(d.code[pc+1])
	case op >= OpIload0 && op <= OpAload3:
		in.Kind = KindLocal
		in.Op = OpIload + (op-OpIload0)/4
		in.Index = uint16((op - OpIload0) % 4)
	case op >= OpIstore0 && op <= OpAstore3:
		in.Kind = KindLocal
		in.Op = OpIstore + (op-OpIstore0)/4
		in.Index = uint16((op - OpIstore0) % 4)
	case op == OpIinc:
		size = 3
		in.Kind = KindIinc
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = uint16(d.code[pc+1])
		in.Incr = int16(int8(d.code[pc+2]))
	case (op >= OpIfeq && op <= OpJsr) || op == OpIfnull || op == OpIfnonnull:
		size = 3
		in.Kind = KindJump
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		d.pending = append(d.pending, pendingJump{in: in, target: pc + int(int16(d.u16(pc+1)))})
	case op == OpGotoW || op == OpJsrW:
		size = 5
		in.Kind = KindJump
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		if op == OpGotoW {
			in.Op = OpGoto
		} else {
			in.Op = OpJsr
		}
		d.pending = append(d.pending, pendingJump{in: in, target: pc + int(d.s32(pc+1))})
	case op == OpTableswitch || op == OpLookupswitch:
		return d.switchInsn(in, pc)
	case op >= OpGetstatic && op <= OpPutfield:
		size = 3
		in.Kind = KindField
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = d.u16(pc + 1)
	case op >= OpInvokevirtual && op <= OpInvokestatic:
		size = 3
		in.Kind = KindMethod
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = d.u16(pc + 1)
	case op == OpInvokeinterface:
		size = 5
		in.Kind = KindMethod
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = d.u16(pc + 1)
		in.Count = d.code[pc+3]
	case op == OpInvokedynamic:
		size = 5
		in.Kind = KindDynamic
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = d.u16(pc + 1)
	case op == OpNew || op == OpAnewarray || op == OpCheckcast || op == OpInstanceof:
		size = 3
		in.Kind = KindType
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = d.u16(pc + 1)
	case op == OpMultianewarray:
		size = 4
		in.Kind = KindMultiArray
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		in.Index = d.u16(pc + 1)
		in.Dims = d.code[pc+3]
	case op == OpWide:
		return d.wideInsn(in, pc)
	default:
		if simpleEffect[op][0] < 0 {
			return nil, 0, fmt.Errorf("invalid opcode 0x%02x at %d", op, pc)
		}
		in.Kind = KindNoOperand
	}
	return in, size, nil
}

func (d *decoder) wideInsn(in *Insn, pc int) (*Insn, int, error) {
	if err := d.need(pc, 2); err != nil {
		return nil, 0, err
	}
	op := d.code[pc+1]
	switch {
	case (op >= OpIload && op <= OpAload) || (op >= OpIstore && op <= OpAstore) || op == OpRet:
		if err := d.need(pc, 4); err != nil {
			return nil, 0, err
		}
		in.Op = op
		in.Kind = KindLocal
		in.Index = d.u16(pc + 2)
		return in, 4, nil
	case op == OpIinc:
		if err := d.need(pc, 6); err != nil {
			return nil, 0, err
		}
		in.Op = op
		in.Kind = KindIinc
		in.Index = d.u16(pc + 2)
		in.Incr = int16(d.u16(pc + 4))
		return in, 6, nil
	}
	return nil, 0, fmt.Errorf("invalid wide opcode 0x%02x at %d", op, pc)
}

func (d *decoder) switchInsn(in *Insn, pc int) (*Insn, int, error) {
	at := pc + 1 + pad(pc)
	if err := d.need(pc, at-pc+8); err != nil {
		return nil, 0, err
	}
	p := pendingJump{in: in, target: pc + int(d.s32(at))}
	if in.Op == OpTableswitch {
		in.Kind = KindTableSwitch
		if err := d.need(pc, at-pc+12); err != nil {
			return nil, 0, err
		}
		in.Low = d.s32(at + 4)
		in.High = d.s32(at + 8)
		if in.Low > in.High {
			return nil, 0, fmt.Errorf("tableswitch at %d: low %d > high %d", pc, in.Low, in.High)
		}
		n := int64(in.High) - int64(in.Low) + 1
		at += 12
		if int64(len(d.code)-at) < n*4 {
			return nil, 0, fmt.Errorf("truncated tableswitch at %d", pc)
		}
		for i := 0; i < int(n); i++ {
			p.targets = append(p.targets, pc+int(d.s32(at)))
			at += 4
		}
	} else {
		in.Kind = KindLookupSwitch
		n := d.s32(at + 4)
		if n < 0 {
			return nil, 0, fmt.Errorf("lookupswitch at %d: negative pair count", pc)
		}
		at += 8
		if int64(len(d.code)-at) < int64(n)*8 {
			return nil, 0, fmt.Errorf("truncated lookupswitch at %d", pc)
		}
		for i := 0; i < int(n); i++ {
			in.Keys = append(in.Keys, d.s32(at))
			p.targets = append(p.targets, pc+int(d.s32(at+4)))
			at += 8
		}
	}
	d.pending = append(d.pending, p)
	return in, at - pc, nil
}

type attrReader struct {
	data []byte
	pos  int
}

func (r *attrReader) u8() (uint8, error) {
	if r.pos+1 > len(r.data) {
		return 0, fmt.Errorf("truncated attribute")
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *attrReader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("truncated attribute")
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (d *decoder) attribute(a classfile.AttributeInfo) (*CodeAttr, error) {
	attr := &CodeAttr{Name: a.Name, NameIndex: a.NameIndex}
	r := &attrReader{data: a.Data}
	var err error
	switch a.Name {
	case "LineNumberTable":
		attr.kind = attrLines
		attr.Lines, err = d.lineNumbers(r)
	case "LocalVariableTable":
		attr.kind = attrLocalVars
		attr.Vars, err = d.localVars(r)
	case "LocalVariableTypeTable":
		attr.kind = attrLocalVarTypes
		attr.Vars, err = d.localVars(r)
	case "StackMapTable":
		attr.kind = attrStackMap
		attr.Frames, err = d.frames(r)
	default:
		attr.Raw = a.Data
		return attr, nil
	}
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.data) {
		return nil, fmt.Errorf("%d trailing bytes", len(r.data)-r.pos)
	}
	return attr, nil
}

func (d *decoder) lineNumbers(r *attrReader) ([]LineNumber, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	lines := make([]LineNumber, 0, n)
	for i := 0; i < int(n); i++ {
		pc, err := r.u16()
		if err != nil {
			return nil, err
		}
		line, err := r.u16()
		if err != nil {
			return nil, err
		}
		start, err := d.label(int(pc), false)
		if err != nil {
			return nil, err
		}
		lines = append(lines, LineNumber{Start: start, Line: line})
	}
	return lines, nil
}

func (d *decoder) localVars(r *attrReader) ([]LocalVar, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	vars := make([]LocalVar, 0, n)
	for i := 0; i < int(n); i++ {
		var f [5]uint16
		for j := range f {
			if f[j], err = r.u16(); err != nil {
				return nil, err
			}
		}
		start, err := d.label(int(f[0]), false)
		if err != nil {
			return nil, err
		}
		end, err := d.label(int(f[0])+int(f[1]), true)
		if err != nil {
			return nil, err
		}
		vars = append(vars, LocalVar{Start: start, End: end, NameIndex: f[2], DescIndex: f[3], Index: f[4]})
	}
	return vars, nil
}
