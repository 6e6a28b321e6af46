package bytecode

import "fmt"

// Kind discriminates instruction variants.
type Kind uint8

const (
	KindLabel Kind = iota
	KindNoOperand
	KindInt
	KindLocal
	KindType
	KindField
	KindMethod
	KindDynamic
	KindConstant
	KindIinc
	KindMultiArray
	KindTableSwitch
	KindLookupSwitch
	KindJump
)

var kindNames = [...]string{
	"label", "no-operand", "int", "local", "type", "field", "method", "dynamic",
	"constant", "iinc", "multianewarray", "tableswitch", "lookupswitch", "jump",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Label marks a position in an instruction stream. Offset is the position in
// the decoded code, -1 for labels created while rewriting.
type Label struct {
	Offset int
	pos    int
}

// Pos is the label's offset in the most recently assembled code.
func (l *Label) Pos() int { return l.pos }

// NewLabel returns a label with no original offset.
func NewLabel() *Label { return &Label{Offset: -1} }

// Insn is one instruction or label marker.
//
// Loads and stores are held in their general form (iload, astore, ...) with
// the slot in Index; the assembler picks the _<n>, plain or wide encoding.
// ldc and ldc_w are both held as OpLdc, goto_w and jsr_w as OpGoto and OpJsr.
type Insn struct {
	Op   byte
	Kind Kind

	// Value is the operand of bipush, sipush and newarray.
	Value int32
	// Index is a local slot (KindLocal, KindIinc) or a constant pool index.
	Index uint16
	// Incr is the iinc increment.
	Incr int16
	// Dims is the multianewarray dimension count.
	Dims uint8
	// Count is the invokeinterface argument count byte.
	Count uint8

	// Target is the jump target or the switch default.
	Target *Label
	Low    int32
	High   int32
	Keys   []int32
	// Targets are the switch case targets.
	Targets []*Label

	// Label is set on KindLabel markers.
	Label *Label

	// Offset is the position in the decoded code, -1 for inserted code.
	Offset int

	pos  int
	wide bool
}

// Pos is the instruction's offset in the most recently assembled code.
func (in *Insn) Pos() int { return in.pos }

func (in *Insn) String() string {
	switch in.Kind {
	case KindLabel:
		return fmt.Sprintf("L%d:", in.Label.Offset)
	case KindInt:
		return fmt.Sprintf("%s %d", OpName(in.Op), in.Value)
	case KindLocal:
		return fmt.Sprintf("%s %d", OpName(in.Op), in.Index)
	case KindIinc:
		return fmt.Sprintf("iinc %d %d", in.Index, in.Incr)
	case KindJump:
		return fmt.Sprintf("%s L%d", OpName(in.Op), in.Target.Offset)
	case KindNoOperand, KindTableSwitch, KindLookupSwitch:
		return OpName(in.Op)
	}
	return fmt.Sprintf("%s #%d", OpName(in.Op), in.Index)
}

// Observable reports whether the instruction is an executable instruction
// rather than a label marker.
func (in *Insn) Observable() bool { return in.Kind != KindLabel }

// Mark returns a label marker instruction for l.
func Mark(l *Label) *Insn { return &Insn{Kind: KindLabel, Label: l, Offset: -1} }

// Simple returns a no-operand instruction.
func Simple(op byte) *Insn { return &Insn{Op: op, Kind: KindNoOperand, Offset: -1} }

// Local returns a load, store or ret of slot.
func Local(op byte, slot uint16) *Insn {
	return &Insn{Op: op, Kind: KindLocal, Index: slot, Offset: -1}
}

// Invoke returns a method call through the constant pool entry at index.
func Invoke(op byte, index uint16, count uint8) *Insn {
	return &Insn{Op: op, Kind: KindMethod, Index: index, Count: count, Offset: -1}
}

// PushInt returns the shortest instruction pushing v that needs no constant
// pool entry, or false when v requires ldc.
func PushInt(v int32) (*Insn, bool) {
	switch {
	case v >= -1 && v <= 5:
		return Simple(byte(OpIconst0 + v)), true
	case v >= -128 && v <= 127:
		return &Insn{Op: OpBipush, Kind: KindInt, Value: v, Offset: -1}, true
	case v >= -32768 && v <= 32767:
		return &Insn{Op: OpSipush, Kind: KindInt, Value: v, Offset: -1}, true
	}
	return nil, false
}

// Ldc returns a load of the single-slot constant at index.
func Ldc(index uint16) *Insn {
	return &Insn{Op: OpLdc, Kind: KindConstant, Index: index, Offset: -1}
}
