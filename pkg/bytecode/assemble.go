package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/daimatz/bcinstr/pkg/classfile"
)

var (
	// ErrBranchOverflow is returned when a conditional branch cannot reach
	// its target with a 16-bit offset.
	ErrBranchOverflow = errors.New("branch offset out of range")
	// ErrCodeTooLarge is returned when the assembled code exceeds 65535 bytes.
	ErrCodeTooLarge = errors.New("code exceeds 65535 bytes")
)

// Assemble lays out body and encodes it as a Code attribute. Offsets held in
// handlers, line numbers, local variable tables and stack map frames follow
// their labels. max_stack and max_locals are recomputed and never shrink
// below the values recorded in body.
func Assemble(body *Body, pool []classfile.ConstantPoolEntry) (*classfile.CodeAttribute, error) {
	size, err := layout(body.Insns)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("empty code")
	}
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCodeTooLarge, size)
	}
	code := make([]byte, 0, size)
	for _, in := range body.Insns {
		code = in.encode(code)
	}

	maxStack, err := MaxStack(body.Insns, body.Handlers, pool)
	if err != nil {
		return nil, err
	}
	maxStack = max(maxStack, int(body.MaxStack))
	if maxStack > math.MaxUint16 {
		return nil, fmt.Errorf("max stack %d exceeds 65535", maxStack)
	}
	maxLocals := max(MaxLocals(body.Insns), int(body.MaxLocals))
	if maxLocals > math.MaxUint16 {
		return nil, fmt.Errorf("max locals %d exceeds 65535", maxLocals)
	}

	ca := &classfile.CodeAttribute{
		MaxStack:  uint16(maxStack),
		MaxLocals: uint16(maxLocals),
		Code:      code,
	}
	for _, h := range body.Handlers {
		ca.ExceptionHandlers = append(ca.ExceptionHandlers, classfile.ExceptionHandler{
			StartPC:   uint16(h.Start.pos),
			EndPC:     uint16(h.End.pos),
			HandlerPC: uint16(h.Handler.pos),
			CatchType: h.CatchType,
		})
	}
	for _, a := range body.Attrs {
		data, err := a.encode()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
		ca.Attributes = append(ca.Attributes, classfile.AttributeInfo{NameIndex: a.NameIndex, Name: a.Name, Data: data})
	}
	return ca, nil
}

// layout assigns positions to instructions and labels, widening goto and jsr
// until every branch reaches its target. It returns the code size.
func layout(insns []*Insn) (int, error) {
	for _, in := range insns {
		in.wide = false
	}
	for {
		pos := 0
		for _, in := range insns {
			in.pos = pos
			if in.Kind == KindLabel {
				in.Label.pos = pos
			}
			pos += in.size(pos)
		}
		widened := false
		for _, in := range insns {
			if in.Kind != KindJump || in.wide {
				continue
			}
			delta := in.Target.pos - in.pos
			if delta >= math.MinInt16 && delta <= math.MaxInt16 {
				continue
			}
			if in.Op != OpGoto && in.Op != OpJsr {
				return 0, fmt.Errorf("%w: %s at %d jumps %d bytes", ErrBranchOverflow, OpName(in.Op), in.pos, delta)
			}
			in.wide = true
			widened = true
		}
		if !widened {
			return pos, nil
		}
	}
}

func pad(pos int) int { return (4 - (pos+1)%4) % 4 }

func (in *Insn) size(pos int) int {
	switch in.Kind {
	case KindLabel:
		return 0
	case KindInt:
		if in.Op == OpSipush {
			return 3
		}
		return 2
	case KindLocal:
		switch {
		case in.Index > 255:
			return 4
		case in.Index <= 3 && in.Op != OpRet:
			return 1
		}
		return 2
	case KindType, KindField:
		return 3
	case KindMethod:
		if in.Op == OpInvokeinterface {
			return 5
		}
		return 3
	case KindDynamic:
		return 5
	case KindConstant:
		if in.Op == OpLdc && in.Index <= 255 {
			return 2
		}
		return 3
	case KindIinc:
		if in.Index > 255 || in.Incr < math.MinInt8 || in.Incr > math.MaxInt8 {
			return 6
		}
		return 3
	case KindMultiArray:
		return 4
	case KindTableSwitch:
		return 1 + pad(pos) + 12 + 4*len(in.Targets)
	case KindLookupSwitch:
		return 1 + pad(pos) + 8 + 8*len(in.Targets)
	case KindJump:
		if in.wide {
			return 5
		}
		return 3
	}
	return 1
}

func (in *Insn) encode(out []byte) []byte {
	be := binary.BigEndian
	switch in.Kind {
	case KindLabel:
		return out
	case KindNoOperand:
		return append(out, in.Op)
	case KindInt:
		if in.Op == OpSipush {
			return be.AppendUint16(append(out, in.Op), uint16(int16(in.Value)))
		}
		return append(out, in.Op, byte(in.Value))
	case KindLocal:
		switch {
		case in.Index > 255:
			return be.AppendUint16(append(out, OpWide, in.Op), in.Index)
		case in.Index <= 3 && in.Op != OpRet:
			return append(out, shortLocal(in.Op, in.Index))
		}
		return append(out, in.Op, byte(in.Index))
	case KindType, KindField:
		return be.AppendUint16(append(out, in.Op), in.Index)
	case KindMethod:
		out = be.AppendUint16(append(out, in.Op), in.Index)
		if in.Op == OpInvokeinterface {
			out = append(out, in.Count, 0)
		}
		return out
	case KindDynamic:
		return append(be.AppendUint16(append(out, in.Op), in.Index), 0, 0)
	case KindConstant:
		switch {
		case in.Op == OpLdc2W:
			return be.AppendUint16(append(out, OpLdc2W), in.Index)
		case in.Index <= 255:
			return append(out, OpLdc, byte(in.Index))
		}
		return be.AppendUint16(append(out, OpLdcW), in.Index)
	case KindIinc:
		if in.Index > 255 || in.Incr < math.MinInt8 || in.Incr > math.MaxInt8 {
			out = be.AppendUint16(append(out, OpWide, OpIinc), in.Index)
			return be.AppendUint16(out, uint16(in.Incr))
		}
		return append(out, OpIinc, byte(in.Index), byte(int8(in.Incr)))
	case KindMultiArray:
		return append(be.AppendUint16(append(out, in.Op), in.Index), in.Dims)
	case KindTableSwitch, KindLookupSwitch:
		out = append(out, in.Op)
		for i := pad(in.pos); i > 0; i-- {
			out = append(out, 0)
		}
		out = be.AppendUint32(out, uint32(int32(in.Target.pos-in.pos)))
		if in.Kind == KindTableSwitch {
			out = be.AppendUint32(out, uint32(in.Low))
			out = be.AppendUint32(out, uint32(in.High))
			for _, t := range in.Targets {
				out = be.AppendUint32(out, uint32(int32(t.pos-in.pos)))
			}
			return out
		}
		out = be.AppendUint32(out, uint32(len(in.Targets)))
		for i, t := range in.Targets {
			out = be.AppendUint32(out, uint32(in.Keys[i]))
			out = be.AppendUint32(out, uint32(int32(t.pos-in.pos)))
		}
		return out
	case KindJump:
		delta := in.Target.pos - in.pos
		if in.wide {
			op := byte(OpGotoW)
			if in.Op == OpJsr {
				op = OpJsrW
			}
			return be.AppendUint32(append(out, op), uint32(int32(delta)))
		}
		return be.AppendUint16(append(out, in.Op), uint16(int16(delta)))
	}
	return out
}

func shortLocal(op byte, slot uint16) byte {
	if op >= OpIstore {
		return OpIstore0 + (op-OpIstore)*4 + byte(slot)
	}
	return OpIload0 + (op-OpIload)*4 + byte(slot)
}

func (a *CodeAttr) encode() ([]byte, error) {
	be := binary.BigEndian
	switch a.kind {
	case attrLines:
		out := be.AppendUint16(nil, uint16(len(a.Lines)))
		for _, l := range a.Lines {
			out = be.AppendUint16(out, uint16(l.Start.pos))
			out = be.AppendUint16(out, l.Line)
		}
		return out, nil
	case attrLocalVars, attrLocalVarTypes:
		out := be.AppendUint16(nil, uint16(len(a.Vars)))
		for _, v := range a.Vars {
			out = be.AppendUint16(out, uint16(v.Start.pos))
			out = be.AppendUint16(out, uint16(v.End.pos-v.Start.pos))
			out = be.AppendUint16(out, v.NameIndex)
			out = be.AppendUint16(out, v.DescIndex)
			out = be.AppendUint16(out, v.Index)
		}
		return out, nil
	case attrStackMap:
		return encodeFrames(a.Frames)
	}
	return a.Raw, nil
}

// NewLocalVarTable builds a LocalVariableTable attribute; nameIndex is the
// pool index of the "LocalVariableTable" Utf8.
func NewLocalVarTable(nameIndex uint16, vars ...LocalVar) *CodeAttr {
	return &CodeAttr{Name: "LocalVariableTable", NameIndex: nameIndex, Vars: vars, kind: attrLocalVars}
}
