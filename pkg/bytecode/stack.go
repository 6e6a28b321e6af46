package bytecode

import (
	"fmt"

	"github.com/daimatz/bcinstr/pkg/classfile"
)

// StackError reports an operand stack inconsistency at an instruction.
type StackError struct {
	Insn   *Insn
	Reason string
}

func (e *StackError) Error() string {
	if e.Insn == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s at %d: %s", OpName(e.Insn.Op), e.Insn.Offset, e.Reason)
}

// StackEffect returns the number of slots in pops from and pushes onto the
// operand stack.
func StackEffect(in *Insn, pool []classfile.ConstantPoolEntry) (pop, push int, err error) {
	switch in.Kind {
	case KindLabel:
		return 0, 0, nil
	case KindLocal:
		switch {
		case in.Op == OpRet:
			return 0, 0, nil
		case in.Op >= OpIstore:
			return localWidth(in.Op), 0, nil
		}
		return 0, localWidth(in.Op), nil
	case KindConstant:
		if in.Op == OpLdc2W {
			return 0, 2, nil
		}
		return 0, 1, nil
	case KindField:
		ref, err := classfile.ResolveFieldref(pool, in.Index)
		if err != nil {
			return 0, 0, err
		}
		tok, err := ParseFieldType(ref.Descriptor)
		if err != nil {
			return 0, 0, err
		}
		n := tok.Category.Slots()
		switch in.Op {
		case OpGetstatic:
			return 0, n, nil
		case OpPutstatic:
			return n, 0, nil
		case OpGetfield:
			return 1, n, nil
		}
		return 1 + n, 0, nil
	case KindMethod:
		ref, err := classfile.ResolveAnyMethodref(pool, in.Index)
		if err != nil {
			return 0, 0, err
		}
		md, err := ParseMethodDescriptor(ref.Descriptor)
		if err != nil {
			return 0, 0, err
		}
		pop = md.ParamSlots()
		if in.Op != OpInvokestatic {
			pop++
		}
		return pop, md.Return.Category.Slots(), nil
	case KindDynamic:
		_, desc, _, err := classfile.ResolveDynamic(pool, in.Index)
		if err != nil {
			return 0, 0, err
		}
		md, err := ParseMethodDescriptor(desc)
		if err != nil {
			return 0, 0, err
		}
		return md.ParamSlots(), md.Return.Category.Slots(), nil
	case KindMultiArray:
		return int(in.Dims), 1, nil
	}
	e := simpleEffect[in.Op]
	if e[0] < 0 {
		return 0, 0, fmt.Errorf("no stack effect for %s", OpName(in.Op))
	}
	return int(e[0]), int(e[1]), nil
}

// StackDepths computes the operand stack depth on entry to every
// instruction (-1 when unreachable) and the maximum depth reached.
// Exception handlers are entered with the thrown reference on the stack.
func StackDepths(insns []*Insn, handlers []Handler, pool []classfile.ConstantPoolEntry) ([]int, int, error) {
	depth := make([]int, len(insns))
	for i := range depth {
		depth[i] = -1
	}
	at := make(map[*Label]int)
	for i, in := range insns {
		if in.Kind == KindLabel {
			at[in.Label] = i
		}
	}

	var work []int
	maxDepth := 0
	enter := func(from *Insn, i, d int) error {
		if i >= len(insns) {
			return &StackError{Insn: from, Reason: "execution falls off the end of the code"}
		}
		switch depth[i] {
		case -1:
			depth[i] = d
			work = append(work, i)
		case d:
		default:
			return &StackError{Insn: from, Reason: fmt.Sprintf("stack depth %d at merge point, expected %d", d, depth[i])}
		}
		return nil
	}
	target := func(from *Insn, l *Label) (int, error) {
		i, ok := at[l]
		if !ok {
			return 0, &StackError{Insn: from, Reason: "branch to a label outside the code"}
		}
		return i, nil
	}

	if len(insns) == 0 {
		return depth, 0, nil
	}
	if err := enter(nil, 0, 0); err != nil {
		return nil, 0, err
	}
	for _, h := range handlers {
		i, ok := at[h.Handler]
		if !ok {
			return nil, 0, &StackError{Reason: "exception handler outside the code"}
		}
		if err := enter(insns[i], i, 1); err != nil {
			return nil, 0, err
		}
	}

	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := insns[i]
		d := depth[i]
		pop, push, err := StackEffect(in, pool)
		if err != nil {
			return nil, 0, &StackError{Insn: in, Reason: err.Error()}
		}
		if d < pop {
			return nil, 0, &StackError{Insn: in, Reason: fmt.Sprintf("stack underflow: needs %d, has %d", pop, d)}
		}
		after := d - pop + push
		maxDepth = max(maxDepth, d, after)

		var succ []int
		var succDepth []int
		switch in.Kind {
		case KindJump:
			t, err := target(in, in.Target)
			if err != nil {
				return nil, 0, err
			}
			succ, succDepth = append(succ, t), append(succDepth, after)
			switch in.Op {
			case OpJsr:
				succ, succDepth = append(succ, i+1), append(succDepth, d)
			case OpGoto:
			default:
				succ, succDepth = append(succ, i+1), append(succDepth, after)
			}
		case KindTableSwitch, KindLookupSwitch:
			for _, l := range append([]*Label{in.Target}, in.Targets...) {
				t, err := target(in, l)
				if err != nil {
					return nil, 0, err
				}
				succ, succDepth = append(succ, t), append(succDepth, after)
			}
		default:
			if in.Kind == KindLabel || !isTerminal(in.Op) {
				succ, succDepth = append(succ, i+1), append(succDepth, after)
			}
		}
		for j, s := range succ {
			if err := enter(in, s, succDepth[j]); err != nil {
				return nil, 0, err
			}
		}
	}
	return depth, maxDepth, nil
}

// MaxStack returns the maximum operand stack depth of the instruction stream.
func MaxStack(insns []*Insn, handlers []Handler, pool []classfile.ConstantPoolEntry) (int, error) {
	_, n, err := StackDepths(insns, handlers, pool)
	return n, err
}

// MaxLocals returns the number of local slots touched by the instruction
// stream.
func MaxLocals(insns []*Insn) int {
	n := 0
	for _, in := range insns {
		switch in.Kind {
		case KindLocal:
			n = max(n, int(in.Index)+localWidth(in.Op))
		case KindIinc:
			n = max(n, int(in.Index)+1)
		}
	}
	return n
}
