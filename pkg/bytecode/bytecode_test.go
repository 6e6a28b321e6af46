package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/bcinstr/pkg/classfile"
)

// loop is: for (i = 0; i < 10; i++) {}
var loop = []byte{
	0x03,             // 0: iconst_0
	0x3c,             // 1: istore_1
	0x1b,             // 2: iload_1
	0x10, 0x0a,       // 3: bipush 10
	0xa2, 0x00, 0x09, // 5: if_icmpge 14
	0x84, 0x01, 0x01, // 8: iinc 1 1
	0xa7, 0xff, 0xf7, // 11: goto 2
	0xb1,             // 14: return
}

// padEach inserts a nop before every instruction, after any label at the
// same position, the way probes are inserted.
func padEach(body *Body) {
	var out []*Insn
	for _, in := range body.Insns {
		if in.Observable() {
			out = append(out, Simple(OpNop))
		}
		out = append(out, in)
	}
	body.Insns = out
}

func TestDecodeAssembleRoundTrip(t *testing.T) {
	body, err := Decode(&classfile.CodeAttribute{MaxStack: 2, MaxLocals: 2, Code: loop})
	require.NoError(t, err)

	var kinds []Kind
	for _, in := range body.Insns {
		kinds = append(kinds, in.Kind)
	}
	assert.Equal(t, []Kind{
		KindNoOperand, KindLocal, KindLabel, KindLocal, KindInt, KindJump,
		KindIinc, KindJump, KindLabel, KindNoOperand,
	}, kinds)

	ca, err := Assemble(body, nil)
	require.NoError(t, err)
	assert.Equal(t, loop, ca.Code)
	assert.Equal(t, uint16(2), ca.MaxStack)
	assert.Equal(t, uint16(2), ca.MaxLocals)
}

func TestAssembleRemapsBranches(t *testing.T) {
	body, err := Decode(&classfile.CodeAttribute{MaxStack: 2, MaxLocals: 2, Code: loop})
	require.NoError(t, err)
	padEach(body)

	ca, err := Assemble(body, nil)
	require.NoError(t, err)
	require.Len(t, ca.Code, len(loop)+8)

	again, err := Decode(ca)
	require.NoError(t, err)
	var jumps []*Insn
	for _, in := range again.Insns {
		if in.Kind == KindJump {
			jumps = append(jumps, in)
		}
	}
	require.Len(t, jumps, 2)
	// Branch targets land on the inserted nop, not on the original instruction.
	assert.Equal(t, 21, jumps[0].Target.Offset)
	assert.Equal(t, 4, jumps[1].Target.Offset)
	assert.Equal(t, byte(OpNop), ca.Code[21])
	assert.Equal(t, byte(OpNop), ca.Code[4])
}

func TestGotoWidening(t *testing.T) {
	end := NewLabel()
	insns := []*Insn{{Op: OpGoto, Kind: KindJump, Target: end, Offset: -1}}
	for i := 0; i < 33000; i++ {
		insns = append(insns, Simple(OpNop))
	}
	insns = append(insns, Mark(end), Simple(OpReturn))

	ca, err := Assemble(&Body{Insns: insns}, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(OpGotoW), ca.Code[0])
	assert.Equal(t, 5+33000, end.Pos())
}

func TestConditionalBranchOverflow(t *testing.T) {
	end := NewLabel()
	insns := []*Insn{Simple(OpIconst0), {Op: OpIfeq, Kind: KindJump, Target: end, Offset: -1}}
	for i := 0; i < 33000; i++ {
		insns = append(insns, Simple(OpNop))
	}
	insns = append(insns, Mark(end), Simple(OpReturn))

	_, err := Assemble(&Body{Insns: insns}, nil)
	assert.ErrorIs(t, err, ErrBranchOverflow)
}

func TestCodeTooLarge(t *testing.T) {
	var insns []*Insn
	for i := 0; i < 70000; i++ {
		insns = append(insns, Simple(OpNop))
	}
	insns = append(insns, Simple(OpReturn))

	_, err := Assemble(&Body{Insns: insns}, nil)
	assert.ErrorIs(t, err, ErrCodeTooLarge)
}

func TestTableSwitchPadding(t *testing.T) {
	code := []byte{
		0x1a,                   // 0: iload_0
		0xaa, 0x00, 0x00,       // 1: tableswitch, 2 bytes padding
		0x00, 0x00, 0x00, 0x1b, // default -> 28
		0x00, 0x00, 0x00, 0x00, // low 0
		0x00, 0x00, 0x00, 0x01, // high 1
		0x00, 0x00, 0x00, 0x19, // 0 -> 26
		0x00, 0x00, 0x00, 0x1a, // 1 -> 27
		0x00,                   // 24: nop
		0x00,                   // 25: nop
		0xb1,                   // 26: return
		0xb1,                   // 27: return
		0xb1,                   // 28: return
	}
	body, err := Decode(&classfile.CodeAttribute{MaxStack: 1, MaxLocals: 1, Code: code})
	require.NoError(t, err)

	ca, err := Assemble(body, nil)
	require.NoError(t, err)
	assert.Equal(t, code, ca.Code)

	// A leading nop moves the switch to offset 2 and shrinks padding to one byte.
	body.Insns = append([]*Insn{Simple(OpNop)}, body.Insns...)
	ca, err = Assemble(body, nil)
	require.NoError(t, err)
	require.Len(t, ca.Code, len(code))

	again, err := Decode(ca)
	require.NoError(t, err)
	var sw *Insn
	for _, in := range again.Insns {
		if in.Kind == KindTableSwitch {
			sw = in
		}
	}
	require.NotNil(t, sw)
	assert.Equal(t, 2, sw.Offset)
	assert.Equal(t, 28, sw.Target.Offset)
	require.Len(t, sw.Targets, 2)
	assert.Equal(t, 26, sw.Targets[0].Offset)
	assert.Equal(t, 27, sw.Targets[1].Offset)
}

func TestHandlersAndFramesFollowLabels(t *testing.T) {
	code := []byte{
		0x04, // 0: iconst_1
		0x03, // 1: iconst_0
		0x6c, // 2: idiv
		0x57, // 3: pop
		0xb1, // 4: return
		0x4b, // 5: astore_0
		0xb1, // 6: return
	}
	frames := []byte{0x00, 0x01, 64 + 5, VTObject, 0x00, 0x02}
	ca := &classfile.CodeAttribute{
		MaxStack:          2,
		MaxLocals:         1,
		Code:              code,
		ExceptionHandlers: []classfile.ExceptionHandler{{StartPC: 0, EndPC: 4, HandlerPC: 5}},
		Attributes:        []classfile.AttributeInfo{{NameIndex: 3, Name: "StackMapTable", Data: frames}},
	}
	body, err := Decode(ca)
	require.NoError(t, err)

	out, err := Assemble(body, nil)
	require.NoError(t, err)
	assert.Equal(t, code, out.Code)
	assert.Equal(t, frames, out.Attributes[0].Data)

	padEach(body)
	out, err = Assemble(body, nil)
	require.NoError(t, err)
	assert.Equal(t, []classfile.ExceptionHandler{{StartPC: 0, EndPC: 8, HandlerPC: 10}}, out.ExceptionHandlers)
	assert.Equal(t, []byte{0x00, 0x01, 64 + 10, VTObject, 0x00, 0x02}, out.Attributes[0].Data)
	assert.Equal(t, uint16(2), out.MaxStack)
}

func TestUninitializedFollowsNew(t *testing.T) {
	cf := &classfile.ClassFile{}
	pb := classfile.NewPoolBuilder(cf)
	cls, err := pb.Class("java/lang/Object")
	require.NoError(t, err)
	ctor, err := pb.Methodref("java/lang/Object", "<init>", "()V", false)
	require.NoError(t, err)

	code := []byte{
		OpNew, byte(cls >> 8), byte(cls), // 0
		OpDup,                            // 3
		0x1a,                             // 4: iload_0
		OpIfeq, 0x00, 0x03,               // 5: ifeq 8
		OpInvokespecial, byte(ctor >> 8), byte(ctor), // 8
		OpPop,    // 11
		OpReturn, // 12
	}
	frames := []byte{
		0x00, 0x01,
		255, 0x00, 0x08,
		0x00, 0x01, VTInteger,
		0x00, 0x02, VTUninitialized, 0x00, 0x00, VTUninitialized, 0x00, 0x00,
	}
	ca := &classfile.CodeAttribute{
		MaxStack:   3,
		MaxLocals:  1,
		Code:       code,
		Attributes: []classfile.AttributeInfo{{NameIndex: 9, Name: "StackMapTable", Data: frames}},
	}
	body, err := Decode(ca)
	require.NoError(t, err)
	padEach(body)

	out, err := Assemble(body, cf.ConstantPool)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x00, 0x01,
		255, 0x00, 12,
		0x00, 0x01, VTInteger,
		0x00, 0x02, VTUninitialized, 0x00, 0x01, VTUninitialized, 0x00, 0x01,
	}, out.Attributes[0].Data)
	assert.Equal(t, byte(OpNew), out.Code[1])
	assert.Equal(t, uint16(3), out.MaxStack)
}

func TestDropsTypeAnnotations(t *testing.T) {
	ca := &classfile.CodeAttribute{
		Code: []byte{OpReturn},
		Attributes: []classfile.AttributeInfo{
			{NameIndex: 1, Name: "RuntimeVisibleTypeAnnotations", Data: []byte{0, 0}},
			{NameIndex: 2, Name: "Custom", Data: []byte{1, 2, 3}},
		},
	}
	body, err := Decode(ca)
	require.NoError(t, err)
	out, err := Assemble(body, nil)
	require.NoError(t, err)
	require.Len(t, out.Attributes, 1)
	assert.Equal(t, "Custom", out.Attributes[0].Name)
	assert.Equal(t, []byte{1, 2, 3}, out.Attributes[0].Data)
}

func TestDecodeRejectsMalformedCode(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"truncated operand", []byte{OpSipush, 0x01}},
		{"invalid opcode", []byte{0xcb}},
		{"branch into operand", []byte{OpGoto, 0x00, 0x01, OpReturn}},
		{"branch outside code", []byte{OpGoto, 0x00, 0x10}},
		{"bad wide", []byte{OpWide, OpNop, OpReturn}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(&classfile.CodeAttribute{Code: tt.code})
			assert.Error(t, err)
		})
	}
}

func TestWideForms(t *testing.T) {
	code := []byte{
		OpWide, OpIload, 0x01, 0x00,             // iload 256
		OpWide, OpIinc, 0x00, 0x01, 0x03, 0xe8, // iinc 1 1000
		OpPop, OpReturn,
	}
	body, err := Decode(&classfile.CodeAttribute{MaxStack: 1, Code: code})
	require.NoError(t, err)
	assert.Equal(t, uint16(256), body.Insns[0].Index)
	assert.Equal(t, int16(1000), body.Insns[1].Incr)

	ca, err := Assemble(body, nil)
	require.NoError(t, err)
	assert.Equal(t, code, ca.Code)
	assert.Equal(t, uint16(257), ca.MaxLocals)
}

func TestStackDepthsUnderflow(t *testing.T) {
	insns := []*Insn{Simple(OpPop), Simple(OpReturn)}
	_, _, err := StackDepths(insns, nil, nil)
	var se *StackError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Reason, "underflow")
}

func TestStackDepthsFallOffEnd(t *testing.T) {
	_, _, err := StackDepths([]*Insn{Simple(OpNop)}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "falls off")
}

func TestPushInt(t *testing.T) {
	tests := []struct {
		v    int32
		op   byte
		size int
		ok   bool
	}{
		{-1, OpIconstM1, 1, true},
		{0, OpIconst0, 1, true},
		{5, OpIconst5, 1, true},
		{6, OpBipush, 2, true},
		{127, OpBipush, 2, true},
		{128, OpSipush, 3, true},
		{32767, OpSipush, 3, true},
		{32768, 0, 0, false},
	}
	for _, tt := range tests {
		in, ok := PushInt(tt.v)
		require.Equal(t, tt.ok, ok, "value %d", tt.v)
		if !ok {
			continue
		}
		assert.Equal(t, tt.op, in.Op, "value %d", tt.v)
		assert.Equal(t, tt.size, len(in.encode(nil)), "value %d", tt.v)
	}
}
