package instrument

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/bcinstr/pkg/bytecode"
	"github.com/daimatz/bcinstr/pkg/classfile"
)

type appSet map[string]bool

func (s appSet) Contains(name string) bool { return s[name] }

type classBuilder struct {
	t  *testing.T
	cf *classfile.ClassFile
	pb *classfile.PoolBuilder
}

func newClass(t *testing.T, major, access uint16, name string) *classBuilder {
	cf, err := classfile.New(major, access, name, "java/lang/Object")
	require.NoError(t, err)
	return &classBuilder{t: t, cf: cf, pb: classfile.NewPoolBuilder(cf)}
}

func (b *classBuilder) ref(owner, name, desc string, itf bool) uint16 {
	idx, err := b.pb.Methodref(owner, name, desc, itf)
	require.NoError(b.t, err)
	return idx
}

func (b *classBuilder) code(access uint16, name, desc string, ca *classfile.CodeAttribute) {
	_, err := b.cf.AddMethod(b.pb, access, name, desc, ca)
	require.NoError(b.t, err)
}

func (b *classBuilder) method(access uint16, name, desc string, maxStack, maxLocals uint16, code ...byte) {
	b.code(access, name, desc, &classfile.CodeAttribute{MaxStack: maxStack, MaxLocals: maxLocals, Code: code})
}

func (b *classBuilder) bytes() []byte {
	data, err := b.cf.Bytes()
	require.NoError(b.t, err)
	return data
}

func u16(idx uint16) []byte { return []byte{byte(idx >> 8), byte(idx)} }

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// rewritten runs the rewriter and parses its output.
func rewritten(t *testing.T, data []byte, app ClassSet) (*Result, *classfile.ClassFile) {
	res, err := NewRewriter(app).Rewrite(data)
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)
	cf, err := classfile.ParseBytes(res.Bytes)
	require.NoError(t, err)
	return res, cf
}

func decodeMethod(t *testing.T, cf *classfile.ClassFile, name, desc string) *bytecode.Body {
	m := cf.FindMethod(name, desc)
	require.NotNil(t, m, "%s%s", name, desc)
	require.NotNil(t, m.Code)
	body, err := bytecode.Decode(m.Code)
	require.NoError(t, err)
	return body
}

func pushedValue(t *testing.T, pool []classfile.ConstantPoolEntry, in *bytecode.Insn) int32 {
	switch {
	case in.Op >= bytecode.OpIconstM1 && in.Op <= bytecode.OpIconst5:
		return int32(in.Op) - int32(bytecode.OpIconst0)
	case in.Kind == bytecode.KindInt:
		return in.Value
	case in.Op == bytecode.OpLdc:
		entry, err := classfile.Entry(pool, in.Index)
		require.NoError(t, err)
		c, ok := entry.(*classfile.ConstantInteger)
		require.True(t, ok)
		return c.Value
	}
	t.Fatalf("%v does not push an int", in)
	return 0
}

// split separates probe calls from the rest of a rewritten method. It
// returns the ordinals passed to the probe and the remaining instructions.
func split(t *testing.T, cf *classfile.ClassFile, body *bytecode.Body, probe string) ([]int32, []*bytecode.Insn) {
	var ordinals []int32
	var rest []*bytecode.Insn
	for _, in := range body.Insns {
		if !in.Observable() {
			continue
		}
		if in.Op == bytecode.OpInvokestatic {
			ref, err := classfile.ResolveAnyMethodref(cf.ConstantPool, in.Index)
			require.NoError(t, err)
			if ref.MethodName == probe {
				require.NotEmpty(t, rest)
				ordinals = append(ordinals, pushedValue(t, cf.ConstantPool, rest[len(rest)-1]))
				rest = rest[:len(rest)-1]
				continue
			}
		}
		rest = append(rest, in)
	}
	return ordinals, rest
}

func sequence(k int) []int32 {
	out := make([]int32, k)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

func target(t *testing.T, cf *classfile.ClassFile, in *bytecode.Insn) *classfile.MethodRefInfo {
	ref, err := classfile.ResolveAnyMethodref(cf.ConstantPool, in.Index)
	require.NoError(t, err)
	return ref
}

func TestProbeOrdinals(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	b.method(classfile.AccStatic, "add", "(II)I", 2, 2,
		bytecode.OpIload0, bytecode.OpIload0+1, bytecode.OpIadd, bytecode.OpIreturn)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	require.Len(t, res.Methods, 1)
	assert.Equal(t, MethodReport{Name: "add", Desc: "(II)I", Probe: "add_S_pII_qI__PC__METHOD", Ordinals: 4}, res.Methods[0])
	assert.Empty(t, res.Wrappers)

	ordinals, rest := split(t, cf, decodeMethod(t, cf, "add", "(II)I"), res.Methods[0].Probe)
	assert.Equal(t, sequence(4), ordinals)
	ops := make([]byte, len(rest))
	for i, in := range rest {
		ops[i] = in.Op
	}
	assert.Equal(t, []byte{bytecode.OpIload, bytecode.OpIload, bytecode.OpIadd, bytecode.OpIreturn}, ops)

	probe := cf.FindMethod(res.Methods[0].Probe, "(I)V")
	require.NotNil(t, probe)
	assert.Equal(t, uint16(classfile.AccPrivate|classfile.AccStatic), probe.AccessFlags)
	pb := decodeMethod(t, cf, probe.Name, probe.Descriptor)
	require.Len(t, pb.Attrs, 1)
	require.Len(t, pb.Attrs[0].Vars, 1)
	name, err := classfile.GetUtf8(cf.ConstantPool, pb.Attrs[0].Vars[0].NameIndex)
	require.NoError(t, err)
	assert.Equal(t, "arg", name)
}

func TestProbeOrdinalsAcrossBranches(t *testing.T) {
	b := newClass(t, 50, classfile.AccPublic|classfile.AccSuper, "App")
	// for (i = 0; i < n; i++) {} return i
	b.method(classfile.AccStatic, "loop", "(I)I", 2, 2,
		bytecode.OpIconst0, bytecode.OpIstore0+1,
		bytecode.OpIload0+1, bytecode.OpIload0,
		bytecode.OpIfIcmpge, 0x00, 0x09,
		bytecode.OpIinc, 1, 1,
		bytecode.OpGoto, 0xFF, 0xF8,
		bytecode.OpIload0+1, bytecode.OpIreturn)

	res, cf := rewritten(t, b.bytes(), nil)
	body := decodeMethod(t, cf, "loop", "(I)I")
	ordinals, rest := split(t, cf, body, res.Methods[0].Probe)
	assert.Equal(t, sequence(9), ordinals)
	require.Len(t, rest, 9)

	// 分岐先はプローブ呼び出しの前を指す
	jump, back := rest[4], rest[6]
	assert.Equal(t, byte(bytecode.OpIfIcmpge), jump.Op)
	assert.Equal(t, byte(bytecode.OpGoto), back.Op)
	next := func(l *bytecode.Label) *bytecode.Insn {
		for i, in := range body.Insns {
			if !in.Observable() && in.Label == l {
				for _, n := range body.Insns[i+1:] {
					if n.Observable() {
						return n
					}
				}
			}
		}
		t.Fatalf("label %d not found", l.Offset)
		return nil
	}
	assert.Equal(t, int32(7), pushedValue(t, cf.ConstantPool, next(jump.Target)))
	assert.Equal(t, int32(2), pushedValue(t, cf.ConstantPool, next(back.Target)))
}

// 外部クラスの static メソッド呼び出しはラッパー経由になる
func TestRedirectStaticCall(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	add := b.ref("Lib", "add", "(II)I", false)
	b.method(classfile.AccStatic, "run", "()I", 2, 0,
		join([]byte{bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokestatic}, u16(add), []byte{bytecode.OpIreturn})...)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	require.Len(t, res.Wrappers, 1)
	w := res.Wrappers[0]
	assert.Equal(t, "Lib_Nadd_D_pII_qI_KS__WRAPPER__METHOD", w.Name)
	assert.Equal(t, "(II)I", w.Desc)
	assert.Equal(t, WrapperKey{Owner: "Lib", Name: "add", Desc: "(II)I", Kind: CallStatic}, w.Key)

	ordinals, rest := split(t, cf, decodeMethod(t, cf, "run", "()I"), res.Methods[0].Probe)
	assert.Equal(t, sequence(4), ordinals)
	call := rest[2]
	assert.Equal(t, byte(bytecode.OpInvokestatic), call.Op)
	ref := target(t, cf, call)
	assert.Equal(t, classfile.MethodRefInfo{ClassName: "App", MethodName: w.Name, Descriptor: "(II)I"}, *ref)

	m := cf.FindMethod(w.Name, w.Desc)
	require.NotNil(t, m)
	assert.Equal(t, uint16(classfile.AccPrivate|classfile.AccStatic|classfile.AccSynthetic), m.AccessFlags)
	body := decodeMethod(t, cf, w.Name, w.Desc)
	require.Len(t, body.Insns, 4)
	assert.Equal(t, byte(bytecode.OpIload), body.Insns[0].Op)
	assert.Equal(t, uint16(0), body.Insns[0].Index)
	assert.Equal(t, byte(bytecode.OpIload), body.Insns[1].Op)
	assert.Equal(t, uint16(1), body.Insns[1].Index)
	assert.Equal(t, byte(bytecode.OpInvokestatic), body.Insns[2].Op)
	assert.Equal(t, add, body.Insns[2].Index)
	assert.Equal(t, byte(bytecode.OpIreturn), body.Insns[3].Op)
}

// 外部クラスのインスタンスメソッドはレシーバを第一引数に取るラッパーになる
func TestRedirectVirtualCall(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	foo := b.ref("Lib", "foo", "()I", false)
	b.method(classfile.AccStatic, "call", "(LLib;)I", 1, 1,
		join([]byte{bytecode.OpAload0, bytecode.OpInvokevirtual}, u16(foo), []byte{bytecode.OpIreturn})...)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	require.Len(t, res.Wrappers, 1)
	w := res.Wrappers[0]
	assert.Equal(t, "(LLib;)I", w.Desc)
	assert.Equal(t, WrapperName(w.Key, true), w.Name)
	assert.True(t, strings.HasSuffix(w.Name, "__HASBASE____WRAPPER__METHOD"))

	body := decodeMethod(t, cf, w.Name, w.Desc)
	require.Len(t, body.Insns, 3)
	assert.Equal(t, byte(bytecode.OpAload), body.Insns[0].Op)
	assert.Equal(t, uint16(0), body.Insns[0].Index)
	assert.Equal(t, byte(bytecode.OpInvokevirtual), body.Insns[1].Op)
	assert.Equal(t, foo, body.Insns[1].Index)
	assert.Equal(t, byte(bytecode.OpIreturn), body.Insns[2].Op)
}

// コンストラクタ呼び出しは外部クラスでもラップしない
func TestConstructorCallsAreNotRedirected(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	super := b.ref("java/lang/Object", "<init>", "()V", false)
	b.method(classfile.AccPublic, "<init>", "()V", 1, 1,
		join([]byte{bytecode.OpAload0, bytecode.OpInvokespecial}, u16(super), []byte{bytecode.OpReturn})...)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	assert.Empty(t, res.Wrappers)
	ordinals, rest := split(t, cf, decodeMethod(t, cf, "<init>", "()V"), "_linit_g_S_p_qV__PC__METHOD")
	assert.Equal(t, sequence(3), ordinals)
	assert.Equal(t, byte(bytecode.OpInvokespecial), rest[1].Op)
	assert.Equal(t, super, rest[1].Index)
}

// 同じ呼び出し先は一つのラッパーを共有する
func TestWrappersAreMemoized(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	bar := b.ref("Lib", "bar", "(I)V", false)
	call := join([]byte{bytecode.OpInvokestatic}, u16(bar))
	b.method(classfile.AccStatic, "twice", "()V", 1, 0,
		join([]byte{bytecode.OpIconst1}, call, []byte{bytecode.OpIconst2}, call, []byte{bytecode.OpReturn})...)
	b.method(classfile.AccStatic, "once", "()V", 1, 0,
		join([]byte{bytecode.OpIconst3}, call, []byte{bytecode.OpReturn})...)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	require.Len(t, res.Wrappers, 1)
	require.Len(t, res.Methods, 2)

	var sites []uint16
	for _, m := range res.Methods {
		_, rest := split(t, cf, decodeMethod(t, cf, m.Name, m.Desc), m.Probe)
		for _, in := range rest {
			if in.Op == bytecode.OpInvokestatic {
				assert.Equal(t, res.Wrappers[0].Name, target(t, cf, in).MethodName)
				sites = append(sites, in.Index)
			}
		}
	}
	require.Len(t, sites, 3)
	assert.Equal(t, sites[0], sites[1])
	assert.Equal(t, sites[0], sites[2])

	// ラッパー自身にはプローブを入れない
	body := decodeMethod(t, cf, res.Wrappers[0].Name, res.Wrappers[0].Desc)
	assert.Len(t, body.Insns, 3)
}

func TestApplicationCallsAreNotRedirected(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	helper := b.ref("Helper", "help", "()V", false)
	b.method(classfile.AccStatic, "run", "()V", 0, 0,
		join([]byte{bytecode.OpInvokestatic}, u16(helper), []byte{bytecode.OpReturn})...)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true, "Helper": true})
	assert.Empty(t, res.Wrappers)
	_, rest := split(t, cf, decodeMethod(t, cf, "run", "()V"), res.Methods[0].Probe)
	assert.Equal(t, helper, rest[0].Index)
}

// invokedynamic は数えるが、ラッパーには置き換えない
func TestDynamicCallsAreProbedNotRedirected(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	size := b.ref("java/util/List", "size", "()I", true)
	factory := b.ref("java/lang/invoke/LambdaMetafactory", "metafactory",
		"(Ljava/lang/invoke/MethodHandles$Lookup;Ljava/lang/String;Ljava/lang/invoke/MethodType;Ljava/lang/invoke/MethodType;Ljava/lang/invoke/MethodHandle;Ljava/lang/invoke/MethodType;)Ljava/lang/invoke/CallSite;", false)
	nat, err := b.pb.NameAndType("run", "()Ljava/lang/Runnable;")
	require.NoError(t, err)
	attrName, err := b.pb.Utf8("BootstrapMethods")
	require.NoError(t, err)
	handle := uint16(len(b.cf.ConstantPool))
	b.cf.ConstantPool = append(b.cf.ConstantPool, &classfile.ConstantMethodHandle{ReferenceKind: 6, ReferenceIndex: factory})
	indy := uint16(len(b.cf.ConstantPool))
	b.cf.ConstantPool = append(b.cf.ConstantPool, &classfile.ConstantDynamic{Invoke: true, BootstrapMethodAttrIndex: 0, NameAndTypeIndex: nat})
	b.cf.Attributes = append(b.cf.Attributes, classfile.AttributeInfo{
		NameIndex: attrName,
		Name:      "BootstrapMethods",
		Data:      join(u16(1), u16(handle), u16(0)),
	})
	b.method(classfile.AccStatic, "task", "(Ljava/util/List;)Ljava/lang/Runnable;", 1, 1,
		join([]byte{bytecode.OpAload0, bytecode.OpInvokeinterface}, u16(size), []byte{1, 0, bytecode.OpPop, bytecode.OpInvokedynamic}, u16(indy), []byte{0, 0, bytecode.OpAreturn})...)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	require.Len(t, cf.BootstrapMethods, 1)
	require.Len(t, res.Wrappers, 1)
	assert.Equal(t, WrapperKey{Owner: "java/util/List", Name: "size", Desc: "()I", Kind: CallInterface}, res.Wrappers[0].Key)

	ordinals, rest := split(t, cf, decodeMethod(t, cf, "task", "(Ljava/util/List;)Ljava/lang/Runnable;"), res.Methods[0].Probe)
	assert.Equal(t, sequence(5), ordinals)
	require.Len(t, rest, 5)
	assert.Equal(t, byte(bytecode.OpInvokestatic), rest[1].Op)
	assert.Equal(t, res.Wrappers[0].Name, target(t, cf, rest[1]).MethodName)
	assert.Equal(t, byte(bytecode.OpInvokedynamic), rest[3].Op)
	assert.Equal(t, indy, rest[3].Index)
	name, desc, bsm, err := classfile.ResolveDynamic(cf.ConstantPool, rest[3].Index)
	require.NoError(t, err)
	assert.Equal(t, "run", name)
	assert.Equal(t, "()Ljava/lang/Runnable;", desc)
	assert.Zero(t, bsm)
}

func TestWrapperDescriptor(t *testing.T) {
	tests := []struct {
		name string
		key  WrapperKey
		want string
	}{
		{"static", WrapperKey{Owner: "Lib", Name: "m", Desc: "(IJ)D", Kind: CallStatic}, "(IJ)D"},
		{"virtual", WrapperKey{Owner: "Lib", Name: "m", Desc: "(I)V", Kind: CallVirtual}, "(LLib;I)V"},
		{"interface", WrapperKey{Owner: "java/util/List", Name: "size", Desc: "()I", Kind: CallInterface}, "(Ljava/util/List;)I"},
		{"special", WrapperKey{Owner: "java/lang/Object", Name: "toString", Desc: "()Ljava/lang/String;", Kind: CallSpecial}, "(LApp;)Ljava/lang/String;"},
		{"array owner", WrapperKey{Owner: "[I", Name: "clone", Desc: "()Ljava/lang/Object;", Kind: CallVirtual}, "([I)Ljava/lang/Object;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := WrapperDescriptor(tt.key, "App")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := WrapperDescriptor(WrapperKey{Owner: "Lib", Name: "m", Desc: "(Q)V", Kind: CallStatic}, "App")
	var de *bytecode.DescriptorError
	assert.True(t, errors.As(err, &de))
}

func newRewrite(t *testing.T) (*classRewrite, *classBuilder) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	return &classRewrite{
		cf:   b.cf,
		pb:   b.pb,
		name: "App",
		app:  appSet{},
		memo: make(map[WrapperKey]*WrapperEntry),
	}, b
}

func TestWrapperBodyPerCategory(t *testing.T) {
	tests := []struct {
		typ    string
		load   byte
		width  uint16
		result byte
	}{
		{"B", bytecode.OpIload, 1, bytecode.OpIreturn},
		{"C", bytecode.OpIload, 1, bytecode.OpIreturn},
		{"D", bytecode.OpDload, 2, bytecode.OpDreturn},
		{"F", bytecode.OpFload, 1, bytecode.OpFreturn},
		{"I", bytecode.OpIload, 1, bytecode.OpIreturn},
		{"J", bytecode.OpLload, 2, bytecode.OpLreturn},
		{"Ljava/lang/String;", bytecode.OpAload, 1, bytecode.OpAreturn},
		{"S", bytecode.OpIload, 1, bytecode.OpIreturn},
		{"Z", bytecode.OpIload, 1, bytecode.OpIreturn},
		{"[I", bytecode.OpAload, 1, bytecode.OpAreturn},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			c, b := newRewrite(t)
			desc := "(" + tt.typ + "I)" + tt.typ
			idx := b.ref("Lib", "id", desc, false)
			e, err := c.wrapper(WrapperKey{Owner: "Lib", Name: "id", Desc: desc, Kind: CallStatic}, bytecode.Invoke(bytecode.OpInvokestatic, idx, 0))
			require.NoError(t, err)

			m := c.cf.FindMethod(e.Name, e.Desc)
			require.NotNil(t, m)
			assert.Equal(t, tt.width+1, m.Code.MaxLocals)
			body, err := bytecode.Decode(m.Code)
			require.NoError(t, err)
			require.Len(t, body.Insns, 4)
			assert.Equal(t, tt.load, body.Insns[0].Op)
			assert.Equal(t, uint16(0), body.Insns[0].Index)
			assert.Equal(t, byte(bytecode.OpIload), body.Insns[1].Op)
			assert.Equal(t, tt.width, body.Insns[1].Index)
			assert.Equal(t, tt.result, body.Insns[3].Op)
		})
	}
}

func TestWrapperVoidAndInterfaceCall(t *testing.T) {
	c, b := newRewrite(t)
	ref := b.ref("java/util/List", "clear", "()V", true)
	call := bytecode.Invoke(bytecode.OpInvokeinterface, ref, 1)
	key := WrapperKey{Owner: "java/util/List", Name: "clear", Desc: "()V", Kind: CallInterface}
	e, err := c.wrapper(key, call)
	require.NoError(t, err)
	again, err := c.wrapper(key, call)
	require.NoError(t, err)
	assert.Same(t, e, again)
	assert.Len(t, c.wrappers, 1)

	body, err := bytecode.Decode(c.cf.FindMethod(e.Name, e.Desc).Code)
	require.NoError(t, err)
	require.Len(t, body.Insns, 3)
	assert.Equal(t, byte(bytecode.OpInvokeinterface), body.Insns[1].Op)
	assert.Equal(t, uint8(1), body.Insns[1].Count)
	assert.Equal(t, byte(bytecode.OpReturn), body.Insns[2].Op)
}

func TestPushOrdinal(t *testing.T) {
	c, _ := newRewrite(t)
	tests := []struct {
		v  int32
		op byte
	}{
		{0, bytecode.OpIconst0},
		{5, bytecode.OpIconst5},
		{6, bytecode.OpBipush},
		{127, bytecode.OpBipush},
		{128, bytecode.OpSipush},
		{32767, bytecode.OpSipush},
		{32768, bytecode.OpLdc},
		{1 << 20, bytecode.OpLdc},
	}
	for _, tt := range tests {
		in, err := c.pushOrdinal(tt.v)
		require.NoError(t, err)
		assert.Equal(t, tt.op, in.Op, "%d", tt.v)
		assert.Equal(t, tt.v, pushedValue(t, c.cf.ConstantPool, in))
	}
}

func TestInterfaceCallSites(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, "Api")
	abs := b.ref("java/lang/Math", "abs", "(I)I", false)
	b.method(classfile.AccPublic, "value", "()I", 1, 1,
		join([]byte{bytecode.OpIconstM1, bytecode.OpInvokestatic}, u16(abs), []byte{bytecode.OpIreturn})...)
	_, err := b.cf.AddMethod(b.pb, classfile.AccPublic|classfile.AccAbstract, "run", "()V", nil)
	require.NoError(t, err)

	res, cf := rewritten(t, b.bytes(), appSet{"Api": true})
	require.Len(t, res.Methods, 2)
	require.Len(t, res.Wrappers, 1)

	body := decodeMethod(t, cf, "value", "()I")
	for _, in := range body.Insns {
		if in.Op != bytecode.OpInvokestatic {
			continue
		}
		entry, err := classfile.Entry(cf.ConstantPool, in.Index)
		require.NoError(t, err)
		assert.IsType(t, &classfile.ConstantInterfaceMethodref{}, entry)
	}

	// 抽象メソッドにもプローブは作られるが、命令は数えない
	assert.Equal(t, MethodReport{Name: "run", Desc: "()V", Probe: ProbeMethodName("run", "()V")}, res.Methods[1])
	probe := cf.FindMethod(ProbeMethodName("run", "()V"), "(I)V")
	require.NotNil(t, probe)
	assert.Equal(t, uint16(classfile.AccPrivate|classfile.AccStatic), probe.AccessFlags)
	assert.Nil(t, cf.FindMethod("run", "()V").Code)
}

func TestNativeMethodsGetProbes(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	_, err := b.cf.AddMethod(b.pb, classfile.AccPublic|classfile.AccNative, "peek", "(J)I", nil)
	require.NoError(t, err)
	b.method(classfile.AccStatic, "run", "()V", 0, 0, bytecode.OpReturn)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	require.Len(t, res.Methods, 2)
	assert.Equal(t, "peek", res.Methods[0].Name)
	assert.Zero(t, res.Methods[0].Ordinals)
	assert.Equal(t, 1, res.Methods[1].Ordinals)
	require.NotNil(t, cf.FindMethod(ProbeMethodName("peek", "(J)I"), "(I)V"))
	assert.Len(t, cf.Methods, 4)
}

func TestOldInterfaceIsPassedThrough(t *testing.T) {
	b := newClass(t, 51, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, "Old")
	b.method(classfile.AccStatic, "<clinit>", "()V", 0, 0, bytecode.OpReturn)
	data := b.bytes()

	res, err := NewRewriter(nil).Rewrite(data)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Skipped)
	assert.Equal(t, data, res.Bytes)
	assert.Empty(t, res.Methods)
}

func TestVerifierRoundTrip(t *testing.T) {
	b := newClass(t, 50, classfile.AccPublic|classfile.AccSuper, "App")
	risky := b.ref("Lib", "risky", "()V", false)
	obj := b.ref("java/lang/Object", "<init>", "()V", false)
	b.method(classfile.AccPublic, "<init>", "()V", 1, 1,
		join([]byte{bytecode.OpAload0, bytecode.OpInvokespecial}, u16(obj), []byte{bytecode.OpReturn})...)
	// try { Lib.risky(); } catch (Throwable e) {}
	b.code(classfile.AccStatic, "safe", "()V", &classfile.CodeAttribute{
		MaxStack:  1,
		MaxLocals: 1,
		Code: join([]byte{bytecode.OpInvokestatic}, u16(risky),
			[]byte{bytecode.OpGoto, 0x00, 0x04, bytecode.OpAstore3 - 3, bytecode.OpReturn}),
		ExceptionHandlers: []classfile.ExceptionHandler{{StartPC: 0, EndPC: 3, HandlerPC: 6}},
	})
	b.method(classfile.AccStatic, "wide", "(JD)J", 4, 4,
		bytecode.OpLload, 0, bytecode.OpLload, 0, bytecode.OpLadd, bytecode.OpLreturn)
	b.method(classfile.AccStatic, "pick", "(I)I", 1, 1,
		bytecode.OpIload0, bytecode.OpTableswitch, 0, 0,
		0, 0, 0, 23, // default
		0, 0, 0, 0, // low
		0, 0, 0, 1, // high
		0, 0, 0, 25,
		0, 0, 0, 27,
		bytecode.OpIconstM1, bytecode.OpIreturn,
		bytecode.OpIconst0, bytecode.OpIreturn,
		bytecode.OpIconst1, bytecode.OpIreturn)

	res, cf := rewritten(t, b.bytes(), appSet{"App": true})
	assert.Len(t, res.Methods, 4)
	assert.Len(t, res.Wrappers, 1)

	body := decodeMethod(t, cf, "safe", "()V")
	require.Len(t, body.Handlers, 1)
	// ハンドラの先頭はプローブ呼び出し
	h := body.Handlers[0].Handler
	found := false
	for i, in := range body.Insns {
		if !in.Observable() && in.Label == h {
			assert.Equal(t, int32(2), pushedValue(t, cf.ConstantPool, body.Insns[i+1]))
			found = true
		}
	}
	assert.True(t, found)
}

func TestRewriteErrors(t *testing.T) {
	t.Run("malformed class", func(t *testing.T) {
		_, err := NewRewriter(nil).Rewrite([]byte{0xCA, 0xFE, 0xBA})
		assert.True(t, errors.Is(err, ErrDecode))
	})
	t.Run("truncated instruction", func(t *testing.T) {
		b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
		b.method(classfile.AccStatic, "broken", "()V", 1, 0, bytecode.OpBipush)
		_, err := NewRewriter(nil).Rewrite(b.bytes())
		assert.True(t, errors.Is(err, ErrDecode))
		assert.Contains(t, err.Error(), "App.broken()V")
	})
	t.Run("unknown descriptor token", func(t *testing.T) {
		b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
		bad := b.ref("Lib", "bad", "(Q)V", false)
		b.method(classfile.AccStatic, "run", "()V", 0, 0, join([]byte{bytecode.OpInvokestatic}, u16(bad), []byte{bytecode.OpReturn})...)
		_, err := NewRewriter(nil).Rewrite(b.bytes())
		var de *bytecode.DescriptorError
		assert.True(t, errors.As(err, &de))
	})
	t.Run("probe name clash", func(t *testing.T) {
		b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
		b.method(classfile.AccStatic, "run", "()V", 0, 0, bytecode.OpReturn)
		_, err := b.cf.AddMethod(b.pb, classfile.AccStatic|classfile.AccNative, ProbeMethodName("run", "()V"), "(I)V", nil)
		require.NoError(t, err)
		_, err = NewRewriter(nil).Rewrite(b.bytes())
		assert.True(t, errors.Is(err, ErrNameClash))
	})
	t.Run("code too large", func(t *testing.T) {
		b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
		code := make([]byte, 20000)
		code = append(code, bytecode.OpReturn)
		b.method(classfile.AccStatic, "big", "()V", 0, 0, code...)
		_, err := NewRewriter(nil).Rewrite(b.bytes())
		assert.True(t, errors.Is(err, bytecode.ErrCodeTooLarge))
	})
}

func TestVerificationFailureKeepsBytes(t *testing.T) {
	b := newClass(t, 52, classfile.AccPublic|classfile.AccSuper, "App")
	b.method(classfile.AccPublic, "inst", "()V", 0, 1, bytecode.OpReturn)
	inst := b.ref("App", "inst", "()V", false)
	b.method(classfile.AccStatic, "run", "()V", 0, 0, join([]byte{bytecode.OpInvokestatic}, u16(inst), []byte{bytecode.OpReturn})...)
	data := b.bytes()

	res, err := NewRewriter(appSet{"App": true}).Rewrite(data)
	var ve *VerificationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "App", ve.Class)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Bytes)
	assert.Equal(t, ve.Diagnostics, res.Diagnostics)

	r := NewRewriter(appSet{"App": true})
	r.Verify = false
	res, err = r.Rewrite(data)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
}
