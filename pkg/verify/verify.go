// Package verify performs structural verification of class files: it checks
// what the rewriter can break (instruction encoding, branch targets, constant
// pool references, stack depths and locals) without modelling the full type
// system of the JVM verifier.
package verify

import (
	"fmt"

	"github.com/daimatz/bcinstr/pkg/bytecode"
	"github.com/daimatz/bcinstr/pkg/classfile"
)

// Verify parses data and returns the diagnostics found, in order. An empty
// result means the class passed.
func Verify(data []byte) []string {
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return []string{fmt.Sprintf("parse: %v", err)}
	}
	return Class(cf)
}

// Class verifies a parsed class file.
func Class(cf *classfile.ClassFile) []string {
	v := &verifier{cf: cf}
	v.check()
	return v.diags
}

type verifier struct {
	cf    *classfile.ClassFile
	name  string
	diags []string
}

func (v *verifier) report(format string, args ...interface{}) {
	v.diags = append(v.diags, fmt.Sprintf(format, args...))
}

func (v *verifier) check() {
	name, err := v.cf.ClassName()
	if err != nil {
		v.report("this_class: %v", err)
		return
	}
	v.name = name

	seen := make(map[string]bool)
	for i := range v.cf.Methods {
		m := &v.cf.Methods[i]
		key := m.Name + m.Descriptor
		if seen[key] {
			v.report("%s%s: duplicate method", m.Name, m.Descriptor)
		}
		seen[key] = true
		v.method(m)
	}
}

func (v *verifier) method(m *classfile.MethodInfo) {
	where := m.Name + m.Descriptor
	md, err := bytecode.ParseMethodDescriptor(m.Descriptor)
	if err != nil {
		v.report("%s: %v", where, err)
		return
	}
	bodiless := m.AccessFlags&(classfile.AccAbstract|classfile.AccNative) != 0
	switch {
	case bodiless && m.Code != nil:
		v.report("%s: abstract or native method has code", where)
		return
	case bodiless:
		return
	case m.Code == nil:
		v.report("%s: missing Code attribute", where)
		return
	}

	code := m.Code
	params := md.ParamSlots()
	if !m.IsStatic() {
		params++
	}
	if params > int(code.MaxLocals) {
		v.report("%s: max_locals %d smaller than parameter slots %d", where, code.MaxLocals, params)
	}

	body, err := bytecode.Decode(code)
	if err != nil {
		v.report("%s: %v", where, err)
		return
	}
	for _, h := range body.Handlers {
		if h.CatchType != 0 {
			if _, err := classfile.GetClassName(v.cf.ConstantPool, h.CatchType); err != nil {
				v.report("%s: exception handler catch type: %v", where, err)
			}
		}
	}
	for _, in := range body.Insns {
		if err := v.insn(in, code); err != nil {
			v.report("%s: %s at %d: %v", where, bytecode.OpName(in.Op), in.Offset, err)
		}
	}

	depths, maxDepth, err := bytecode.StackDepths(body.Insns, body.Handlers, v.cf.ConstantPool)
	if err != nil {
		v.report("%s: %v", where, err)
		return
	}
	if maxDepth > int(code.MaxStack) {
		for i, in := range body.Insns {
			if depths[i] < 0 {
				continue
			}
			pop, push, _ := bytecode.StackEffect(in, v.cf.ConstantPool)
			if depths[i]-pop+push > int(code.MaxStack) {
				v.report("%s: %s at %d: operand stack overflow, max_stack is %d", where, bytecode.OpName(in.Op), in.Offset, code.MaxStack)
				break
			}
		}
	}
}

func (v *verifier) insn(in *bytecode.Insn, code *classfile.CodeAttribute) error {
	pool := v.cf.ConstantPool
	switch in.Kind {
	case bytecode.KindLocal, bytecode.KindIinc:
		width := 1
		if in.Op == bytecode.OpLload || in.Op == bytecode.OpDload || in.Op == bytecode.OpLstore || in.Op == bytecode.OpDstore {
			width = 2
		}
		if int(in.Index)+width > int(code.MaxLocals) {
			return fmt.Errorf("local %d outside max_locals %d", in.Index, code.MaxLocals)
		}
	case bytecode.KindInt:
		if in.Op == bytecode.OpNewarray && (in.Value < 4 || in.Value > 11) {
			return fmt.Errorf("invalid array type %d", in.Value)
		}
	case bytecode.KindType:
		_, err := classfile.GetClassName(pool, in.Index)
		return err
	case bytecode.KindMultiArray:
		if in.Dims == 0 {
			return fmt.Errorf("zero dimensions")
		}
		_, err := classfile.GetClassName(pool, in.Index)
		return err
	case bytecode.KindField:
		_, err := classfile.ResolveFieldref(pool, in.Index)
		return err
	case bytecode.KindMethod:
		return v.invoke(in)
	case bytecode.KindDynamic:
		entry, err := classfile.Entry(pool, in.Index)
		if err != nil {
			return err
		}
		if entry.Tag() != classfile.TagInvokeDynamic {
			return fmt.Errorf("constant pool index %d is not InvokeDynamic", in.Index)
		}
		_, _, bsm, err := classfile.ResolveDynamic(pool, in.Index)
		if err != nil {
			return err
		}
		if int(bsm) >= len(v.cf.BootstrapMethods) {
			return fmt.Errorf("bootstrap method %d out of range", bsm)
		}
	case bytecode.KindConstant:
		return v.constant(in)
	}
	return nil
}

func (v *verifier) invoke(in *bytecode.Insn) error {
	pool := v.cf.ConstantPool
	var ref *classfile.MethodRefInfo
	var err error
	switch in.Op {
	case bytecode.OpInvokevirtual:
		ref, err = classfile.ResolveMethodref(pool, in.Index)
	case bytecode.OpInvokeinterface:
		ref, err = classfile.ResolveInterfaceMethodref(pool, in.Index)
	default:
		ref, err = classfile.ResolveAnyMethodref(pool, in.Index)
	}
	if err != nil {
		return err
	}
	md, err := bytecode.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return err
	}
	if in.Op == bytecode.OpInvokeinterface && int(in.Count) != md.ParamSlots()+1 {
		return fmt.Errorf("count %d does not match descriptor %s", in.Count, ref.Descriptor)
	}
	if ref.MethodName == "<clinit>" || (ref.MethodName == "<init>" && in.Op != bytecode.OpInvokespecial) {
		return fmt.Errorf("cannot invoke %s", ref.MethodName)
	}
	if ref.ClassName != v.name {
		return nil
	}
	target := v.cf.FindMethod(ref.MethodName, ref.Descriptor)
	if target == nil {
		return nil
	}
	static := in.Op == bytecode.OpInvokestatic
	if target.IsStatic() != static {
		return fmt.Errorf("%s.%s%s: static mismatch", ref.ClassName, ref.MethodName, ref.Descriptor)
	}
	return nil
}

func (v *verifier) constant(in *bytecode.Insn) error {
	entry, err := classfile.Entry(v.cf.ConstantPool, in.Index)
	if err != nil {
		return err
	}
	wide := false
	switch entry.Tag() {
	case classfile.TagInteger, classfile.TagFloat, classfile.TagString, classfile.TagClass,
		classfile.TagMethodType, classfile.TagMethodHandle:
	case classfile.TagLong, classfile.TagDouble:
		wide = true
	case classfile.TagDynamic:
		_, desc, _, err := classfile.ResolveDynamic(v.cf.ConstantPool, in.Index)
		if err != nil {
			return err
		}
		wide = desc == "J" || desc == "D"
	default:
		return fmt.Errorf("constant pool index %d (tag %d) is not loadable", in.Index, entry.Tag())
	}
	if wide != (in.Op == bytecode.OpLdc2W) {
		return fmt.Errorf("constant pool index %d has the wrong size for %s", in.Index, bytecode.OpName(in.Op))
	}
	return nil
}
