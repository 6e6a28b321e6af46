package instrument

import (
	"github.com/pkg/errors"

	"github.com/daimatz/bcinstr/pkg/bytecode"
	"github.com/daimatz/bcinstr/pkg/classfile"
)

const probeDesc = "(I)V"

// MethodReport describes the probe of one rewritten method.
type MethodReport struct {
	Name     string
	Desc     string
	Probe    string
	Ordinals int
}

// addProbe declares the no-op probe method for name/desc and returns its
// constant pool reference.
func (c *classRewrite) addProbe(probe string) (uint16, error) {
	if c.cf.FindMethod(probe, probeDesc) != nil {
		return 0, errors.Wrapf(ErrNameClash, "probe %s", probe)
	}
	lvt, err := c.pb.Utf8("LocalVariableTable")
	if err != nil {
		return 0, err
	}
	argName, err := c.pb.Utf8("arg")
	if err != nil {
		return 0, err
	}
	argDesc, err := c.pb.Utf8("I")
	if err != nil {
		return 0, err
	}
	start, end := bytecode.NewLabel(), bytecode.NewLabel()
	body := &bytecode.Body{
		MaxLocals: 1,
		Insns:     []*bytecode.Insn{bytecode.Mark(start), bytecode.Simple(bytecode.OpReturn), bytecode.Mark(end)},
		Attrs: []*bytecode.CodeAttr{bytecode.NewLocalVarTable(lvt, bytecode.LocalVar{
			Start:     start,
			End:       end,
			NameIndex: argName,
			DescIndex: argDesc,
		})},
	}
	code, err := bytecode.Assemble(body, c.cf.ConstantPool)
	if err != nil {
		return 0, err
	}
	if _, err := c.cf.AddMethod(c.pb, classfile.AccPrivate|classfile.AccStatic, probe, probeDesc, code); err != nil {
		return 0, err
	}
	return c.pb.Methodref(c.name, probe, probeDesc, c.itf)
}

// pushOrdinal returns the shortest instruction pushing v.
func (c *classRewrite) pushOrdinal(v int32) (*bytecode.Insn, error) {
	if in, ok := bytecode.PushInt(v); ok {
		return in, nil
	}
	idx, err := c.pb.Integer(v)
	if err != nil {
		return nil, err
	}
	return bytecode.Ldc(idx), nil
}

// instrument rewrites method i: its probe method is declared first, also for
// methods without code, then every executable instruction is preceded by a probe call carrying the
// next ordinal, and calls leaving the application are redirected.
func (c *classRewrite) instrument(i int) (*MethodReport, error) {
	m := c.cf.Methods[i]
	report := &MethodReport{Name: m.Name, Desc: m.Descriptor, Probe: ProbeMethodName(m.Name, m.Descriptor)}
	probe, err := c.addProbe(report.Probe)
	if err != nil {
		return nil, err
	}
	// abstract and native methods keep their probe but have nothing to count
	if m.Code == nil {
		return report, nil
	}
	body, err := bytecode.Decode(m.Code)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	out := make([]*bytecode.Insn, 0, 3*len(body.Insns))
	var ordinal int32
	for _, in := range body.Insns {
		if !in.Observable() {
			out = append(out, in)
			continue
		}
		push, err := c.pushOrdinal(ordinal)
		if err != nil {
			return nil, err
		}
		out = append(out, push, bytecode.Invoke(bytecode.OpInvokestatic, probe, 0))
		ordinal++

		if in.Kind == bytecode.KindMethod {
			if in, err = c.redirect(in); err != nil {
				return nil, err
			}
		}
		out = append(out, in)
	}
	body.Insns = out

	code, err := bytecode.Assemble(body, c.cf.ConstantPool)
	if err != nil {
		return nil, err
	}
	c.cf.Methods[i].Code = code
	report.Ordinals = int(ordinal)
	return report, nil
}

// redirect returns the instruction replacing call: call itself when the
// target belongs to the application or is an initializer, otherwise an
// invokestatic of the wrapper.
func (c *classRewrite) redirect(call *bytecode.Insn) (*bytecode.Insn, error) {
	ref, err := classfile.ResolveAnyMethodref(c.cf.ConstantPool, call.Index)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if c.app.Contains(ref.ClassName) || ref.MethodName == "<init>" || ref.MethodName == "<clinit>" {
		return call, nil
	}
	key := WrapperKey{Owner: ref.ClassName, Name: ref.MethodName, Desc: ref.Descriptor, Kind: callKindOf(call.Op)}
	w, err := c.wrapper(key, call)
	if err != nil {
		return nil, errors.Wrapf(err, "wrapping %s.%s%s", ref.ClassName, ref.MethodName, ref.Descriptor)
	}
	idx, err := c.pb.Methodref(c.name, w.Name, w.Desc, c.itf)
	if err != nil {
		return nil, err
	}
	in := bytecode.Invoke(bytecode.OpInvokestatic, idx, 0)
	in.Offset = call.Offset
	return in, nil
}
