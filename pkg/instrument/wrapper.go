package instrument

import (
	"github.com/pkg/errors"

	"github.com/daimatz/bcinstr/pkg/bytecode"
	"github.com/daimatz/bcinstr/pkg/classfile"
)

// WrapperEntry is a wrapper method synthesized into the rewritten class.
type WrapperEntry struct {
	Name string
	Desc string
	Key  WrapperKey
}

// WrapperDescriptor returns the descriptor of the static wrapper for key
// when called from class this. Non-static calls take their receiver as an
// explicit first parameter: the owner for virtual and interface calls, the
// calling class for invokespecial.
func WrapperDescriptor(key WrapperKey, this string) (string, error) {
	if _, err := bytecode.ParseMethodDescriptor(key.Desc); err != nil {
		return "", err
	}
	var recv string
	switch key.Kind {
	case CallStatic:
		return key.Desc, nil
	case CallSpecial:
		recv = "L" + this + ";"
	default:
		recv = key.Owner
		if recv == "" || recv[0] != '[' {
			recv = "L" + recv + ";"
		}
	}
	return "(" + recv + key.Desc[1:], nil
}

// wrapper returns the memoized wrapper for key, synthesizing it into the
// class on first use. call is the original invoke instruction.
func (c *classRewrite) wrapper(key WrapperKey, call *bytecode.Insn) (*WrapperEntry, error) {
	if e, ok := c.memo[key]; ok {
		return e, nil
	}
	desc, err := WrapperDescriptor(key, c.name)
	if err != nil {
		return nil, err
	}
	name := WrapperName(key, desc != key.Desc)
	if c.cf.FindMethod(name, desc) != nil {
		return nil, errors.Wrapf(ErrNameClash, "wrapper %s%s", name, desc)
	}
	md, err := bytecode.ParseMethodDescriptor(desc)
	if err != nil {
		return nil, err
	}

	body := &bytecode.Body{}
	slot := 0
	for _, p := range md.Params {
		body.Insns = append(body.Insns, bytecode.Local(p.Category.LoadOp(), uint16(slot)))
		slot += p.Category.Slots()
	}
	body.MaxLocals = uint16(slot)
	body.Insns = append(body.Insns,
		bytecode.Invoke(call.Op, call.Index, call.Count),
		bytecode.Simple(md.Return.Category.ReturnOp()),
	)
	code, err := bytecode.Assemble(body, c.cf.ConstantPool)
	if err != nil {
		return nil, errors.Wrapf(err, "assembling wrapper %s", name)
	}
	if _, err := c.cf.AddMethod(c.pb, classfile.AccPrivate|classfile.AccStatic|classfile.AccSynthetic, name, desc, code); err != nil {
		return nil, err
	}

	e := &WrapperEntry{Name: name, Desc: desc, Key: key}
	c.memo[key] = e
	c.wrappers = append(c.wrappers, *e)
	return e, nil
}
