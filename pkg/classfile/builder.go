package classfile

import "fmt"

// New returns an empty class declaring name with the given superclass and
// interfaces. An empty super leaves super_class zero, as for java/lang/Object.
func New(major uint16, access uint16, name, super string, interfaces ...string) (*ClassFile, error) {
	cf := &ClassFile{MajorVersion: major, AccessFlags: access, ConstantPool: []ConstantPoolEntry{nil}}
	pb := NewPoolBuilder(cf)
	var err error
	if cf.ThisClass, err = pb.Class(name); err != nil {
		return nil, err
	}
	if super != "" {
		if cf.SuperClass, err = pb.Class(super); err != nil {
			return nil, err
		}
	}
	for _, itf := range interfaces {
		idx, err := pb.Class(itf)
		if err != nil {
			return nil, err
		}
		cf.Interfaces = append(cf.Interfaces, idx)
	}
	return cf, nil
}

// AddMethod appends a method. When code is non-nil a Code attribute slot is
// created for it; the writer fills it from code.
func (cf *ClassFile) AddMethod(pb *PoolBuilder, access uint16, name, desc string, code *CodeAttribute) (*MethodInfo, error) {
	if cf.FindMethod(name, desc) != nil {
		return nil, fmt.Errorf("method %s%s already exists", name, desc)
	}
	nameIdx, err := pb.Utf8(name)
	if err != nil {
		return nil, err
	}
	descIdx, err := pb.Utf8(desc)
	if err != nil {
		return nil, err
	}
	m := MethodInfo{
		AccessFlags:     access,
		NameIndex:       nameIdx,
		DescriptorIndex: descIdx,
		Name:            name,
		Descriptor:      desc,
		Code:            code,
	}
	if code != nil {
		codeIdx, err := pb.Utf8("Code")
		if err != nil {
			return nil, err
		}
		m.Attributes = []AttributeInfo{{NameIndex: codeIdx, Name: "Code"}}
	}
	cf.Methods = append(cf.Methods, m)
	return &cf.Methods[len(cf.Methods)-1], nil
}
