package classfile

import (
	"fmt"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// parseConstantPool reads constant_pool_count-1 entries. The returned slice
// is 1-indexed: index 0 is nil, and so is the slot following every Long or
// Double.
func parseConstantPool(r *reader, count uint16) ([]ConstantPoolEntry, error) {
	pool := make([]ConstantPoolEntry, count)
	for i := uint16(1); i < count; i++ {
		tag := r.u8()
		switch tag {
		case TagUtf8:
			pool[i] = &ConstantUtf8{Value: string(r.bytes(uint32(r.u16())))}
		case TagInteger:
			pool[i] = &ConstantInteger{Value: int32(r.u32())}
		case TagFloat:
			pool[i] = &ConstantFloat{Value: math.Float32frombits(r.u32())}
		case TagLong, TagDouble:
			if i+1 >= count {
				return nil, fmt.Errorf("8-byte constant at index %d overruns the pool", i)
			}
			bits := r.u64()
			if tag == TagLong {
				pool[i] = &ConstantLong{Value: int64(bits)}
			} else {
				pool[i] = &ConstantDouble{Value: math.Float64frombits(bits)}
			}
			i++ // takes 2 slots
		case TagClass:
			pool[i] = &ConstantClass{NameIndex: r.u16()}
		case TagString:
			pool[i] = &ConstantString{StringIndex: r.u16()}
		case TagMethodType:
			pool[i] = &ConstantMethodType{DescriptorIndex: r.u16()}
		case TagModule, TagPackage:
			pool[i] = &ConstantModule{Package: tag == TagPackage, NameIndex: r.u16()}
		case TagFieldref:
			pool[i] = &ConstantFieldref{ClassIndex: r.u16(), NameAndTypeIndex: r.u16()}
		case TagMethodref:
			pool[i] = &ConstantMethodref{ClassIndex: r.u16(), NameAndTypeIndex: r.u16()}
		case TagInterfaceMethodref:
			pool[i] = &ConstantInterfaceMethodref{ClassIndex: r.u16(), NameAndTypeIndex: r.u16()}
		case TagNameAndType:
			pool[i] = &ConstantNameAndType{NameIndex: r.u16(), DescriptorIndex: r.u16()}
		case TagDynamic, TagInvokeDynamic:
			pool[i] = &ConstantDynamic{Invoke: tag == TagInvokeDynamic, BootstrapMethodAttrIndex: r.u16(), NameAndTypeIndex: r.u16()}
		case TagMethodHandle:
			pool[i] = &ConstantMethodHandle{ReferenceKind: r.u8(), ReferenceIndex: r.u16()}
		default:
			if r.err == nil {
				return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
			}
		}
		if err := r.check("constant pool entry %d", i); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// writeConstant serialises one pool entry including its tag.
func writeConstant(w *writer, entry ConstantPoolEntry) error {
	w.u8(entry.Tag())
	switch c := entry.(type) {
	case *ConstantUtf8:
		if len(c.Value) > math.MaxUint16 {
			return fmt.Errorf("Utf8 constant of %d bytes exceeds 65535", len(c.Value))
		}
		w.u16(uint16(len(c.Value)))
		w.bytes([]byte(c.Value))
	case *ConstantInteger:
		w.u32(uint32(c.Value))
	case *ConstantFloat:
		w.u32(math.Float32bits(c.Value))
	case *ConstantLong:
		w.u64(uint64(c.Value))
	case *ConstantDouble:
		w.u64(math.Float64bits(c.Value))
	case *ConstantClass:
		w.u16(c.NameIndex)
	case *ConstantString:
		w.u16(c.StringIndex)
	case *ConstantMethodType:
		w.u16(c.DescriptorIndex)
	case *ConstantModule:
		w.u16(c.NameIndex)
	case *ConstantFieldref:
		w.u16(c.ClassIndex)
		w.u16(c.NameAndTypeIndex)
	case *ConstantMethodref:
		w.u16(c.ClassIndex)
		w.u16(c.NameAndTypeIndex)
	case *ConstantInterfaceMethodref:
		w.u16(c.ClassIndex)
		w.u16(c.NameAndTypeIndex)
	case *ConstantNameAndType:
		w.u16(c.NameIndex)
		w.u16(c.DescriptorIndex)
	case *ConstantDynamic:
		w.u16(c.BootstrapMethodAttrIndex)
		w.u16(c.NameAndTypeIndex)
	case *ConstantMethodHandle:
		w.u8(c.ReferenceKind)
		w.u16(c.ReferenceIndex)
	default:
		return fmt.Errorf("cannot encode constant pool tag %d", entry.Tag())
	}
	return nil
}

// Entry returns the pool entry at index, or an error for index 0, the
// unusable slot after a Long/Double and out-of-range indices.
func Entry(pool []ConstantPoolEntry, index uint16) (ConstantPoolEntry, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	return pool[index], nil
}

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	entry, err := Entry(pool, index)
	if err != nil {
		return "", err
	}
	utf8, ok := entry.(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, entry.Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	entry, err := Entry(pool, classIndex)
	if err != nil {
		return "", err
	}
	class, ok := entry.(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// GetNameAndType resolves a CONSTANT_NameAndType entry.
func GetNameAndType(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	entry, err := Entry(pool, index)
	if err != nil {
		return "", "", fmt.Errorf("invalid NameAndType index %d", index)
	}
	nat, ok := entry.(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	if name, err = GetUtf8(pool, nat.NameIndex); err != nil {
		return "", "", fmt.Errorf("resolving name: %w", err)
	}
	if descriptor, err = GetUtf8(pool, nat.DescriptorIndex); err != nil {
		return "", "", fmt.Errorf("resolving descriptor: %w", err)
	}
	return name, descriptor, nil
}

// MethodRefInfo holds resolved method reference info.
type MethodRefInfo struct {
	ClassName  string
	MethodName string
	Descriptor string
	// Interface is set when the entry is a CONSTANT_InterfaceMethodref.
	Interface bool
}

// ResolveMethodref resolves a CONSTANT_Methodref entry.
func ResolveMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	entry, err := Entry(pool, index)
	if err != nil {
		return nil, err
	}
	mref, ok := entry.(*ConstantMethodref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not Methodref", index)
	}
	return resolveMember(pool, "Methodref", mref.ClassIndex, mref.NameAndTypeIndex, false)
}

// ResolveInterfaceMethodref resolves a CONSTANT_InterfaceMethodref entry.
func ResolveInterfaceMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	entry, err := Entry(pool, index)
	if err != nil {
		return nil, err
	}
	mref, ok := entry.(*ConstantInterfaceMethodref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not InterfaceMethodref", index)
	}
	return resolveMember(pool, "InterfaceMethodref", mref.ClassIndex, mref.NameAndTypeIndex, true)
}

// ResolveAnyMethodref resolves either a Methodref or an InterfaceMethodref;
// invokestatic and invokespecial may reference both since class file 52.
func ResolveAnyMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	entry, err := Entry(pool, index)
	if err != nil {
		return nil, err
	}
	if _, ok := entry.(*ConstantInterfaceMethodref); ok {
		return ResolveInterfaceMethodref(pool, index)
	}
	return ResolveMethodref(pool, index)
}

func resolveMember(pool []ConstantPoolEntry, kind string, classIndex, natIndex uint16, itf bool) (*MethodRefInfo, error) {
	className, err := GetClassName(pool, classIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving %s class: %w", kind, err)
	}
	name, desc, err := GetNameAndType(pool, natIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", kind, err)
	}
	return &MethodRefInfo{
		ClassName:  className,
		MethodName: name,
		Descriptor: desc,
		Interface:  itf,
	}, nil
}

// FieldRefInfo holds resolved field reference info.
type FieldRefInfo struct {
	ClassName  string
	FieldName  string
	Descriptor string
}

// ResolveFieldref resolves a CONSTANT_Fieldref entry.
func ResolveFieldref(pool []ConstantPoolEntry, index uint16) (*FieldRefInfo, error) {
	entry, err := Entry(pool, index)
	if err != nil {
		return nil, err
	}
	fref, ok := entry.(*ConstantFieldref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not Fieldref", index)
	}

	className, err := GetClassName(pool, fref.ClassIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving Fieldref class: %w", err)
	}
	fieldName, descriptor, err := GetNameAndType(pool, fref.NameAndTypeIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving Fieldref: %w", err)
	}

	return &FieldRefInfo{
		ClassName:  className,
		FieldName:  fieldName,
		Descriptor: descriptor,
	}, nil
}

// ResolveDynamic resolves the name and descriptor of an InvokeDynamic or
// Dynamic entry and returns its bootstrap method index.
func ResolveDynamic(pool []ConstantPoolEntry, index uint16) (name, descriptor string, bootstrap uint16, err error) {
	entry, err := Entry(pool, index)
	if err != nil {
		return "", "", 0, err
	}
	dyn, ok := entry.(*ConstantDynamic)
	if !ok {
		return "", "", 0, fmt.Errorf("constant pool index %d is not Dynamic/InvokeDynamic", index)
	}
	name, descriptor, err = GetNameAndType(pool, dyn.NameAndTypeIndex)
	if err != nil {
		return "", "", 0, fmt.Errorf("resolving Dynamic: %w", err)
	}
	return name, descriptor, dyn.BootstrapMethodAttrIndex, nil
}
