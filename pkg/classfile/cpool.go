package classfile

import (
	"errors"
	"fmt"
	"math"
)

// ErrPoolOverflow is returned when appending would exceed 65535 pool slots.
var ErrPoolOverflow = errors.New("constant pool overflow")

// PoolBuilder appends entries to a class file's constant pool, reusing an
// existing entry whenever an identical one is already present.
type PoolBuilder struct {
	cf    *ClassFile
	index map[poolKey]uint16
}

type poolKey struct {
	tag  uint8
	a, b string
	i    int32
}

// NewPoolBuilder indexes the existing pool of cf.
func NewPoolBuilder(cf *ClassFile) *PoolBuilder {
	b := &PoolBuilder{cf: cf, index: make(map[poolKey]uint16)}
	if len(cf.ConstantPool) == 0 {
		cf.ConstantPool = []ConstantPoolEntry{nil}
	}
	for i, entry := range cf.ConstantPool {
		if entry == nil {
			continue
		}
		if key, ok := b.keyOf(uint16(i), entry); ok {
			if _, dup := b.index[key]; !dup {
				b.index[key] = uint16(i)
			}
		}
	}
	return b
}

func (b *PoolBuilder) keyOf(i uint16, entry ConstantPoolEntry) (poolKey, bool) {
	pool := b.cf.ConstantPool
	switch c := entry.(type) {
	case *ConstantUtf8:
		return poolKey{tag: TagUtf8, a: c.Value}, true
	case *ConstantInteger:
		return poolKey{tag: TagInteger, i: c.Value}, true
	case *ConstantClass:
		name, err := GetUtf8(pool, c.NameIndex)
		return poolKey{tag: TagClass, a: name}, err == nil
	case *ConstantNameAndType:
		name, desc, err := GetNameAndType(pool, i)
		return poolKey{tag: TagNameAndType, a: name, b: desc}, err == nil
	case *ConstantMethodref, *ConstantInterfaceMethodref:
		info, err := ResolveAnyMethodref(pool, i)
		if err != nil {
			return poolKey{}, false
		}
		return poolKey{tag: entry.Tag(), a: info.ClassName, b: info.MethodName + info.Descriptor}, true
	}
	return poolKey{}, false
}

func (b *PoolBuilder) add(key poolKey, entry ConstantPoolEntry) (uint16, error) {
	if idx, ok := b.index[key]; ok {
		return idx, nil
	}
	if len(b.cf.ConstantPool) >= math.MaxUint16 {
		return 0, ErrPoolOverflow
	}
	idx := uint16(len(b.cf.ConstantPool))
	b.cf.ConstantPool = append(b.cf.ConstantPool, entry)
	b.index[key] = idx
	return idx, nil
}

// Utf8 returns the index of a Utf8 entry holding s.
func (b *PoolBuilder) Utf8(s string) (uint16, error) {
	if len(s) > math.MaxUint16 {
		return 0, fmt.Errorf("Utf8 constant of %d bytes exceeds 65535", len(s))
	}
	return b.add(poolKey{tag: TagUtf8, a: s}, &ConstantUtf8{Value: s})
}

// Integer returns the index of an Integer entry holding v.
func (b *PoolBuilder) Integer(v int32) (uint16, error) {
	return b.add(poolKey{tag: TagInteger, i: v}, &ConstantInteger{Value: v})
}

// Class returns the index of a Class entry naming name.
func (b *PoolBuilder) Class(name string) (uint16, error) {
	key := poolKey{tag: TagClass, a: name}
	if idx, ok := b.index[key]; ok {
		return idx, nil
	}
	nameIdx, err := b.Utf8(name)
	if err != nil {
		return 0, err
	}
	return b.add(key, &ConstantClass{NameIndex: nameIdx})
}

// NameAndType returns the index of a NameAndType entry.
func (b *PoolBuilder) NameAndType(name, desc string) (uint16, error) {
	key := poolKey{tag: TagNameAndType, a: name, b: desc}
	if idx, ok := b.index[key]; ok {
		return idx, nil
	}
	nameIdx, err := b.Utf8(name)
	if err != nil {
		return 0, err
	}
	descIdx, err := b.Utf8(desc)
	if err != nil {
		return 0, err
	}
	return b.add(key, &ConstantNameAndType{NameIndex: nameIdx, DescriptorIndex: descIdx})
}

// Methodref returns the index of a Methodref (or InterfaceMethodref when itf
// is set) for owner.name desc.
func (b *PoolBuilder) Methodref(owner, name, desc string, itf bool) (uint16, error) {
	tag := uint8(TagMethodref)
	if itf {
		tag = TagInterfaceMethodref
	}
	key := poolKey{tag: tag, a: owner, b: name + desc}
	if idx, ok := b.index[key]; ok {
		return idx, nil
	}
	classIdx, err := b.Class(owner)
	if err != nil {
		return 0, err
	}
	natIdx, err := b.NameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	if itf {
		return b.add(key, &ConstantInterfaceMethodref{ClassIndex: classIdx, NameAndTypeIndex: natIdx})
	}
	return b.add(key, &ConstantMethodref{ClassIndex: classIdx, NameAndTypeIndex: natIdx})
}
