package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) { binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) u32(v uint32) { binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) u64(v uint64) { binary.Write(&w.buf, binary.BigEndian, v) }
func (w *writer) bytes(b []byte) { w.buf.Write(b) }
func (w *writer) count(n int, what string) error {
	if n > math.MaxUint16 {
		return fmt.Errorf("%d %s exceed the class file limit of 65535", n, what)
	}
	w.u16(uint16(n))
	return nil
}

// Bytes serialises the class file. Methods with a non-nil Code have their
// "Code" attribute re-encoded from it; everything else is written as parsed.
func (cf *ClassFile) Bytes() ([]byte, error) {
	w := &writer{}
	w.u32(classMagic)
	w.u16(cf.MinorVersion)
	w.u16(cf.MajorVersion)

	if len(cf.ConstantPool) == 0 {
		return nil, fmt.Errorf("empty constant pool")
	}
	if err := w.count(len(cf.ConstantPool), "constant pool entries"); err != nil {
		return nil, err
	}
	for i := 1; i < len(cf.ConstantPool); i++ {
		entry := cf.ConstantPool[i]
		if entry == nil {
			return nil, fmt.Errorf("constant pool slot %d is empty", i)
		}
		if err := writeConstant(w, entry); err != nil {
			return nil, fmt.Errorf("constant pool slot %d: %w", i, err)
		}
		if t := entry.Tag(); t == TagLong || t == TagDouble {
			i++
		}
	}

	w.u16(cf.AccessFlags)
	w.u16(cf.ThisClass)
	w.u16(cf.SuperClass)
	if err := w.count(len(cf.Interfaces), "interfaces"); err != nil {
		return nil, err
	}
	for _, idx := range cf.Interfaces {
		w.u16(idx)
	}

	if err := w.count(len(cf.Fields), "fields"); err != nil {
		return nil, err
	}
	for _, f := range cf.Fields {
		w.u16(f.AccessFlags)
		w.u16(f.NameIndex)
		w.u16(f.DescriptorIndex)
		if err := writeAttributes(w, f.Attributes); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}

	if err := w.count(len(cf.Methods), "methods"); err != nil {
		return nil, err
	}
	for i := range cf.Methods {
		m := &cf.Methods[i]
		w.u16(m.AccessFlags)
		w.u16(m.NameIndex)
		w.u16(m.DescriptorIndex)
		attrs := m.Attributes
		if m.Code != nil {
			data, err := EncodeCode(m.Code)
			if err != nil {
				return nil, fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
			}
			attrs = make([]AttributeInfo, len(m.Attributes))
			copy(attrs, m.Attributes)
			found := false
			for j := range attrs {
				if attrs[j].Name == "Code" {
					attrs[j].Data = data
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("method %s%s has code but no Code attribute slot", m.Name, m.Descriptor)
			}
		}
		if err := writeAttributes(w, attrs); err != nil {
			return nil, fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
		}
	}

	if err := writeAttributes(w, cf.Attributes); err != nil {
		return nil, fmt.Errorf("class attributes: %w", err)
	}
	return w.buf.Bytes(), nil
}

// WriteTo writes the serialised class file to out.
func (cf *ClassFile) WriteTo(out io.Writer) (int64, error) {
	data, err := cf.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := out.Write(data)
	return int64(n), err
}

func writeAttributes(w *writer, attrs []AttributeInfo) error {
	if err := w.count(len(attrs), "attributes"); err != nil {
		return err
	}
	for _, a := range attrs {
		if a.NameIndex == 0 {
			return fmt.Errorf("attribute %q has no name index", a.Name)
		}
		if uint64(len(a.Data)) > math.MaxUint32 {
			return fmt.Errorf("attribute %q too large", a.Name)
		}
		w.u16(a.NameIndex)
		w.u32(uint32(len(a.Data)))
		w.bytes(a.Data)
	}
	return nil
}

// EncodeCode serialises the body of a Code attribute.
func EncodeCode(c *CodeAttribute) ([]byte, error) {
	if len(c.Code) == 0 || len(c.Code) > math.MaxUint16 {
		return nil, fmt.Errorf("code length %d outside 1..65535", len(c.Code))
	}
	w := &writer{}
	w.u16(c.MaxStack)
	w.u16(c.MaxLocals)
	w.u32(uint32(len(c.Code)))
	w.bytes(c.Code)
	if err := w.count(len(c.ExceptionHandlers), "exception handlers"); err != nil {
		return nil, err
	}
	for _, h := range c.ExceptionHandlers {
		w.u16(h.StartPC)
		w.u16(h.EndPC)
		w.u16(h.HandlerPC)
		w.u16(h.CatchType)
	}
	if err := writeAttributes(w, c.Attributes); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}
