package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Verification type tags.
const (
	VTTop               = 0
	VTInteger           = 1
	VTFloat             = 2
	VTDouble            = 3
	VTLong              = 4
	VTNull              = 5
	VTUninitializedThis = 6
	VTObject            = 7
	VTUninitialized     = 8
)

// FrameKind is the shape of a stack map frame relative to the previous one.
type FrameKind uint8

const (
	FrameSame FrameKind = iota
	FrameSameLocals1
	FrameChop
	FrameAppend
	FrameFull
)

// VerificationType is one local or stack entry of a frame. Object carries a
// constant pool Class index; Uninitialized points at the creating new.
type VerificationType struct {
	Tag   uint8
	Index uint16
	New   *Insn
}

// Frame is a StackMapTable entry. Locals holds the appended locals for
// FrameAppend and all locals for FrameFull.
type Frame struct {
	At     *Label
	Kind   FrameKind
	Chop   int
	Locals []VerificationType
	Stack  []VerificationType
}

func (d *decoder) frames(r *attrReader) ([]Frame, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, n)
	off := -1
	for i := 0; i < int(n); i++ {
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		var f Frame
		var delta uint16
		switch {
		case tag <= 63:
			f.Kind = FrameSame
			delta = uint16(tag)
		case tag <= 127:
			f.Kind = FrameSameLocals1
			delta = uint16(tag - 64)
			vt, err := d.verificationType(r)
			if err != nil {
				return nil, err
			}
			f.Stack = []VerificationType{vt}
		case tag < 247:
			return nil, fmt.Errorf("reserved frame type %d", tag)
		case tag == 247:
			f.Kind = FrameSameLocals1
			if delta, err = r.u16(); err != nil {
				return nil, err
			}
			vt, err := d.verificationType(r)
			if err != nil {
				return nil, err
			}
			f.Stack = []VerificationType{vt}
		case tag <= 250:
			f.Kind = FrameChop
			f.Chop = int(251 - tag)
			if delta, err = r.u16(); err != nil {
				return nil, err
			}
		case tag == 251:
			f.Kind = FrameSame
			if delta, err = r.u16(); err != nil {
				return nil, err
			}
		case tag <= 254:
			f.Kind = FrameAppend
			if delta, err = r.u16(); err != nil {
				return nil, err
			}
			if f.Locals, err = d.verificationTypes(r, int(tag-251)); err != nil {
				return nil, err
			}
		default:
			f.Kind = FrameFull
			if delta, err = r.u16(); err != nil {
				return nil, err
			}
			nl, err := r.u16()
			if err != nil {
				return nil, err
			}
			if f.Locals, err = d.verificationTypes(r, int(nl)); err != nil {
				return nil, err
			}
			ns, err := r.u16()
			if err != nil {
				return nil, err
			}
			if f.Stack, err = d.verificationTypes(r, int(ns)); err != nil {
				return nil, err
			}
		}
		off += int(delta) + 1
		if f.At, err = d.label(off, false); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (d *decoder) verificationTypes(r *attrReader, n int) ([]VerificationType, error) {
	vts := make([]VerificationType, 0, n)
	for i := 0; i < n; i++ {
		vt, err := d.verificationType(r)
		if err != nil {
			return nil, err
		}
		vts = append(vts, vt)
	}
	return vts, nil
}

func (d *decoder) verificationType(r *attrReader) (VerificationType, error) {
	tag, err := r.u8()
	if err != nil {
		return VerificationType{}, err
	}
	vt := VerificationType{Tag: tag}
	switch tag {
	case VTTop, VTInteger, VTFloat, VTDouble, VTLong, VTNull, VTUninitializedThis:
	case VTObject:
		if vt.Index, err = r.u16(); err != nil {
			return vt, err
		}
	case VTUninitialized:
		off, err := r.u16()
		if err != nil {
			return vt, err
		}
		in, ok := d.insnAt[int(off)]
		if !ok || in.Op != OpNew {
			return vt, fmt.Errorf("uninitialized entry at %d does not point at new", off)
		}
		vt.New = in
	default:
		return vt, fmt.Errorf("unknown verification type %d", tag)
	}
	return vt, nil
}

func encodeFrames(frames []Frame) ([]byte, error) {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(frames)))
	prev := -1
	for i, f := range frames {
		delta := f.At.pos - prev - 1
		if delta < 0 || delta > 0xFFFF {
			return nil, fmt.Errorf("frame %d at %d does not follow frame at %d", i, f.At.pos, prev)
		}
		prev = f.At.pos
		switch f.Kind {
		case FrameSame:
			if delta <= 63 {
				out = append(out, byte(delta))
			} else {
				out = append(out, 251)
				out = binary.BigEndian.AppendUint16(out, uint16(delta))
			}
		case FrameSameLocals1:
			if len(f.Stack) != 1 {
				return nil, fmt.Errorf("frame %d: same_locals_1_stack_item with %d stack entries", i, len(f.Stack))
			}
			if delta <= 63 {
				out = append(out, byte(64+delta))
			} else {
				out = append(out, 247)
				out = binary.BigEndian.AppendUint16(out, uint16(delta))
			}
			out = appendVerificationType(out, f.Stack[0])
		case FrameChop:
			if f.Chop < 1 || f.Chop > 3 {
				return nil, fmt.Errorf("frame %d: chop of %d locals", i, f.Chop)
			}
			out = append(out, byte(251-f.Chop))
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
		case FrameAppend:
			if len(f.Locals) < 1 || len(f.Locals) > 3 {
				return nil, fmt.Errorf("frame %d: append of %d locals", i, len(f.Locals))
			}
			out = append(out, byte(251+len(f.Locals)))
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
			for _, vt := range f.Locals {
				out = appendVerificationType(out, vt)
			}
		case FrameFull:
			out = append(out, 255)
			out = binary.BigEndian.AppendUint16(out, uint16(delta))
			out = binary.BigEndian.AppendUint16(out, uint16(len(f.Locals)))
			for _, vt := range f.Locals {
				out = appendVerificationType(out, vt)
			}
			out = binary.BigEndian.AppendUint16(out, uint16(len(f.Stack)))
			for _, vt := range f.Stack {
				out = appendVerificationType(out, vt)
			}
		default:
			return nil, fmt.Errorf("frame %d: unknown kind %d", i, f.Kind)
		}
	}
	return out, nil
}

func appendVerificationType(out []byte, vt VerificationType) []byte {
	out = append(out, vt.Tag)
	switch vt.Tag {
	case VTObject:
		out = binary.BigEndian.AppendUint16(out, vt.Index)
	case VTUninitialized:
		out = binary.BigEndian.AppendUint16(out, uint16(vt.New.pos))
	}
	return out
}
