package instrument

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/daimatz/bcinstr/pkg/bytecode"
)

// CallKind is the invocation mechanism of a wrapped call.
type CallKind byte

const (
	CallStatic    CallKind = 'S'
	CallVirtual   CallKind = 'V'
	CallInterface CallKind = 'I'
	CallSpecial   CallKind = 'P'
)

func (k CallKind) String() string {
	switch k {
	case CallStatic:
		return "static"
	case CallVirtual:
		return "virtual"
	case CallInterface:
		return "interface"
	case CallSpecial:
		return "special"
	}
	return fmt.Sprintf("CallKind(%q)", byte(k))
}

func callKindOf(op byte) CallKind {
	switch op {
	case bytecode.OpInvokestatic:
		return CallStatic
	case bytecode.OpInvokeinterface:
		return CallInterface
	case bytecode.OpInvokespecial:
		return CallSpecial
	}
	return CallVirtual
}

// WrapperKey identifies a wrapped call target within one class.
type WrapperKey struct {
	Owner string
	Name  string
	Desc  string
	Kind  CallKind
}

const (
	probeSuffix   = "__PC__METHOD"
	wrapperSuffix = "__WRAPPER__METHOD"
	hasBaseMarker = "__HASBASE__"
)

var escapes = map[rune]byte{
	'_': '_',
	'/': 's',
	'[': 'a',
	'$': 'd',
	';': 'e',
	'<': 'l',
	'>': 'g',
	'(': 'p',
	')': 'q',
	'.': 'o',
}

var unescapes = func() map[byte]rune {
	m := make(map[byte]rune, len(escapes))
	for r, c := range escapes {
		m[c] = r
	}
	return m
}()

// escape maps s onto [A-Za-z0-9_] injectively. Every '_' in the result
// starts a two character escape or a hex escape, so upper-case letters
// after '_' other than the ones used here are free for separators.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&b, "_b%02X", s[i])
		case r < utf8.RuneSelf && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'):
			b.WriteRune(r)
		case escapes[r] != 0:
			b.WriteByte('_')
			b.WriteByte(escapes[r])
		case r <= 0xFFFF:
			fmt.Fprintf(&b, "_x%04X", r)
		default:
			fmt.Fprintf(&b, "_y%06X", r)
		}
		i += size
	}
	return b.String()
}

// unescapeSegment decodes s from pos up to the separator '_' + sep and
// returns the decoded text and the position after the separator.
func unescapeSegment(s string, pos int, sep byte) (string, int, error) {
	var b strings.Builder
	for pos < len(s) {
		c := s[pos]
		if c != '_' {
			b.WriteByte(c)
			pos++
			continue
		}
		if pos+1 >= len(s) {
			return "", 0, errors.Errorf("dangling escape at %d", pos)
		}
		code := s[pos+1]
		if code == sep {
			return b.String(), pos + 2, nil
		}
		if r, ok := unescapes[code]; ok {
			b.WriteRune(r)
			pos += 2
			continue
		}
		var width int
		switch code {
		case 'x':
			width = 4
		case 'y':
			width = 6
		case 'b':
			width = 2
		}
		if width == 0 || pos+2+width > len(s) {
			return "", 0, errors.Errorf("invalid escape %q at %d", s[pos:pos+2], pos)
		}
		v, err := strconv.ParseUint(s[pos+2:pos+2+width], 16, 32)
		if err != nil {
			return "", 0, errors.Wrapf(err, "invalid escape at %d", pos)
		}
		if code == 'b' {
			b.WriteByte(byte(v))
		} else {
			b.WriteRune(rune(v))
		}
		pos += 2 + width
	}
	return "", 0, errors.Errorf("missing separator _%c", sep)
}

// ProbeMethodName names the probe of method name with descriptor desc.
func ProbeMethodName(name, desc string) string {
	return escape(name) + "_S" + escape(desc) + probeSuffix
}

// WrapperName names the wrapper for key. hasBase marks wrappers whose
// descriptor gained a leading receiver parameter.
func WrapperName(key WrapperKey, hasBase bool) string {
	var b strings.Builder
	b.WriteString(escape(key.Owner))
	b.WriteString("_N")
	b.WriteString(escape(key.Name))
	b.WriteString("_D")
	b.WriteString(escape(key.Desc))
	b.WriteString("_K")
	b.WriteByte(byte(key.Kind))
	if hasBase {
		b.WriteString(hasBaseMarker)
	}
	b.WriteString(wrapperSuffix)
	return b.String()
}

// IsWrapperName reports whether name was produced by WrapperName.
func IsWrapperName(name string) bool {
	_, _, err := ParseWrapperName(name)
	return err == nil
}

// ParseWrapperName recovers the key encoded by WrapperName.
func ParseWrapperName(name string) (WrapperKey, bool, error) {
	var key WrapperKey
	if !strings.HasSuffix(name, wrapperSuffix) {
		return key, false, errors.Errorf("%q is not a wrapper name", name)
	}
	var err error
	pos := 0
	if key.Owner, pos, err = unescapeSegment(name, pos, 'N'); err != nil {
		return key, false, errors.Wrapf(err, "wrapper %q owner", name)
	}
	if key.Name, pos, err = unescapeSegment(name, pos, 'D'); err != nil {
		return key, false, errors.Wrapf(err, "wrapper %q member", name)
	}
	if key.Desc, pos, err = unescapeSegment(name, pos, 'K'); err != nil {
		return key, false, errors.Wrapf(err, "wrapper %q descriptor", name)
	}
	if pos >= len(name) {
		return key, false, errors.Errorf("wrapper %q has no kind", name)
	}
	key.Kind = CallKind(name[pos])
	switch key.Kind {
	case CallStatic, CallVirtual, CallInterface, CallSpecial:
	default:
		return key, false, errors.Errorf("wrapper %q has unknown kind %q", name, name[pos])
	}
	switch name[pos+1:] {
	case wrapperSuffix:
		return key, false, nil
	case hasBaseMarker + wrapperSuffix:
		return key, true, nil
	}
	return key, false, errors.Errorf("wrapper %q has trailing text", name)
}
