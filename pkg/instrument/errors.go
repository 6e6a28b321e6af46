package instrument

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrDecode matches every DecodeError.
	ErrDecode = errors.New("malformed class file")
	// ErrNameClash is returned when a synthesized method name is already
	// declared by the class.
	ErrNameClash = errors.New("synthetic method name clash")
)

// DecodeError reports input that could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDecode) hold.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// VerificationError carries the verifier diagnostics of a rewritten class.
type VerificationError struct {
	Class       string
	Diagnostics []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s failed verification: %s", e.Class, strings.Join(e.Diagnostics, "; "))
}
