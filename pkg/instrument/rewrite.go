// Package instrument rewrites class files so that every executable
// instruction reports its ordinal to a per-method probe, and calls leaving
// the application go through synthesized static wrappers.
package instrument

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/daimatz/bcinstr/pkg/classfile"
	"github.com/daimatz/bcinstr/pkg/verify"
)

// ClassSet is the set of application classes. Calls to its members are
// never wrapped.
type ClassSet interface {
	Contains(name string) bool
}

// Result is the outcome of rewriting one class.
type Result struct {
	Class string
	// Bytes is the encoded class, also set when verification fails.
	Bytes       []byte
	Methods     []MethodReport
	Wrappers    []WrapperEntry
	Diagnostics []string
	// Skipped is the reason the class was passed through unchanged.
	Skipped string
}

// Rewriter instruments classes against a fixed application set. It holds no
// per-class state and may be shared between goroutines.
type Rewriter struct {
	app ClassSet
	// Verify runs the structural verifier over every rewritten class.
	Verify bool
}

type noClasses struct{}

func (noClasses) Contains(string) bool { return false }

// NewRewriter returns a Rewriter with verification enabled. A nil app set
// wraps every call.
func NewRewriter(app ClassSet) *Rewriter {
	if app == nil {
		app = noClasses{}
	}
	return &Rewriter{app: app, Verify: true}
}

type classRewrite struct {
	cf       *classfile.ClassFile
	pb       *classfile.PoolBuilder
	name     string
	itf      bool
	app      ClassSet
	memo     map[WrapperKey]*WrapperEntry
	wrappers []WrapperEntry
}

// Rewrite instruments the class in data. When the rewritten class fails
// verification the result is returned together with a *VerificationError.
func (r *Rewriter) Rewrite(data []byte) (*Result, error) {
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	name, err := cf.ClassName()
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	res := &Result{Class: name}
	ctx := log.WithField("class", name)

	// private static methods in interfaces need class file version 52
	if cf.IsInterface() && cf.MajorVersion < 52 {
		res.Skipped = "interface predates class file version 52"
		res.Bytes = data
		ctx.WithField("version", cf.MajorVersion).Warn("leaving old interface unchanged")
		return res, nil
	}

	c := &classRewrite{
		cf:   cf,
		pb:   classfile.NewPoolBuilder(cf),
		name: name,
		itf:  cf.IsInterface(),
		app:  r.app,
		memo: make(map[WrapperKey]*WrapperEntry),
	}
	// synthesized methods are appended behind the original ones
	n := len(cf.Methods)
	for i := 0; i < n; i++ {
		rep, err := c.instrument(i)
		if err != nil {
			m := cf.Methods[i]
			return nil, errors.Wrapf(err, "%s.%s%s", name, m.Name, m.Descriptor)
		}
		ctx.WithFields(log.Fields{
			"method":   rep.Name + rep.Desc,
			"ordinals": rep.Ordinals,
		}).Debug("instrumented")
		res.Methods = append(res.Methods, *rep)
	}
	res.Wrappers = c.wrappers

	if res.Bytes, err = cf.Bytes(); err != nil {
		return nil, errors.Wrapf(err, "encoding %s", name)
	}
	if !r.Verify {
		return res, nil
	}
	if res.Diagnostics = verify.Verify(res.Bytes); len(res.Diagnostics) > 0 {
		return res, &VerificationError{Class: name, Diagnostics: res.Diagnostics}
	}
	return res, nil
}
