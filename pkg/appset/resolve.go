// Package appset builds the set of application classes: the classes found
// under an input directory whose whole supertype hierarchy resolves.
package appset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/daimatz/bcinstr/pkg/classfile"
)

// DefaultExtension is the extension of class files.
const DefaultExtension = ".class"

// Options configures Resolve.
type Options struct {
	// Extension selects the files to scan, DefaultExtension when empty.
	Extension string
	// Library provides classes from outside the scanned tree. When nil,
	// every class outside the tree is taken to be provided by the platform.
	Library Loader
}

// Failure is a file excluded from the application set.
type Failure struct {
	Path string
	Err  error
}

func (f Failure) Error() string { return fmt.Sprintf("%s: %v", f.Path, f.Err) }

// Set is an immutable set of internal class names.
type Set struct {
	names map[string]struct{}
}

// NewSet returns a set holding names.
func NewSet(names ...string) *Set {
	s := &Set{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	return s
}

// Contains reports whether name is an application class.
func (s *Set) Contains(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.names[name]
	return ok
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Names returns the members in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type candidate struct {
	path   string
	supers []string
}

type state int

const (
	unvisited state = iota
	visiting
	resolved
	broken
)

type resolver struct {
	opts       Options
	candidates map[string]*candidate
	state      map[string]state
	reason     map[string]error
}

// Resolve scans root for class files and returns the classes that can be
// resolved, together with the files that were excluded. Only an unreadable
// root is an error.
func Resolve(fs afero.Fs, root string, opts Options) (*Set, []Failure, error) {
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	fi, err := fs.Stat(root)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading %s", root)
	}
	if !fi.IsDir() {
		return nil, nil, errors.Errorf("%s is not a directory", root)
	}

	r := &resolver{
		opts:       opts,
		candidates: make(map[string]*candidate),
		state:      make(map[string]state),
		reason:     make(map[string]error),
	}
	var failures []Failure
	fail := func(path string, err error) {
		log.WithField("path", path).WithError(err).Warn("excluded from application set")
		failures = append(failures, Failure{Path: path, Err: err})
	}

	err = afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			fail(path, err)
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != opts.Extension {
			return nil
		}
		c, name, err := scan(fs, root, path, opts.Extension)
		if err != nil {
			fail(path, err)
			return nil
		}
		r.candidates[name] = c
		return nil
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "walking %s", root)
	}

	names := make([]string, 0, len(r.candidates))
	for n := range r.candidates {
		names = append(names, n)
	}
	sort.Strings(names)

	set := &Set{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if err := r.resolve(n); err != nil {
			fail(r.candidates[n].path, err)
			continue
		}
		set.names[n] = struct{}{}
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Path < failures[j].Path })
	log.WithFields(log.Fields{
		"root":     root,
		"classes":  set.Len(),
		"excluded": len(failures),
	}).Debug("resolved application set")
	return set, failures, nil
}

// scan decodes the class at path and checks that it is stored where its
// name says.
func scan(fs afero.Fs, root, path, ext string) (*candidate, string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, "", err
	}
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, "", err
	}
	name, err := cf.ClassName()
	if err != nil {
		return nil, "", err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, "", err
	}
	if want := strings.TrimSuffix(filepath.ToSlash(rel), ext); want != name {
		return nil, "", errors.Errorf("declares %s, expected %s", name, want)
	}

	supers, err := superNames(cf)
	if err != nil {
		return nil, "", err
	}
	return &candidate{path: path, supers: supers}, name, nil
}

// superNames returns the direct superclass and interfaces of cf.
func superNames(cf *classfile.ClassFile) ([]string, error) {
	var supers []string
	if super := cf.SuperClassName(); super != "" {
		supers = append(supers, super)
	}
	itfs, err := cf.InterfaceNames()
	if err != nil {
		return nil, err
	}
	return append(supers, itfs...), nil
}

// resolve checks that every supertype of name resolves, whether name is a
// candidate or a library class.
func (r *resolver) resolve(name string) error {
	switch r.state[name] {
	case resolved:
		return nil
	case broken:
		return r.reason[name]
	case visiting:
		return errors.Errorf("cyclic inheritance involving %s", name)
	}
	r.state[name] = visiting
	supers, err := r.supersOf(name)
	if err == nil {
		err = r.check(supers)
	}
	if err != nil {
		r.state[name] = broken
		r.reason[name] = err
		return err
	}
	r.state[name] = resolved
	return nil
}

func (r *resolver) supersOf(name string) ([]string, error) {
	if c, ok := r.candidates[name]; ok {
		return c.supers, nil
	}
	cf, err := r.opts.Library.LoadClass(name)
	if err != nil {
		return nil, err
	}
	return superNames(cf)
}

func (r *resolver) check(supers []string) error {
	for _, s := range supers {
		if _, ok := r.candidates[s]; !ok && r.opts.Library == nil {
			continue
		}
		if err := r.resolve(s); err != nil {
			return errors.Wrapf(err, "supertype %s", s)
		}
	}
	return nil
}
