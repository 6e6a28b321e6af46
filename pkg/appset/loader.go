package appset

import (
	"archive/zip"
	"bytes"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/daimatz/bcinstr/pkg/classfile"
)

// ErrClassNotFound is returned by loaders that do not provide a class.
var ErrClassNotFound = errors.New("class not found")

// DefaultCacheSize is the number of parsed classes an ArchiveLoader keeps.
const DefaultCacheSize = 1024

var jmodMagic = []byte("JM\x01\x00")

// Loader loads classes by internal name.
type Loader interface {
	LoadClass(name string) (*classfile.ClassFile, error)
}

// ArchiveLoader loads classes from a .jar or a JDK .jmod archive.
type ArchiveLoader struct {
	Path   string
	prefix string
	files  map[string]*zip.File
	cache  *lru.Cache[string, *classfile.ClassFile]
}

// NewArchiveLoader reads the archive at path. A jmod is a zip behind a four
// byte header with its classes under "classes/".
func NewArchiveLoader(fs afero.Fs, path string, cacheSize int) (*ArchiveLoader, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "archive: reading %s", path)
	}
	var prefix string
	if bytes.HasPrefix(data, jmodMagic) {
		data = data[len(jmodMagic):]
		prefix = "classes/"
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "archive: opening %s", path)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *classfile.ClassFile](cacheSize)
	if err != nil {
		return nil, err
	}

	cl := &ArchiveLoader{
		Path:   path,
		prefix: prefix,
		files:  make(map[string]*zip.File),
		cache:  cache,
	}
	for _, f := range zr.File {
		name, ok := strings.CutPrefix(f.Name, prefix)
		if !ok || !strings.HasSuffix(name, ".class") {
			continue
		}
		cl.files[strings.TrimSuffix(name, ".class")] = f
	}
	return cl, nil
}

// Len returns the number of classes in the archive.
func (cl *ArchiveLoader) Len() int { return len(cl.files) }

func (cl *ArchiveLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	if cf, ok := cl.cache.Get(name); ok {
		return cf, nil
	}
	f, ok := cl.files[name]
	if !ok {
		return nil, errors.Wrapf(ErrClassNotFound, "%s in %s", name, cl.Path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "archive: opening %s", f.Name)
	}
	defer rc.Close()

	cf, err := classfile.Parse(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "archive: parsing %s", name)
	}
	cl.cache.Add(name, cf)
	return cf, nil
}

// Chain asks each loader in turn.
type Chain []Loader

func (c Chain) LoadClass(name string) (*classfile.ClassFile, error) {
	for _, l := range c {
		cf, err := l.LoadClass(name)
		if err == nil {
			return cf, nil
		}
		if !errors.Is(err, ErrClassNotFound) {
			return nil, err
		}
	}
	return nil, errors.Wrap(ErrClassNotFound, name)
}

// OpenLibrary opens every archive in paths as one Loader.
func OpenLibrary(fs afero.Fs, paths ...string) (Loader, error) {
	var chain Chain
	for _, p := range paths {
		cl, err := NewArchiveLoader(fs, p, DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cl)
	}
	return chain, nil
}
