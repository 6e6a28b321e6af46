// Package batch instruments a directory tree of class files into a mirrored
// output tree.
package batch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/bcinstr/pkg/appset"
	"github.com/daimatz/bcinstr/pkg/instrument"
)

// Status is the outcome for one class file.
type Status int

const (
	// Rewritten classes were instrumented and passed verification.
	Rewritten Status = iota
	// Unverified classes were instrumented but failed verification.
	Unverified
	// Unchanged classes were written as read.
	Unchanged
	// Failed classes could not be rewritten.
	Failed
)

func (s Status) String() string {
	switch s {
	case Rewritten:
		return "rewritten"
	case Unverified:
		return "unverified"
	case Unchanged:
		return "unchanged"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ClassReport is the outcome for one class file.
type ClassReport struct {
	// Path is relative to the input root, slash separated.
	Path    string
	Class   string
	Status  Status
	Err     error
	Written bool
	Result  *instrument.Result
	// InSize and OutSize are the bytes read and written.
	InSize  int
	OutSize int
}

// Report summarizes a run.
type Report struct {
	AppClasses      int
	ResolveFailures []appset.Failure
	Classes         []ClassReport
	BytesIn         uint64
	BytesOut        uint64
}

// Count returns the number of classes with status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, c := range r.Classes {
		if c.Status == s {
			n++
		}
	}
	return n
}

type job struct {
	fs     afero.Fs
	inDir  string
	outDir string
	cfg    *Config
	rw     *instrument.Rewriter
}

// Run resolves the application classes under inDir, then rewrites every
// class file into the same relative path under outDir. Failures of single
// classes are recorded in the report; only an unreadable input root, an
// output root that cannot be created or a cancelled context end the run.
func Run(ctx context.Context, fs afero.Fs, inDir, outDir string, cfg *Config) (*Report, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := appset.Options{Extension: cfg.Extension}
	if len(cfg.Library) > 0 {
		lib, err := appset.OpenLibrary(fs, cfg.Library...)
		if err != nil {
			return nil, errors.Wrap(err, "opening library")
		}
		opts.Library = lib
	}
	if opts.Extension == "" {
		opts.Extension = appset.DefaultExtension
	}

	set, failures, err := appset.Resolve(fs, inDir, opts)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"classes":  set.Len(),
		"excluded": len(failures),
	}).Info("resolved application classes")

	if err := fs.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", outDir)
	}

	// unreadable paths below the root become failed entries
	type entry struct {
		rel string
		err error
	}
	var files []entry
	err = afero.Walk(fs, inDir, func(path string, info os.FileInfo, err error) error {
		if err != nil && path == inDir {
			return err
		}
		if err == nil && (info.IsDir() || filepath.Ext(path) != opts.Extension) {
			return nil
		}
		rel, rerr := filepath.Rel(inDir, path)
		if rerr != nil {
			return rerr
		}
		if err != nil {
			log.WithField("path", path).WithError(err).Warn("unreadable path")
		}
		files = append(files, entry{rel: rel, err: err})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", inDir)
	}

	j := &job{fs: fs, inDir: inDir, outDir: outDir, cfg: cfg, rw: instrument.NewRewriter(set)}
	j.rw.Verify = cfg.Verify

	report := &Report{
		AppClasses:      set.Len(),
		ResolveFailures: failures,
		Classes:         make([]ClassReport, len(files)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))
	for i, f := range files {
		if f.err != nil {
			report.Classes[i] = ClassReport{Path: filepath.ToSlash(f.rel), Status: Failed, Err: errors.Wrap(f.err, "reading input")}
			continue
		}
		i, f := i, f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			report.Classes[i] = j.process(f.rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, c := range report.Classes {
		report.BytesIn += uint64(c.InSize)
		report.BytesOut += uint64(c.OutSize)
	}
	if cfg.Manifest != "" {
		if err := WriteManifest(fs, cfg.Manifest, NewManifest(report)); err != nil {
			return report, err
		}
	}

	log.WithFields(log.Fields{
		"rewritten":  report.Count(Rewritten),
		"unverified": report.Count(Unverified),
		"unchanged":  report.Count(Unchanged),
		"failed":     report.Count(Failed),
		"in":         humanize.Bytes(report.BytesIn),
		"out":        humanize.Bytes(report.BytesOut),
	}).Info("instrumented classes")
	return report, nil
}

func (j *job) process(rel string) ClassReport {
	c := ClassReport{Path: filepath.ToSlash(rel)}
	ctx := log.WithField("path", c.Path)

	data, err := afero.ReadFile(j.fs, filepath.Join(j.inDir, rel))
	if err != nil {
		c.Status, c.Err = Failed, err
		ctx.WithError(err).Error("reading class")
		return c
	}
	c.InSize = len(data)

	res, err := j.rw.Rewrite(data)
	var ve *instrument.VerificationError
	switch {
	case errors.As(err, &ve):
		c.Status, c.Err, c.Result, c.Class = Unverified, err, res, res.Class
		ctx.WithField("diagnostics", len(ve.Diagnostics)).Warn(ve.Error())
		if j.cfg.EmitUnverified {
			c.Written = j.write(ctx, rel, res.Bytes, &c)
		}
	case err != nil:
		c.Status, c.Err = Failed, err
		ctx.WithError(err).Error("rewriting class")
		if j.cfg.CopyFailed {
			c.Written = j.write(ctx, rel, data, &c)
		}
	default:
		c.Result, c.Class = res, res.Class
		c.Status = Rewritten
		if res.Skipped != "" {
			c.Status = Unchanged
		}
		c.Written = j.write(ctx, rel, res.Bytes, &c)
		ctx.WithField("status", c.Status).Debug("processed")
	}
	return c
}

// write stores data under the output root. A write error marks the class
// failed.
func (j *job) write(ctx log.Interface, rel string, data []byte, c *ClassReport) bool {
	dst := filepath.Join(j.outDir, rel)
	err := j.fs.MkdirAll(filepath.Dir(dst), 0o755)
	if err == nil {
		err = afero.WriteFile(j.fs, dst, data, 0o644)
	}
	if err != nil {
		c.Status, c.Err = Failed, errors.Wrapf(err, "writing %s", dst)
		ctx.WithError(err).Error("writing class")
		return false
	}
	c.OutSize = len(data)
	return true
}
