package batch

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Manifest lists the probes and wrappers of every processed class. A trace
// collector uses it to map probe and wrapper invocations back to methods.
type Manifest struct {
	Classes []ManifestClass `yaml:"classes"`
}

type ManifestClass struct {
	Path     string            `yaml:"path"`
	Class    string            `yaml:"class,omitempty"`
	Status   string            `yaml:"status"`
	Error    string            `yaml:"error,omitempty"`
	Probes   []ManifestProbe   `yaml:"probes,omitempty"`
	Wrappers []ManifestWrapper `yaml:"wrappers,omitempty"`
}

type ManifestProbe struct {
	Method     string `yaml:"method"`
	Descriptor string `yaml:"descriptor"`
	Probe      string `yaml:"probe"`
	Ordinals   int    `yaml:"ordinals"`
}

type ManifestWrapper struct {
	Name       string `yaml:"name"`
	Descriptor string `yaml:"descriptor"`
	Owner      string `yaml:"owner"`
	Member     string `yaml:"member"`
	Original   string `yaml:"original"`
	Kind       string `yaml:"kind"`
}

// NewManifest builds the manifest of a report.
func NewManifest(r *Report) *Manifest {
	m := &Manifest{}
	for _, c := range r.Classes {
		mc := ManifestClass{Path: c.Path, Class: c.Class, Status: c.Status.String()}
		if c.Err != nil {
			mc.Error = c.Err.Error()
		}
		if c.Result != nil {
			for _, p := range c.Result.Methods {
				mc.Probes = append(mc.Probes, ManifestProbe{
					Method:     p.Name,
					Descriptor: p.Desc,
					Probe:      p.Probe,
					Ordinals:   p.Ordinals,
				})
			}
			for _, w := range c.Result.Wrappers {
				mc.Wrappers = append(mc.Wrappers, ManifestWrapper{
					Name:       w.Name,
					Descriptor: w.Desc,
					Owner:      w.Key.Owner,
					Member:     w.Key.Name,
					Original:   w.Key.Desc,
					Kind:       w.Key.Kind.String(),
				})
			}
		}
		m.Classes = append(m.Classes, mc)
	}
	return m
}

// WriteManifest writes m to path as YAML.
func WriteManifest(fs afero.Fs, path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing manifest %s", path)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "decoding manifest %s", path)
	}
	return m, nil
}
