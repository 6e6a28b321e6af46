package batch

import "github.com/daimatz/bcinstr/pkg/appset"

// Config holds the settings of a batch run.
type Config struct {
	// Workers is the number of classes rewritten concurrently.
	Workers int `mapstructure:"workers" yaml:"workers"`
	// Verify runs the verifier over every rewritten class.
	Verify bool `mapstructure:"verify" yaml:"verify"`
	// EmitUnverified writes classes that failed verification.
	EmitUnverified bool `mapstructure:"emit-unverified" yaml:"emit-unverified"`
	// CopyFailed writes the original bytes of classes that could not be
	// rewritten.
	CopyFailed bool `mapstructure:"copy-failed" yaml:"copy-failed"`
	// Manifest is the path of the YAML manifest, none when empty.
	Manifest string `mapstructure:"manifest" yaml:"manifest"`
	// Extension selects the class files in the input tree.
	Extension string `mapstructure:"extension" yaml:"extension"`
	// Library lists .jar and .jmod archives consulted when resolving
	// supertypes outside the input tree.
	Library []string `mapstructure:"library" yaml:"library"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Workers:        1,
		Verify:         true,
		EmitUnverified: true,
		Extension:      appset.DefaultExtension,
	}
}
