package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daimatz/bcinstr/pkg/batch"
)

var rootCmd = &cobra.Command{
	Use:   "bcinstr <class-dir> <out-dir>",
	Short: "Instrument every instruction of a tree of JVM class files",
	Long: `bcinstr rewrites every class file under <class-dir> into the same path
under <out-dir>. Each instruction is preceded by a call to a per-method probe
receiving the instruction's ordinal, and calls to classes outside <class-dir>
go through generated static wrapper methods.

Settings are read from bcinstr.yaml in the current directory or in
$HOME/.config/bcinstr, and from BCINSTR_* environment variables.`,
	Args: cobra.ExactArgs(2),
	RunE: run,
}

func init() {
	log.SetHandler(clihandler.Default)
	cobra.OnInitialize(initConfig)

	d := batch.DefaultConfig()
	viper.SetDefault("verbose", false)
	viper.SetDefault("jdk", false)
	viper.SetDefault("workers", d.Workers)
	viper.SetDefault("verify", d.Verify)
	viper.SetDefault("emit-unverified", d.EmitUnverified)
	viper.SetDefault("copy-failed", d.CopyFailed)
	viper.SetDefault("manifest", d.Manifest)
	viper.SetDefault("extension", d.Extension)
	viper.SetDefault("library", d.Library)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetConfigName("bcinstr")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "bcinstr"))
	}

	viper.SetEnvPrefix("bcinstr")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.WithError(err).Warn("ignoring config file")
		}
	}
}

// findJmodPath locates java.base.jmod of the installed JDK.
func findJmodPath() string {
	// 1. Explicit env var
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	// 2. JAVA_HOME
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	// 3. Glob fallback
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

func run(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
	if f := viper.ConfigFileUsed(); f != "" {
		log.WithField("file", f).Debug("loaded config file")
	}

	cfg := batch.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return errors.Wrap(err, "reading configuration")
	}
	if viper.GetBool("jdk") {
		if p := findJmodPath(); p != "" {
			cfg.Library = append(cfg.Library, p)
		} else {
			log.Warn("java.base.jmod not found, set JAVA_HOME or JAVA_BASE_JMOD")
		}
	}

	report, err := batch.Run(cmd.Context(), afero.NewOsFs(), args[0], args[1], cfg)
	if err != nil {
		return err
	}
	if n := report.Count(batch.Failed) + report.Count(batch.Unverified); n > 0 {
		log.Warnf("%d of %d classes were not instrumented cleanly", n, len(report.Classes))
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
