// Package cliutil is the cobra and viper plumbing the master and worker
// binaries share: config file lookup, logger construction, the init and
// version subcommands.
package cliutil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Kandimus/FreeDistributedBuild/internal/version"
)

// ConfigDir is where init writes and the loader looks, under the home dir.
const ConfigDir = ".fdb"

// Program describes one binary. Name doubles as the config file base name.
type Program struct {
	Name     string
	Short    string
	Defaults string

	cfgFile string
}

// Root builds the root command with the flags every binary has.
// Subcommands are added by the caller.
func (p *Program) Root() *cobra.Command {
	root := &cobra.Command{
		Use:          p.Name,
		Short:        p.Short,
		SilenceUsage: true,
	}
	cobra.OnInitialize(func() {
		if err := p.readConfig(viper.GetViper()); err != nil {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&p.cfgFile, "config", "", fmt.Sprintf("config file path (default: ./%s.yaml)", p.Name))
	pf.String("log-level", "info", "log level: debug | info | warn | error")
	pf.String("log-file", "", "also write logs to this file, rotated at 50 MB")
	BindFlag("log_level", pf, "log-level")
	BindFlag("log_file", pf, "log-file")

	root.AddCommand(p.initCmd(), p.versionCmd())
	return root
}

// readConfig loads --config, or the first <name>.yaml found in the working
// directory, ~/.fdb and /etc/fdb. A missing file is not an error.
func (p *Program) readConfig(v *viper.Viper) error {
	if p.cfgFile != "" {
		v.SetConfigFile(p.cfgFile)
	} else {
		v.SetConfigName(p.Name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ConfigDir))
		}
		v.AddConfigPath("/etc/fdb")
	}
	v.AutomaticEnv()

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		fmt.Fprintln(os.Stderr, "config:", v.ConfigFileUsed())
	case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
	default:
		return err
	}
	return nil
}

func (p *Program) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write the default %[1]s configuration.

The file goes to --config when given, ~/%[2]s/%[1]s.yaml otherwise.
An existing file is kept unless --force is passed.`, p.Name, ConfigDir),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := p.cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ConfigDir, p.Name+".yaml")
			}
			if err := WriteDefault(dest, p.Defaults, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

func (p *Program) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			version.Print(cmd.OutOrStdout(), p.Name)
		},
	}
}

// WriteDefault writes content to dest, creating parent directories.
func WriteDefault(dest, content string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if !force {
		_, err := os.Stat(dest)
		if err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dest, err)
		}
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// BindFlag ties a viper key to a flag. A typo in either name is a
// programming error, so it panics.
func BindFlag(key string, fs *pflag.FlagSet, flag string) {
	if err := viper.BindPFlag(key, fs.Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %q to %q: %v", flag, key, err))
	}
}

// Logger writes JSON lines to stdout, and to a rotated logFile when set.
// Progress output goes to stderr and never passes through here.
func Logger(level, logFile, service string) *slog.Logger {
	return newLogger(os.Stdout, level, logFile, service)
}

func newLogger(out io.Writer, level, logFile, service string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if logFile != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(h).With(slog.String("service", service))
}
