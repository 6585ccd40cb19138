// Package cmd wires up the revnotify command line and dispatches to the
// core runtime.
package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"revnotify/config"
	"revnotify/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X revnotify/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected subcommand.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{cfg: config.Defaults()}

	root := &cobra.Command{
		Use:   "revnotify",
		Short: "Receive push notifications over reverse connections",
		Long: `revnotify opens a listening endpoint that a remote model server dials
into to push notification events.  Events are decoded against a protobuf
schema and fanned out to the console, a WebSocket stream and metrics.

Configuration is layered: defaults < --config file < REVNOTIFY_* env < flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file")
	pf.StringVarP(&opts.cfg.SchemaPath, "schema", "s", "", "Notification schema (.proto or descriptor set)")
	pf.StringVar(&opts.cfg.Service, "service", "", "Service inside the schema, e.g. NotificationInterface")
	pf.StringSliceVarP(&opts.cfg.ImportPaths, "proto-path", "I", nil, "Extra import directories for .proto schemas")
	pf.CountVarP(&opts.cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	pf.BoolVarP(&opts.cfg.Quiet, "quiet", "q", false, "Only print errors")
	pf.StringVar(&opts.cfg.LogFormat, "log-format", opts.cfg.LogFormat, "Log format: plain or json")

	root.AddCommand(
		newListenCmd(opts),
		newSendCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolve layers the config file and environment beneath the flags the
// user actually set.
func (o *globalOptions) resolve(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Defaults()
	if o.configPath != "" {
		if err := config.LoadFile(o.configPath, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	applyChanged(cmd.Flags(), cfg, o.cfg)
	return cfg, nil
}

// newLogger builds the process logger on w.
func newLogger(cfg *config.Config, w io.Writer) *util.Logger {
	level := cfg.Verbose
	if cfg.Quiet {
		level = 0
	}
	logger := util.NewLogger(level)
	logger.SetOutput(w)
	logger.SetJSON(cfg.LogFormat == "json")
	return logger
}

// ── flag precedence ──────────────────────────────────────────────────

// flagAppliers copies a flag's parsed value from the flag-bound config
// into the layered one.  Only flags the user set on the command line
// are applied, so file and env values survive unset flags.
var flagAppliers = map[string]func(dst, src *config.Config){ //nolint:gochecknoglobals
	"schema":              func(d, s *config.Config) { d.SchemaPath = s.SchemaPath },
	"service":             func(d, s *config.Config) { d.Service = s.Service },
	"proto-path":          func(d, s *config.Config) { d.ImportPaths = s.ImportPaths },
	"quiet":               func(d, s *config.Config) { d.Quiet = s.Quiet },
	"log-format":          func(d, s *config.Config) { d.LogFormat = s.LogFormat },
	"listen":              func(d, s *config.Config) { d.ListenAddress = s.ListenAddress },
	"read-timeout":        func(d, s *config.Config) { d.ReadTimeout = s.ReadTimeout },
	"max-message-size":    func(d, s *config.Config) { d.MaxMessageSize = s.MaxMessageSize },
	"auto-restart":        func(d, s *config.Config) { d.AutoRestart = s.AutoRestart },
	"watch-schema":        func(d, s *config.Config) { d.WatchSchema = s.WatchSchema },
	"http":                func(d, s *config.Config) { d.HTTPAddress = s.HTTPAddress },
	"allowed-origin":      func(d, s *config.Config) { d.AllowedOrigins = s.AllowedOrigins },
	"tunnel":              func(d, s *config.Config) { d.TunnelSpec = s.TunnelSpec },
	"ssh-key":             func(d, s *config.Config) { d.SSHKeyPath = s.SSHKeyPath },
	"ssh-password":        func(d, s *config.Config) { d.SSHPassword = s.SSHPassword },
	"ssh-agent":           func(d, s *config.Config) { d.UseSSHAgent = s.UseSSHAgent },
	"strict-hostkey":      func(d, s *config.Config) { d.StrictHostKey = s.StrictHostKey },
	"known-hosts":         func(d, s *config.Config) { d.KnownHostsPath = s.KnownHostsPath },
	"remote-bind-address": func(d, s *config.Config) { d.RemoteBindAddress = s.RemoteBindAddress },
	"remote-port":         func(d, s *config.Config) { d.RemotePort = s.RemotePort },
	"keep-alive":          func(d, s *config.Config) { d.KeepAliveInterval = s.KeepAliveInterval },
	"print":               func(d, s *config.Config) { d.Print = s.Print },
	"exec":                func(d, s *config.Config) { d.Execute = s.Execute },
	"command":             func(d, s *config.Config) { d.Command = s.Command },
	"hook-timeout":        func(d, s *config.Config) { d.HookTimeout = s.HookTimeout },
}

func applyChanged(fs *flag.FlagSet, dst, src *config.Config) {
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := flagAppliers[f.Name]; ok {
			apply(dst, src)
		}
	})
	// -v is additive on top of the configured level.
	dst.Verbose += src.Verbose
}
