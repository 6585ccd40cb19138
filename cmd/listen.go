package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"revnotify/internal/core"
)

func newListenCmd(opts *globalOptions) *cobra.Command {
	var dryRun bool
	cfg := opts.cfg

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open the endpoint and receive notifications",
		Long: `Bind the notification endpoint and accept connections from the remote
server until interrupted.  Advertise the printed address to the server.

With --tunnel the endpoint listens on an SSH gateway instead (like
ssh -R), for sinks the server cannot reach directly.`,
		Example: `  # local endpoint on an ephemeral port, events printed to stdout
  revnotify listen -s notify.proto --service NotificationInterface --print

  # exposed through a gateway, with the WebSocket stream on :9090
  revnotify listen -s notify.desc --service NotificationInterface \
      --tunnel notify@gw.example.com --remote-port 9000 --http :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			if err := resolved.ApplyTunnelSpec(); err != nil {
				return err
			}
			if err := resolved.Validate(); err != nil {
				return err
			}

			logger := newLogger(resolved, cmd.ErrOrStderr())
			rt, err := core.Build(resolved, logger)
			if err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %s on %s\n",
					rt.Endpoint().Config().Service.FullName(), rt.Endpoint().Config().Address)
				return nil
			}
			rt.Stdout = cmd.OutOrStdout()
			return rt.Run(cmd.Context())
		},
	}

	f := cmd.Flags()
	// ── endpoint ─────────────────────────────────────────────────
	f.StringVarP(&cfg.ListenAddress, "listen", "l", cfg.ListenAddress, "Bind address: host:port, :port or port")
	f.DurationVar(&cfg.ReadTimeout, "read-timeout", 0, "Drop a connection idle for this long (0 = never)")
	f.IntVar(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "Largest accepted message body in bytes")
	f.BoolVar(&cfg.AutoRestart, "auto-restart", false, "Restart the endpoint after a listener fault")
	f.BoolVar(&cfg.WatchSchema, "watch-schema", false, "Reconfigure when the schema file changes")

	// ── outputs ──────────────────────────────────────────────────
	f.BoolVarP(&cfg.Print, "print", "P", false, "Print each event to stdout")
	f.StringVar(&cfg.HTTPAddress, "http", "", "Serve /events, /metrics, /stats and /healthz on this address")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", nil, "Browser origin allowed to open /events (repeatable)")

	// ── event hook ───────────────────────────────────────────────
	f.StringVarP(&cfg.Execute, "exec", "e", "", "Run this program per event, event JSON on stdin")
	f.StringVarP(&cfg.Command, "command", "c", "", "Run this shell command per event, event JSON on stdin")
	f.DurationVar(&cfg.HookTimeout, "hook-timeout", 0, "Kill a hook that runs longer than this")

	// ── SSH gateway ──────────────────────────────────────────────
	f.StringVarP(&cfg.TunnelSpec, "tunnel", "T", "", "Listen on an SSH gateway via [user@]host[:port]")
	f.StringVar(&cfg.SSHKeyPath, "ssh-key", "", "SSH private key file")
	f.BoolVar(&cfg.SSHPassword, "ssh-password", false, "Prompt for SSH password")
	f.BoolVar(&cfg.UseSSHAgent, "ssh-agent", false, "Use SSH agent")
	f.BoolVar(&cfg.StrictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	f.StringVar(&cfg.KnownHostsPath, "known-hosts", "", "Custom known_hosts path")
	f.StringVar(&cfg.RemoteBindAddress, "remote-bind-address", "", "Address the gateway binds (default localhost)")
	f.IntVar(&cfg.RemotePort, "remote-port", 0, "Port the gateway listens on")
	f.IntVar(&cfg.KeepAliveInterval, "keep-alive", 0, "Gateway keepalive interval in seconds (0 = off)")

	f.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and schema, then exit")
	return cmd
}
