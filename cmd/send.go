package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"revnotify/internal/core"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send TARGET METHOD[=JSON]...",
		Short: "Act as the server: dial an endpoint and push notifications",
		Long: `Dial a listening endpoint and write one framed notification per
argument, exactly as the remote server would.  Each payload is the
protojson form of the method's request message; a bare METHOD sends an
empty message.`,
		Example: `  revnotify send -s notify.proto --service NotificationInterface 127.0.0.1:8085 \
      'progress={"topicId":"7","state":"FINISHED"}' newRevision`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			if resolved.SchemaPath == "" || resolved.Service == "" {
				return errors.New("send needs --schema and --service")
			}

			logger := newLogger(resolved, cmd.ErrOrStderr())
			mode, err := core.BuildSend(resolved, args[0], args[1:], logger)
			if err != nil {
				return err
			}
			mode.Count = count
			mode.Interval = interval
			return mode.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Send the whole batch this many times")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause between frames")
	return cmd
}
