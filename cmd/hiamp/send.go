// ABOUTME: send command: composes an envelope and posts it through one transport
// ABOUTME: The body comes from --body, --body-file or stdin

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/transport"
)

func sendCmd() *cobra.Command {
	var (
		in       transport.SendInput
		via      string
		intent   string
		priority string
		ack      string
		bodyFile string
		printRaw bool
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to another agent",
		Example: `  hiamp send --to alex/backend-dev --intent request --body "Can you review the schema?"
  hiamp send --via linear --context billing --to alex/backend-dev --intent inform --body-file notes.md`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Intent = envelope.Intent(intent)
			in.Priority = envelope.Priority(priority)
			in.Ack = envelope.Ack(ack)

			if in.Body == "" {
				body, err := readBody(cmd.InOrStdin(), bodyFile)
				if err != nil {
					return err
				}
				in.Body = body
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)

			a, err := newApp(cmd.Context(), cfg, logger, appOptions{transports: true})
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.transport(via)
			if err != nil {
				return err
			}
			res, err := t.Send(cmd.Context(), in)
			if err != nil {
				return err
			}

			if printRaw {
				fmt.Fprintln(cmd.OutOrStdout(), res.MessageText)
				return nil
			}
			color.New(color.FgGreen).Fprint(cmd.OutOrStdout(), "✓ ")
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent via %s to %s\n", res.Envelope.ID, t.Name(), res.ChannelID)
			if res.Envelope.Thread != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  thread: %s\n", res.Envelope.Thread)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.To, "to", "", "recipient address (owner/worker)")
	f.StringVar(&intent, "intent", string(envelope.IntentInform), "message intent")
	f.StringVar(&in.Body, "body", "", "message body")
	f.StringVar(&bodyFile, "body-file", "", "read the body from a file ('-' for stdin)")
	f.StringVar(&in.FromWorker, "from-worker", "", "sending worker (defaults to identity.default_worker)")
	f.StringVar(&via, "via", "", "transport to use when several are enabled")
	f.StringVar(&in.Channel, "channel", "", "post to this channel, skipping resolution")
	f.StringVar(&in.Context, "context", "", "context tag used to pick the channel")
	f.StringVar(&in.Thread, "thread", "", "thread id to continue")
	f.StringVar(&in.ThreadRef, "thread-ref", "", "medium thread handle to post under")
	f.StringVar(&priority, "priority", "", "low, normal, high or urgent")
	f.StringVar(&ack, "ack", "", "requested, optional or none")
	f.StringVar(&in.Ref, "ref", "", "external reference")
	f.StringVar(&in.ReplyTo, "reply-to", "", "message id this replies to")
	f.StringVar(&in.Expires, "expires", "", "RFC 3339 expiry time")
	f.StringSliceVar(&in.Attach, "attach", nil, "attachment names listed in the envelope")
	f.StringVar(&in.Token, "token", "", "opaque token carried in the envelope")
	f.BoolVar(&printRaw, "raw", false, "print the posted wire text")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func readBody(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch path {
	case "":
		return "", fmt.Errorf("a body is required: use --body, --body-file or --body-file -")
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
