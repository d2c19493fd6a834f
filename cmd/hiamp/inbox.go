// ABOUTME: inbox commands: list, read, delete and clear a worker's delivered messages
// ABOUTME: Works offline against the configured inbox backend

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hiamp/internal/store"
)

// withInbox loads config and opens the inbox without any transport.
func withInbox(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, setupLogger(cfg.Logging), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// workerArg returns args[0] or the default worker.
func workerArg(a *app, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if a.cfg.Identity.DefaultWorker == "" {
		return "", fmt.Errorf("no worker given and identity.default_worker is not set")
	}
	return a.cfg.Identity.DefaultWorker, nil
}

func inboxCmd() *cobra.Command {
	root := &cobra.Command{Use: "inbox", Short: "Read and manage delivered messages"}

	list := func(unreadOnly bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withInbox(cmd, func(ctx context.Context, a *app) error {
				worker, err := workerArg(a, args)
				if err != nil {
					return err
				}
				read := a.inbox.ReadInbox
				if unreadOnly {
					read = a.inbox.ReadUnread
				}
				entries, err := read(ctx, worker)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					color.New(color.FgHiBlack).Fprintln(cmd.OutOrStdout(), "no messages")
					return nil
				}
				for _, e := range entries {
					printSummary(cmd.OutOrStdout(), e)
				}
				return nil
			})
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "list [worker]",
		Short: "List every message for a worker",
		Args:  cobra.MaximumNArgs(1),
		RunE:  list(false),
	})
	root.AddCommand(&cobra.Command{
		Use:   "unread [worker]",
		Short: "List unread messages for a worker",
		Args:  cobra.MaximumNArgs(1),
		RunE:  list(true),
	})

	var keepUnread bool
	read := &cobra.Command{
		Use:   "read <worker> <message-id>",
		Short: "Print a message and mark it read",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInbox(cmd, func(ctx context.Context, a *app) error {
				e, err := a.inbox.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), e)
				fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", e.Message.Body)
				if keepUnread {
					return nil
				}
				_, err = a.inbox.MarkRead(ctx, args[0], args[1])
				return err
			})
		},
	}
	read.Flags().BoolVar(&keepUnread, "keep-unread", false, "do not mark the message read")
	root.AddCommand(read)

	root.AddCommand(&cobra.Command{
		Use:   "delete <worker> <message-id>",
		Short: "Delete one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInbox(cmd, func(ctx context.Context, a *app) error {
				ok, err := a.inbox.DeleteMessage(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("message %s not found in %s's inbox", args[1], args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[1])
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "clear [worker]",
		Short: "Delete every message for a worker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInbox(cmd, func(ctx context.Context, a *app) error {
				worker, err := workerArg(a, args)
				if err != nil {
					return err
				}
				n, err := a.inbox.ClearInbox(ctx, worker)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages\n", n)
				return nil
			})
		},
	})

	return root
}

func printSummary(w io.Writer, e *store.Entry) {
	marker := color.New(color.FgGreen, color.Bold).Sprint("●")
	if e.Read {
		marker = color.HiBlackString("○")
	}
	m := e.Message
	fmt.Fprintf(w, "%s %s %s %s → %s %s\n",
		marker,
		color.HiBlackString(e.ReceivedAt.Local().Format(time.DateTime)),
		color.CyanString(string(m.Intent)),
		m.From,
		m.To,
		color.HiBlackString(m.ID),
	)
}
