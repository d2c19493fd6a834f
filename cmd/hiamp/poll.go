// ABOUTME: poll and watch commands: run one heartbeat cycle and manage the watched issue list
// ABOUTME: The watch list lives in the heartbeat state file shared with serve

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func pollCmd() *cobra.Command {
	poll := &cobra.Command{Use: "poll", Short: "Poll watched issues"}
	poll.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single poll cycle and print what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, setupLogger(cfg.Logging), appOptions{transports: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if a.linear == nil {
				return errors.New("polling needs transports.linear to be enabled")
			}
			printPollResult(a.poller.PollOnce(cmd.Context()))
			return nil
		},
	})
	return poll
}

func watchCmd() *cobra.Command {
	watch := &cobra.Command{Use: "watch", Short: "Manage the issues the poller watches"}

	watch.AddCommand(&cobra.Command{
		Use:   "add <issue-id>...",
		Short: "Watch issues for new comments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editWatchList(cmd, args, true)
		},
	})
	watch.AddCommand(&cobra.Command{
		Use:   "remove <issue-id>...",
		Short: "Stop watching issues",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editWatchList(cmd, args, false)
		},
	})
	watch.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List watched issues and the last poll time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, setupLogger(cfg.Logging), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.poller.State()
			gray := color.New(color.FgHiBlack)
			if st.LastPollAt == nil {
				gray.Fprintln(cmd.OutOrStdout(), "never polled")
			} else {
				gray.Fprintf(cmd.OutOrStdout(), "last poll %s\n", st.LastPollAt.Local().Format(time.DateTime))
			}
			for _, id := range st.WatchedIssueIDs {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	})
	return watch
}

func editWatchList(cmd *cobra.Command, ids []string, add bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, setupLogger(cfg.Logging), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range ids {
		var changed bool
		if add {
			changed = a.poller.WatchIssue(id)
		} else {
			changed = a.poller.UnwatchIssue(id)
		}
		switch {
		case changed && add:
			fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", id)
		case changed:
			fmt.Fprintf(cmd.OutOrStdout(), "stopped watching %s\n", id)
		default:
			color.New(color.FgHiBlack).Fprintf(cmd.OutOrStdout(), "%s unchanged\n", id)
		}
	}
	return a.poller.Save()
}
