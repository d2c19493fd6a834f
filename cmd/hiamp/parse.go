// ABOUTME: parse command: extracts and validates the envelope in a posted text
// ABOUTME: Prints the message as JSON; exits non-zero when there is no valid envelope

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hiamp/internal/envelope"
)

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a message text and print its envelope",
		Long:  "Reads a chat post or issue comment from a file (or stdin) and prints the decoded envelope.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}

			msg, err := envelope.Parse(string(data))
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding message: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if v := envelope.Validate(msg); !v.Valid {
				color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "invalid: %s\n", strings.Join(v.Errors, "; "))
				return fmt.Errorf("envelope has %d validation errors", len(v.Errors))
			}
			return nil
		},
	}
}
