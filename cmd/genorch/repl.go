package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/aixgo-dev/genorch/internal/engine"
	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const replHelp = `Commands:
  /balance  show the account balance
  /reset    forget the conversation so far
  /quit     leave the session`

func newReplCmd(c *cli) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Chat with the orchestrator interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, c.cfg, c.logger, Version)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			out := cmd.OutOrStdout()
			p := newPrinter(out, cmd.ErrOrStderr(), false)
			fmt.Fprintf(out, "genorch %s, model %s, account %s. /help for commands.\n", Version, c.cfg.Model(), opts.user)

			var history []provider.Message
			for {
				input, err := line.Prompt("genorch> ")
				if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				input = strings.TrimSpace(input)
				if input == "" {
					continue
				}
				line.AppendHistory(input)

				switch input {
				case "/quit", "/exit":
					return nil
				case "/help":
					fmt.Fprintln(out, replHelp)
					continue
				case "/reset":
					history = nil
					fmt.Fprintln(out, "conversation cleared")
					continue
				case "/balance":
					balance, err := a.ledger.GetBalance(ctx, opts.user)
					if err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), "balance:", err)
						continue
					}
					fmt.Fprintf(out, "%s: %d credits\n", opts.user, balance)
					continue
				}

				req := opts.request(input)
				req.History = history
				// Ctrl-C during a generation cancels only that session.
				gctx, stop := signal.NotifyContext(ctx, os.Interrupt)
				res := a.engine.Generate(gctx, req, p.event)
				stop()
				p.outcome(res)
				if res.State == engine.StateCompleted {
					history = append(history,
						provider.Message{Role: provider.RoleUser, Content: input},
						provider.Message{Role: provider.RoleAssistant, Content: res.Text})
				}
			}
		},
	}

	addGenerateFlags(cmd, &opts)
	return cmd
}
