package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aixgo-dev/genorch/internal/engine"
	"github.com/spf13/cobra"
)

type generateOptions struct {
	user        string
	sessionID   string
	action      string
	model       string
	questions   int
	steps       int
	maxTokens   int
	noRetrieval bool
	asJSON      bool
}

func (o generateOptions) request(prompt string) engine.Request {
	return engine.Request{
		SessionID:       o.sessionID,
		UserID:          o.user,
		Prompt:          prompt,
		Action:          o.action,
		Model:           o.model,
		Questions:       o.questions,
		Steps:           o.steps,
		MaxOutputTokens: o.maxTokens,
		SkipRetrieval:   o.noRetrieval,
	}
}

func newGenerateCmd(c *cli) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate PROMPT...",
		Short: "Run one generation in-process and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, c.cfg, c.logger, Version)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.asJSON)
			out := a.engine.Generate(ctx, opts.request(strings.Join(args, " ")), p.event)
			p.outcome(out)
			return outcomeErr(out)
		},
	}

	addGenerateFlags(cmd, &opts)
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id (default: generated)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print events as JSON lines")
	return cmd
}

func addGenerateFlags(cmd *cobra.Command, opts *generateOptions) {
	cmd.Flags().StringVarP(&opts.user, "user", "u", "local", "account charged for the session")
	cmd.Flags().StringVar(&opts.action, "action", "", "credit action, e.g. survey_simple, chart, or survey/agent/chat to derive it")
	cmd.Flags().IntVar(&opts.questions, "questions", 0, "question count used to price --action survey")
	cmd.Flags().IntVar(&opts.steps, "steps", 0, "planned step count used to price --action agent")
	cmd.Flags().StringVar(&opts.model, "model", "", "model override")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "output token ceiling per turn")
	cmd.Flags().BoolVar(&opts.noRetrieval, "no-retrieval", false, "skip design pattern retrieval")
}

func outcomeErr(out engine.Outcome) error {
	switch out.State {
	case engine.StateCompleted:
		return nil
	case engine.StateCancelled:
		return fmt.Errorf("session %s cancelled: %s", out.SessionID, out.Reason)
	default:
		return fmt.Errorf("session %s failed: %s: %s", out.SessionID, out.Kind, out.Message)
	}
}

// printer renders session events: text on stdout, progress on stderr.
type printer struct {
	out, err io.Writer
	asJSON   bool
	enc      *json.Encoder
}

func newPrinter(out, errOut io.Writer, asJSON bool) *printer {
	return &printer{out: out, err: errOut, asJSON: asJSON, enc: json.NewEncoder(out)}
}

func (p *printer) event(ev engine.Event) {
	if p.asJSON {
		_ = p.enc.Encode(ev)
		return
	}
	switch ev.Kind {
	case engine.EventTextDelta:
		fmt.Fprint(p.out, ev.Text)
	case engine.EventToolCall:
		fmt.Fprintf(p.err, "\n-> %s %s\n", ev.ToolCall.Name, ev.ToolCall.Arguments)
	case engine.EventToolResult:
		if ev.ToolResult.ErrorKind != "" {
			fmt.Fprintf(p.err, "<- %s %s: %s\n", ev.ToolResult.Name, ev.ToolResult.ErrorKind, ev.ToolResult.Message)
		} else {
			fmt.Fprintf(p.err, "<- %s ok\n", ev.ToolResult.Name)
		}
	}
}

func (p *printer) outcome(out engine.Outcome) {
	if p.asJSON {
		return
	}
	if out.Text != "" {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintf(p.err, "[%s] session=%s turns=%d tools=%d charged=%d balance=%d\n",
		out.State, out.SessionID, out.Turns, out.ToolCalls, out.Settlement.Charged, out.Settlement.Balance)
}
