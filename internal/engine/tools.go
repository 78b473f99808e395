package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/aixgo-dev/genorch/pkg/observability"
	"github.com/aixgo-dev/genorch/pkg/sandbox"
	"github.com/aixgo-dev/genorch/pkg/tools"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// executeTools runs one turn's calls concurrently and appends their
// results to the conversation in issue order.
func (s *session) executeTools(calls []provider.ToolCall) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}

	for i := range calls {
		c := toolCall(calls[i])
		s.emit(Event{Kind: EventToolCall, ToolCall: &c})
	}

	results := make([]tools.Result, len(calls))
	done := make([]bool, len(calls))

	g, gctx := errgroup.WithContext(s.ctx)
	g.SetLimit(s.e.cfg.MaxParallelTools)
	for i := range calls {
		call := toolCall(calls[i])
		g.Go(func() error {
			res, err := s.dispatch(gctx, call)
			if err != nil {
				return err
			}
			results[i] = res
			done[i] = true
			return nil
		})
	}
	err := g.Wait()

	// Completed calls are billable even when the fan-out was cut short.
	for i := range results {
		if done[i] {
			s.usage.Compute += results[i].Compute
			s.calls++
		}
	}
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, sandbox.ErrExecutorUnavailable) {
			return fail(KindSandboxExecutorUnavailable, err, "")
		}
		return fail(KindInternal, err, "tool dispatch")
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}

	for i := range results {
		res := results[i]
		s.emit(Event{Kind: EventToolResult, ToolResult: &res})
		s.messages = append(s.messages, provider.Message{
			Role:       provider.RoleTool,
			Content:    res.Content(),
			ToolCallID: res.CallID,
			Name:       res.Name,
		})
	}
	return nil
}

// dispatch runs one call under the tool's rate limit and timeout. A tool
// that outlives its own timeout yields a failed result, not an error.
func (s *session) dispatch(ctx context.Context, call tools.Call) (tools.Result, error) {
	if l := s.e.deps.ToolLimiter; l != nil {
		if err := l.Wait(ctx, call.Name); err != nil {
			return tools.Result{}, err
		}
	}

	tctx, cancel := ctx, context.CancelFunc(func() {})
	if t := s.e.deps.ToolTimeouts; t != nil {
		tctx, cancel = t.WithTimeout(ctx, call.Name)
	}
	defer cancel()

	start := time.Now()
	res, err := s.e.deps.Tools.Dispatch(tctx, call)
	elapsed := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		res = tools.Result{
			CallID:    call.ID,
			Name:      call.Name,
			ErrorKind: tools.KindToolFailed,
			Message:   fmt.Sprintf("tool timed out after %s", elapsed.Round(time.Millisecond)),
		}
		err = nil
	}
	if err != nil {
		observability.RecordToolCall(call.Name, "error", elapsed)
		if ctx.Err() == nil {
			s.logger.Error("tool dispatch failed", zap.String("tool", call.Name), zap.String("call_id", call.ID), zap.Error(err))
		}
		return res, err
	}

	outcome := "ok"
	if res.IsError() {
		outcome = string(res.ErrorKind)
		s.logger.Debug("tool returned error", zap.String("tool", call.Name), zap.String("kind", outcome), zap.String("message", res.Message))
	}
	observability.RecordToolCall(call.Name, outcome, elapsed)
	return res, nil
}

func toolCall(c provider.ToolCall) tools.Call {
	return tools.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
}
