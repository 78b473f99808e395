package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aixgo-dev/genorch/internal/llm/cost"
	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/events"
	"github.com/aixgo-dev/genorch/pkg/observability"
	"go.uber.org/zap"
)

// session is the engine-owned state of one request. Only the session
// goroutine touches it, apart from cancel.
type session struct {
	e      *Engine
	ctx    context.Context
	cancel context.CancelCauseFunc
	req    Request
	model  string
	action string
	logger *zap.Logger

	events chan<- Event
	seq    int

	state  State
	states []State

	messages []provider.Message
	text     strings.Builder
	turns    int
	calls    int
	usage    Usage

	res        *credits.Reservation
	settlement Settlement
	settled    bool

	start time.Time
}

func newSession(e *Engine, ctx context.Context, cancel context.CancelCauseFunc, req Request, out chan<- Event) *session {
	model := req.Model
	if model == "" {
		model = e.cfg.Model
	}
	return &session{
		e:      e,
		ctx:    ctx,
		cancel: cancel,
		req:    req,
		model:  model,
		action: credits.ResolveAction(req.Action, model, req.Questions, req.Steps),
		logger: e.logger.With(zap.String("session_id", req.SessionID), zap.String("user_id", req.UserID)),
		events: out,
		state:  StatePending,
		start:  time.Now(),
	}
}

func (s *session) emit(ev Event) {
	s.seq++
	ev.Seq = s.seq
	ev.SessionID = s.req.SessionID
	ev.At = time.Now().UTC()
	s.events <- ev
}

func (s *session) transition(to State) error {
	from := s.state
	if !CanTransition(from, to) {
		return illegalTransition(from, to)
	}
	s.state = to
	s.states = append(s.states, to)
	s.logger.Debug("session transition", zap.String("from", string(from)), zap.String("state", string(to)))
	s.emit(Event{Kind: EventState, From: from, State: to})
	return nil
}

// run drives the session to a terminal state and closes the event
// stream.
func (s *session) run() Outcome {
	defer close(s.events)

	s.states = append(s.states, StatePending)
	s.emit(Event{Kind: EventState, State: StatePending})

	err := s.execute()
	return s.finish(err)
}

func (s *session) execute() error {
	if err := s.transition(StateAuthorizing); err != nil {
		return err
	}
	if err := s.authorize(); err != nil {
		return err
	}

	if err := s.transition(StateRetrieving); err != nil {
		return err
	}
	matches, err := s.retrieve()
	if err != nil {
		return err
	}
	s.messages = s.buildMessages(matches)

	for turn := 1; ; turn++ {
		if err := s.transition(StateGenerating); err != nil {
			return err
		}
		calls, err := s.generateTurn()
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			break
		}
		if turn >= s.e.cfg.MaxTurns {
			return fail(KindMaxTurnsExceeded, nil, "model requested tools on turn %d of %d", turn, s.e.cfg.MaxTurns)
		}
		if err := s.transition(StateToolExecuting); err != nil {
			return err
		}
		if err := s.executeTools(calls); err != nil {
			return err
		}
	}

	if err := s.transition(StateSettling); err != nil {
		return err
	}
	return s.settle()
}

// estimate prices the request before it runs: the token estimate for one
// full turn, floored by the action's base cost.
func (s *session) estimate() int64 {
	prompt := cost.EstimateTokens(s.e.cfg.SystemPrompt) + cost.EstimateTokens(s.req.Prompt)
	for _, m := range s.req.History {
		prompt += cost.EstimateTokens(m.Content)
	}
	maxOut := s.req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = s.e.cfg.MaxOutputTokens
	}
	est := s.e.deps.Calculator.Estimate(s.model, prompt, maxOut)
	if floor, ok := credits.ActionCost(s.action); ok && floor > est {
		est = floor
	}
	return est
}

// incurred prices the completed turns and tool calls.
func (s *session) incurred() int64 {
	n, err := s.e.deps.Calculator.Credits(cost.Usage{
		Model:        s.model,
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
		Compute:      s.usage.Compute,
	})
	if err != nil {
		s.logger.Error("failed to price session usage", zap.Error(err))
		return 0
	}
	return n
}

func (s *session) buildMessages(matches []contextChunk) []provider.Message {
	msgs := make([]provider.Message, 0, len(s.req.History)+3)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: s.e.cfg.SystemPrompt})
	if len(matches) > 0 {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: contextPrompt(matches)})
	}
	msgs = append(msgs, s.req.History...)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: s.req.Prompt})
	return msgs
}

// finish classifies err, reconciles the ledger, emits the terminal event
// and publishes the outcome.
func (s *session) finish(err error) Outcome {
	out := Outcome{
		SessionID: s.req.SessionID,
		UserID:    s.req.UserID,
	}

	terminal := StateCompleted
	if err != nil {
		var se *SessionError
		switch {
		case s.ctx.Err() != nil && !policyFailure(err):
			terminal = StateCancelled
			out.Reason = cancelReason(context.Cause(s.ctx))
		case errors.As(err, &se):
			terminal = StateFailed
			out.Kind = se.Kind
			out.Message = se.Error()
		default:
			terminal = StateFailed
			out.Kind = KindInternal
			out.Message = err.Error()
		}
	}

	if !s.settled {
		s.reconcile()
	}

	if s.state != terminal {
		if terr := s.transition(terminal); terr != nil {
			s.logger.Error("terminal transition rejected", zap.Error(terr))
			s.state = terminal
			s.states = append(s.states, terminal)
		}
	}

	out.State = terminal
	out.Text = s.text.String()
	out.Turns = s.turns
	out.ToolCalls = s.calls
	out.Usage = s.usage
	out.Settlement = s.settlement
	out.States = append([]State(nil), s.states...)
	out.Duration = time.Since(s.start)

	s.emit(Event{Kind: terminalKind(terminal), Outcome: &out})
	s.report(out, err)
	return out
}

func (s *session) report(out Outcome, err error) {
	fields := []zap.Field{
		zap.String("state", string(out.State)),
		zap.Int("turns", out.Turns),
		zap.Int("tool_calls", out.ToolCalls),
		zap.Int64("charged", out.Settlement.Charged),
		zap.Duration("duration", out.Duration),
	}
	switch out.State {
	case StateCompleted:
		s.logger.Info("session completed", fields...)
	case StateCancelled:
		s.logger.Info("session cancelled", append(fields, zap.String("reason", out.Reason))...)
	default:
		s.logger.Warn("session failed", append(fields, zap.String("kind", string(out.Kind)), zap.Error(err))...)
	}

	observability.RecordSession(string(out.State), string(out.Kind), out.Duration)
	observability.RecordCreditsCharged(s.action, out.Settlement.Charged)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.e.cfg.ReconcileTimeout)
	defer cancel()
	ev := events.SessionEvent{
		SessionID:     out.SessionID,
		UserID:        out.UserID,
		Action:        s.action,
		Model:         s.model,
		State:         string(out.State),
		Kind:          string(out.Kind),
		Message:       out.Message,
		ReservationID: out.Settlement.ReservationID,
		Reserved:      out.Settlement.Reserved,
		Charged:       out.Settlement.Charged,
		Balance:       out.Settlement.Balance,
		Turns:         out.Turns,
		ToolCalls:     out.ToolCalls,
		Duration:      out.Duration,
		At:            time.Now().UTC(),
	}
	if perr := s.e.deps.Publisher.Publish(ctx, ev); perr != nil {
		s.logger.Warn("failed to publish session event", zap.Error(perr))
	}
}
