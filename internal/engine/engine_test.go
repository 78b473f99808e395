package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aixgo-dev/genorch/internal/llm/cost"
	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/aixgo-dev/genorch/internal/toolset"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/events"
	"github.com/aixgo-dev/genorch/pkg/sandbox"
	"github.com/aixgo-dev/genorch/pkg/security"
	"github.com/aixgo-dev/genorch/pkg/tools"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/aixgo-dev/genorch/pkg/vectorstore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testUser = "user-1"

func newTestEngine(t *testing.T, cfg Config, deps Deps) *Engine {
	t.Helper()
	if deps.Ledger == nil {
		deps.Ledger = credits.NewMemoryLedger(credits.Options{})
	}
	if deps.Logger == nil {
		deps.Logger = zaptest.NewLogger(t)
	}
	if cfg.Model == "" {
		cfg.Model = "mock"
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = time.Millisecond
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func request(prompt string) Request {
	return Request{UserID: testUser, Prompt: prompt}
}

// collect drains a run and returns its events and outcome.
func collect(t *testing.T, run *Run) ([]Event, Outcome) {
	t.Helper()
	var evs []Event
	for ev := range run.Events() {
		evs = append(evs, ev)
	}
	return evs, run.Wait()
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// meteredCalculator charges one credit per output token and nothing else.
func meteredCalculator() *cost.Calculator {
	c := cost.NewCalculator()
	c.AddPricing(&cost.ModelPricing{Model: "metered", InputPer1M: 0, OutputPer1M: 1_000_000})
	c.SetComputeRate(0)
	return c
}

type sleepInput struct {
	Label string `json:"label"`
	MS    int    `json:"ms"`
}

type sleepOutput struct {
	Label string `json:"label"`
}

func sleepTool() tools.Tool {
	return tools.NewTyped("sleep", "Sleep for ms milliseconds.", func(ctx context.Context, in sleepInput) (sleepOutput, error) {
		t := time.NewTimer(time.Duration(in.MS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return sleepOutput{}, ctx.Err()
		case <-t.C:
			return sleepOutput{Label: in.Label}, nil
		}
	})
}

func registry(t *testing.T, list ...tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, r.Register(list...))
	return r
}

func roles(msgs []provider.Message) []provider.Role {
	out := make([]provider.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestGenerate_TextOnlySessionSkipsToolExecution(t *testing.T) {
	mock := provider.NewMockProvider("mock", provider.Turn{
		Text:  []string{"Here is ", "your survey."},
		Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5},
	})
	e := newTestEngine(t, Config{}, Deps{Provider: mock})

	run, err := e.Start(context.Background(), request("Build a 3-question NPS survey"))
	require.NoError(t, err)
	evs, out := collect(t, run)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, "Here is your survey.", out.Text)
	assert.Equal(t, 1, out.Turns)
	assert.Zero(t, out.ToolCalls)
	assert.Equal(t, []State{StatePending, StateAuthorizing, StateRetrieving, StateGenerating, StateSettling, StateCompleted}, out.States)
	assert.NotContains(t, out.States, StateToolExecuting)

	var text []string
	for _, ev := range evs {
		if ev.Kind == EventTextDelta {
			text = append(text, ev.Text)
		}
	}
	assert.Equal(t, []string{"Here is ", "your survey."}, text)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []provider.Role{provider.RoleSystem, provider.RoleUser}, roles(reqs[0].Messages))
	assert.Equal(t, "mock", reqs[0].Model)
}

func TestGenerate_EventStreamIsOrdered(t *testing.T) {
	mock := provider.NewMockProvider("mock",
		provider.Turn{ToolCalls: []provider.ToolCall{call("c1", "sleep", `{"label":"a","ms":1}`)}},
		provider.Turn{Text: []string{"done"}},
	)
	e := newTestEngine(t, Config{}, Deps{Provider: mock, Tools: registry(t, sleepTool())})

	run, err := e.Start(context.Background(), request("go"))
	require.NoError(t, err)
	evs, out := collect(t, run)
	require.NotEmpty(t, evs)

	assert.Equal(t, EventState, evs[0].Kind)
	assert.Equal(t, StatePending, evs[0].State)
	for i, ev := range evs {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, run.SessionID, ev.SessionID)
		assert.Equal(t, i == len(evs)-1, ev.Terminal(), "event %d", i)
	}
	last := evs[len(evs)-1]
	assert.Equal(t, EventCompleted, last.Kind)
	require.NotNil(t, last.Outcome)
	assert.Equal(t, out.States, last.Outcome.States)

	// tool_call precedes tool_result; both sit between the two generating states.
	var kinds []EventKind
	for _, ev := range evs {
		if ev.Kind == EventToolCall || ev.Kind == EventToolResult {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []EventKind{EventToolCall, EventToolResult}, kinds)
	assert.Equal(t, []State{
		StatePending, StateAuthorizing, StateRetrieving,
		StateGenerating, StateToolExecuting, StateGenerating,
		StateSettling, StateCompleted,
	}, out.States)
}

func TestGenerate_ToolResultsFollowIssueOrder(t *testing.T) {
	mock := provider.NewMockProvider("mock",
		provider.Turn{ToolCalls: []provider.ToolCall{
			call("c1", "sleep", `{"label":"slow","ms":120}`),
			call("c2", "sleep", `{"label":"mid","ms":60}`),
			call("c3", "sleep", `{"label":"fast","ms":0}`),
		}},
		provider.Turn{Text: []string{"all done"}},
	)
	e := newTestEngine(t, Config{}, Deps{Provider: mock, Tools: registry(t, sleepTool())})

	run, err := e.Start(context.Background(), request("run three"))
	require.NoError(t, err)
	evs, out := collect(t, run)
	require.Equal(t, StateCompleted, out.State, out.Message)
	assert.Equal(t, 3, out.ToolCalls)

	var resultIDs []string
	for _, ev := range evs {
		if ev.Kind == EventToolResult {
			resultIDs = append(resultIDs, ev.ToolResult.CallID)
		}
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, resultIDs)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.GreaterOrEqual(t, len(msgs), 4)
	tail := msgs[len(msgs)-4:]
	assert.Equal(t, provider.RoleAssistant, tail[0].Role)
	assert.Len(t, tail[0].ToolCalls, 3)
	for i, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, provider.RoleTool, tail[i+1].Role)
		assert.Equal(t, id, tail[i+1].ToolCallID)
		assert.Equal(t, "sleep", tail[i+1].Name)
	}
	assert.Contains(t, tail[1].Content, "slow")
	assert.Contains(t, tail[3].Content, "fast")
}

func TestGenerate_MaxTurnsExceeded(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{})
	mock := provider.NewMockProvider("mock", provider.Turn{
		ToolCalls: []provider.ToolCall{call("c", "sleep", `{"ms":0}`)},
	}).RepeatLast()
	e := newTestEngine(t, Config{MaxTurns: 3}, Deps{Ledger: ledger, Provider: mock, Tools: registry(t, sleepTool())})

	run, err := e.Start(context.Background(), request("loop forever"))
	require.NoError(t, err)
	_, out := collect(t, run)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindMaxTurnsExceeded, out.Kind)
	assert.Equal(t, 3, out.Turns)
	assert.Equal(t, 2, out.ToolCalls)
	assert.Len(t, mock.Requests(), 3)
	assert.Zero(t, ledger.OpenReservations(testUser))
	assert.Equal(t, StateFailed, out.States[len(out.States)-1])
}

func TestGenerate_SettlementRefundsUnusedReservation(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{DefaultBalance: 100})
	mock := provider.NewMockProvider("mock", provider.Turn{
		Text:  []string{"ok"},
		Usage: provider.Usage{PromptTokens: 12, CompletionTokens: 25},
	})
	e := newTestEngine(t, Config{Model: "metered"}, Deps{Ledger: ledger, Provider: mock, Calculator: meteredCalculator()})

	req := request("price me")
	req.MaxOutputTokens = 40
	run, err := e.Start(context.Background(), req)
	require.NoError(t, err)
	_, out := collect(t, run)

	require.Equal(t, StateCompleted, out.State, out.Message)
	assert.Equal(t, int64(40), out.Settlement.Reserved)
	assert.Equal(t, int64(25), out.Settlement.Actual)
	assert.Equal(t, int64(25), out.Settlement.Charged)
	assert.Equal(t, int64(75), out.Settlement.Balance)
	assert.Equal(t, 25, out.Usage.OutputTokens)

	bal, err := ledger.GetBalance(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(75), bal)
	assert.Zero(t, ledger.OpenReservations(testUser))
}

func TestGenerate_ActionCostFloorsEstimate(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{DefaultBalance: 100})
	mock := provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}})
	e := newTestEngine(t, Config{}, Deps{Ledger: ledger, Provider: mock})

	floor, ok := credits.ActionCost("chart")
	require.True(t, ok)

	req := request("draw it")
	req.Action = "chart"
	run, err := e.Start(context.Background(), req)
	require.NoError(t, err)
	_, out := collect(t, run)

	require.Equal(t, StateCompleted, out.State, out.Message)
	assert.Equal(t, floor, out.Settlement.Reserved)
	// The mock model is free, so the whole reservation comes back.
	assert.True(t, out.Settlement.Released)
	assert.Zero(t, out.Settlement.Charged)
	assert.Equal(t, int64(100), out.Settlement.Balance)
}

func TestGenerate_InsufficientCredits(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{DefaultBalance: 100})
	mock := provider.NewMockProvider("mock", provider.Turn{Text: []string{"never"}})
	e := newTestEngine(t, Config{Model: "metered"}, Deps{Ledger: ledger, Provider: mock, Calculator: meteredCalculator()})

	req := request("too expensive")
	req.MaxOutputTokens = 150
	run, err := e.Start(context.Background(), req)
	require.NoError(t, err)
	_, out := collect(t, run)

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindInsufficientCredits, out.Kind)
	assert.Equal(t, []State{StatePending, StateAuthorizing, StateFailed}, out.States)
	assert.Empty(t, mock.Requests())

	bal, _ := ledger.GetBalance(context.Background(), testUser)
	assert.Equal(t, int64(100), bal)
}

func TestGenerate_OverrunPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      credits.OverrunPolicy
		wantState   State
		wantKind    ErrorKind
		wantCharged int64
		wantBalance int64
	}{
		{"clamp caps the charge", credits.OverrunClamp, StateCompleted, "", 40, 60},
		{"strict fails when the balance cannot cover it", credits.OverrunStrict, StateFailed, KindOverrunNotCovered, 40, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := credits.NewMemoryLedger(credits.Options{DefaultBalance: 100, Policy: tt.policy})
			mock := provider.NewMockProvider("mock", provider.Turn{
				Text:  []string{"long answer"},
				Usage: provider.Usage{CompletionTokens: 200},
			})
			e := newTestEngine(t, Config{Model: "metered"}, Deps{Ledger: ledger, Provider: mock, Calculator: meteredCalculator()})

			req := request("write a lot")
			req.MaxOutputTokens = 40
			run, err := e.Start(context.Background(), req)
			require.NoError(t, err)
			_, out := collect(t, run)

			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, int64(200), out.Settlement.Actual)
			assert.Equal(t, tt.wantCharged, out.Settlement.Charged)
			assert.Equal(t, tt.wantBalance, out.Settlement.Balance)
			assert.Zero(t, ledger.OpenReservations(testUser))
		})
	}
}

func TestGenerate_UnknownToolContinuesSession(t *testing.T) {
	mock := provider.NewMockProvider("mock",
		provider.Turn{ToolCalls: []provider.ToolCall{call("c1", "no_such_tool", `{}`)}},
		provider.Turn{Text: []string{"recovered"}},
	)
	e := newTestEngine(t, Config{}, Deps{Provider: mock, Tools: registry(t, sleepTool())})

	run, err := e.Start(context.Background(), request("try it"))
	require.NoError(t, err)
	evs, out := collect(t, run)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, "recovered", out.Text)

	var res *tools.Result
	for _, ev := range evs {
		if ev.Kind == EventToolResult {
			res = ev.ToolResult
		}
	}
	require.NotNil(t, res)
	assert.Equal(t, tools.KindUnknownTool, res.ErrorKind)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, provider.RoleTool, last.Role)
	assert.Contains(t, last.Content, string(tools.KindUnknownTool))
}

func TestGenerate_ToolTimeoutIsReportedToModel(t *testing.T) {
	mock := provider.NewMockProvider("mock",
		provider.Turn{ToolCalls: []provider.ToolCall{call("c1", "sleep", `{"ms":5000}`)}},
		provider.Turn{Text: []string{"gave up waiting"}},
	)
	timeouts := security.NewTimeoutManager(time.Minute)
	timeouts.SetToolTimeout("sleep", 20*time.Millisecond)
	e := newTestEngine(t, Config{}, Deps{Provider: mock, Tools: registry(t, sleepTool()), ToolTimeouts: timeouts})

	run, err := e.Start(context.Background(), request("wait"))
	require.NoError(t, err)
	evs, out := collect(t, run)

	assert.Equal(t, StateCompleted, out.State)
	for _, ev := range evs {
		if ev.Kind == EventToolResult {
			assert.Equal(t, tools.KindToolFailed, ev.ToolResult.ErrorKind)
			assert.Contains(t, ev.ToolResult.Message, "timed out")
		}
	}
}

func TestGenerate_ToolRateLimiterThrottles(t *testing.T) {
	mock := provider.NewMockProvider("mock",
		provider.Turn{ToolCalls: []provider.ToolCall{
			call("c1", "sleep", `{"ms":0}`),
			call("c2", "sleep", `{"ms":0}`),
		}},
		provider.Turn{Text: []string{"ok"}},
	)
	limiter := security.NewToolRateLimiter()
	limiter.SetToolLimit("sleep", 10, 1)
	e := newTestEngine(t, Config{}, Deps{Provider: mock, Tools: registry(t, sleepTool()), ToolLimiter: limiter})

	start := time.Now()
	out := e.Generate(context.Background(), request("twice"), nil)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, out.ToolCalls)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestGenerate_ExecutorUnavailableFailsSession(t *testing.T) {
	r := tools.NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, toolset.Register(r, toolset.Deps{Executor: downExecutor{}}))
	mock := provider.NewMockProvider("mock",
		provider.Turn{ToolCalls: []provider.ToolCall{call("c1", "execute_code", `{"code":"print(1)","language":"python"}`)}},
		provider.Turn{Text: []string{"unreachable"}},
	)
	ledger := credits.NewMemoryLedger(credits.Options{})
	e := newTestEngine(t, Config{}, Deps{Ledger: ledger, Provider: mock, Tools: r})

	out := e.Generate(context.Background(), request("compute"), nil)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindSandboxExecutorUnavailable, out.Kind)
	assert.Len(t, mock.Requests(), 1)
	assert.Zero(t, ledger.OpenReservations(testUser))
}

type downExecutor struct{}

func (downExecutor) Run(context.Context, sandbox.Job) (sandbox.Result, error) {
	return sandbox.Result{}, fmt.Errorf("%w: no runtime", sandbox.ErrExecutorUnavailable)
}

func TestGenerate_ProviderErrorFailsSession(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{})
	mock := provider.NewMockProvider("mock", provider.Turn{
		Err: provider.NewProviderError("mock", provider.ErrorCodeAuthentication, "bad key", nil),
	})
	e := newTestEngine(t, Config{}, Deps{Ledger: ledger, Provider: mock})

	out := e.Generate(context.Background(), request("hello"), nil)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindModelProvider, out.Kind)
	assert.Contains(t, out.Message, "bad key")
	assert.Len(t, mock.Requests(), 1, "authentication errors are not retried")
	assert.True(t, out.Settlement.Released)
	assert.Zero(t, ledger.OpenReservations(testUser))
}

func TestGenerate_ProviderRetriesTransientErrors(t *testing.T) {
	mock := provider.NewMockProvider("mock",
		provider.Turn{Err: provider.NewProviderError("mock", provider.ErrorCodeServerError, "overloaded", nil)},
		provider.Turn{Text: []string{"second try"}},
	)
	e := newTestEngine(t, Config{}, Deps{Provider: mock})

	out := e.Generate(context.Background(), request("hello"), nil)
	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, "second try", out.Text)
	assert.Len(t, mock.Requests(), 2)
}

func TestGenerate_StreamCutMidTurn(t *testing.T) {
	mock := provider.NewMockProvider("mock", provider.Turn{
		Text:    []string{"partial"},
		RecvErr: provider.NewProviderError("mock", provider.ErrorCodeServerError, "connection reset", nil),
		Usage:   provider.Usage{CompletionTokens: 1000},
	})
	e := newTestEngine(t, Config{Model: "metered", MaxOutputTokens: 50}, Deps{Provider: mock, Calculator: meteredCalculator()})

	out := e.Generate(context.Background(), request("hello"), nil)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindModelProvider, out.Kind)
	// The turn never completed, so nothing is billed.
	assert.Zero(t, out.Turns)
	assert.Zero(t, out.Settlement.Charged)
}

type flakyLedger struct {
	*credits.MemoryLedger
	failures  atomic.Int32
	authCalls atomic.Int32
}

func (l *flakyLedger) Authorize(ctx context.Context, userID string, est int64, opts ...credits.AuthorizeOption) (*credits.Reservation, error) {
	l.authCalls.Add(1)
	if l.failures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: connection refused", credits.ErrUnavailable)
	}
	return l.MemoryLedger.Authorize(ctx, userID, est, opts...)
}

func TestGenerate_LedgerRetries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		ledger := &flakyLedger{MemoryLedger: credits.NewMemoryLedger(credits.Options{})}
		ledger.failures.Store(2)
		e := newTestEngine(t, Config{}, Deps{Ledger: ledger, Provider: provider.NewMockProvider("mock")})

		out := e.Generate(context.Background(), request("hello"), nil)
		assert.Equal(t, StateCompleted, out.State)
		assert.Equal(t, int32(3), ledger.authCalls.Load())
	})

	t.Run("persistent failure fails the session", func(t *testing.T) {
		ledger := &flakyLedger{MemoryLedger: credits.NewMemoryLedger(credits.Options{})}
		ledger.failures.Store(100)
		mock := provider.NewMockProvider("mock")
		e := newTestEngine(t, Config{LedgerRetries: 2}, Deps{Ledger: ledger, Provider: mock})

		out := e.Generate(context.Background(), request("hello"), nil)
		assert.Equal(t, StateFailed, out.State)
		assert.Equal(t, KindLedgerUnavailable, out.Kind)
		assert.Equal(t, int32(3), ledger.authCalls.Load())
		assert.Empty(t, mock.Requests())
	})
}

// lostReplyLedger commits the first Authorize and Settle but reports them
// as failed, like a reply lost on the network.
type lostReplyLedger struct {
	*credits.MemoryLedger
	authCalls   atomic.Int32
	settleCalls atomic.Int32
	ids         []string
}

func (l *lostReplyLedger) Authorize(ctx context.Context, userID string, est int64, opts ...credits.AuthorizeOption) (*credits.Reservation, error) {
	res, err := l.MemoryLedger.Authorize(ctx, userID, est, opts...)
	if err == nil {
		l.ids = append(l.ids, res.ID)
	}
	if l.authCalls.Add(1) == 1 {
		return nil, fmt.Errorf("%w: reply lost", credits.ErrUnavailable)
	}
	return res, err
}

func (l *lostReplyLedger) Settle(ctx context.Context, res *credits.Reservation, actual int64) (credits.Receipt, error) {
	rc, err := l.MemoryLedger.Settle(ctx, res, actual)
	if l.settleCalls.Add(1) == 1 {
		return credits.Receipt{}, fmt.Errorf("%w: reply lost", credits.ErrUnavailable)
	}
	return rc, err
}

func TestGenerate_LostLedgerRepliesDoNotLeak(t *testing.T) {
	ledger := &lostReplyLedger{MemoryLedger: credits.NewMemoryLedger(credits.Options{DefaultBalance: 100})}
	mock := provider.NewMockProvider("mock", provider.Turn{
		Text:  []string{"ok"},
		Usage: provider.Usage{CompletionTokens: 25},
	})
	e := newTestEngine(t, Config{Model: "metered"}, Deps{Ledger: ledger, Provider: mock, Calculator: meteredCalculator()})

	req := request("price me")
	req.MaxOutputTokens = 40
	out := e.Generate(context.Background(), req, nil)

	require.Equal(t, StateCompleted, out.State, out.Message)
	assert.Equal(t, int32(2), ledger.authCalls.Load())
	assert.Equal(t, int32(2), ledger.settleCalls.Load())
	require.Len(t, ledger.ids, 2)
	assert.Equal(t, ledger.ids[0], ledger.ids[1], "the retry must reuse the reservation id")

	assert.Equal(t, int64(25), out.Settlement.Charged)
	assert.Equal(t, int64(75), out.Settlement.Balance)
	assert.Zero(t, ledger.OpenReservations(testUser))

	bal, err := ledger.GetBalance(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(75), bal)
	usage, err := ledger.Usage(context.Background(), testUser, 0)
	require.NoError(t, err)
	assert.Len(t, usage, 1)
}

func TestGenerate_PlanGate(t *testing.T) {
	tests := []struct {
		name     string
		plan     credits.Plan
		model    string
		action   string
		steps    int
		repeat   int
		wantKind ErrorKind
	}{
		{"agent mode needs a paid plan", credits.PlanFree, "", "agent", 1, 1, KindFeatureNotAvailable},
		{"premium model needs a paid plan", credits.PlanFree, "gpt-5", "chat", 0, 1, KindFeatureNotAvailable},
		{"free survey quota", credits.PlanFree, "", "survey", 0, 3, KindQuotaExceeded},
		{"agent mode on pro", credits.PlanPro, "", "agent", 4, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := credits.NewMemoryLedger(credits.Options{DefaultBalance: 1000})
			require.NoError(t, ledger.SetPlan(context.Background(), testUser, tt.plan))
			mock := provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}}).RepeatLast()
			e := newTestEngine(t, Config{Model: tt.model}, Deps{Ledger: ledger, Provider: mock})

			var out Outcome
			for i := 0; i < tt.repeat; i++ {
				req := request("go")
				req.Action = tt.action
				req.Steps = tt.steps
				out = e.Generate(context.Background(), req, nil)
			}

			assert.Equal(t, tt.wantKind, out.Kind, out.Message)
			if tt.wantKind != "" {
				assert.Equal(t, StateFailed, out.State)
				assert.Equal(t, []State{StatePending, StateAuthorizing, StateFailed}, out.States)
				assert.Zero(t, ledger.OpenReservations(testUser))
				return
			}
			require.Equal(t, StateCompleted, out.State)
			floor, _ := credits.ActionCost("agent_standard")
			assert.Equal(t, floor, out.Settlement.Reserved)
		})
	}
}

type flakyStore struct {
	vectorstore.Store
	failures atomic.Int32
	searches atomic.Int32
}

func (s *flakyStore) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	s.searches.Add(1)
	if s.failures.Add(-1) >= 0 {
		return nil, vectorstore.UnavailableError("search", errors.New("connection reset"))
	}
	return s.Store.Search(ctx, q)
}

func seededStore(t *testing.T, emb embeddings.EmbeddingService) *flakyStore {
	t.Helper()
	ctx := context.Background()
	store := memory.New(emb.Dimensions(), 0)
	v, err := emb.Embed(ctx, "Likert scale satisfaction question")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, []vectorstore.Chunk{{
		ID:        "likert",
		Text:      "Use a five point Likert scale for satisfaction.",
		Embedding: v,
		Metadata:  map[string]string{"title": "Likert block"},
	}})
	require.NoError(t, err)
	return &flakyStore{Store: store}
}

func TestGenerate_Retrieval(t *testing.T) {
	emb := embeddings.NewHash(16)

	t.Run("transient failures are retried", func(t *testing.T) {
		store := seededStore(t, emb)
		store.failures.Store(2)
		mock := provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}})
		e := newTestEngine(t, Config{}, Deps{Provider: mock, Store: store, Embedder: emb})

		out := e.Generate(context.Background(), request("Likert scale satisfaction question"), nil)
		require.Equal(t, StateCompleted, out.State)
		assert.Equal(t, int32(3), store.searches.Load())

		msgs := mock.Requests()[0].Messages
		require.Len(t, msgs, 3)
		assert.Equal(t, provider.RoleSystem, msgs[1].Role)
		assert.Contains(t, msgs[1].Content, "Likert block")
		assert.Contains(t, msgs[1].Content, "five point Likert scale")
	})

	t.Run("unavailable store degrades to no context", func(t *testing.T) {
		store := seededStore(t, emb)
		store.failures.Store(100)
		mock := provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}})
		e := newTestEngine(t, Config{RetrievalRetries: 2}, Deps{Provider: mock, Store: store, Embedder: emb})

		out := e.Generate(context.Background(), request("Likert scale satisfaction question"), nil)
		require.Equal(t, StateCompleted, out.State)
		assert.Equal(t, int32(3), store.searches.Load())
		assert.Equal(t, []provider.Role{provider.RoleSystem, provider.RoleUser}, roles(mock.Requests()[0].Messages))
	})

	t.Run("validation errors fail the session", func(t *testing.T) {
		store := seededStore(t, emb)
		ledger := credits.NewMemoryLedger(credits.Options{})
		mock := provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}})
		e := newTestEngine(t, Config{}, Deps{Ledger: ledger, Provider: mock, Store: store, Embedder: embeddings.NewHash(4)})

		out := e.Generate(context.Background(), request("mismatched dimensions"), nil)
		assert.Equal(t, StateFailed, out.State)
		assert.Equal(t, KindRetrievalValidation, out.Kind)
		assert.Equal(t, int32(1), store.searches.Load())
		assert.Empty(t, mock.Requests())
		assert.True(t, out.Settlement.Released)
		assert.Zero(t, ledger.OpenReservations(testUser))
	})

	t.Run("skip retrieval", func(t *testing.T) {
		store := seededStore(t, emb)
		e := newTestEngine(t, Config{}, Deps{Provider: provider.NewMockProvider("mock"), Store: store, Embedder: emb})

		req := request("Likert scale satisfaction question")
		req.SkipRetrieval = true
		out := e.Generate(context.Background(), req, nil)
		assert.Equal(t, StateCompleted, out.State)
		assert.Zero(t, store.searches.Load())
	})
}

func TestGenerate_RejectedEmbeddingIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	emb, err := embeddings.NewOpenAI(embeddings.Config{OpenAI: &embeddings.OpenAIConfig{
		APIKey: "k", BaseURL: srv.URL + "/v1", Dimensions: 16,
	}})
	require.NoError(t, err)

	core, logs := observer.New(zap.ErrorLevel)
	mock := provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}})
	e := newTestEngine(t, Config{RetrievalRetries: 3}, Deps{
		Provider: mock,
		Store:    seededStore(t, embeddings.NewHash(16)),
		Embedder: emb,
		Logger:   zap.New(core),
	})

	out := e.Generate(context.Background(), request("Likert scale satisfaction question"), nil)
	require.Equal(t, StateCompleted, out.State, out.Message)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, []provider.Role{provider.RoleSystem, provider.RoleUser}, roles(mock.Requests()[0].Messages))

	entries := logs.FilterMessageSnippet("rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}

func TestGenerate_HistoryPrecedesPrompt(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	e := newTestEngine(t, Config{SystemPrompt: "be brief"}, Deps{Provider: mock})

	req := request("and now?")
	req.History = []provider.Message{
		{Role: provider.RoleUser, Content: "first"},
		{Role: provider.RoleAssistant, Content: "reply"},
	}
	out := e.Generate(context.Background(), req, nil)
	require.Equal(t, StateCompleted, out.State)
	assert.Equal(t, "mock response: and now?", out.Text)

	msgs := mock.Requests()[0].Messages
	assert.Equal(t, []provider.Role{provider.RoleSystem, provider.RoleUser, provider.RoleAssistant, provider.RoleUser}, roles(msgs))
	assert.Equal(t, "be brief", msgs[0].Content)
}

func slowProvider() *provider.MockProvider {
	return provider.NewMockProvider("mock", provider.Turn{Text: []string{"slow"}, Delay: time.Minute})
}

// waitForState consumes events until the run reports state.
func waitForState(t *testing.T, run *Run, state State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			require.True(t, ok, "stream ended before %s", state)
			if ev.Kind == EventState && ev.State == state {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func TestCancel(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{})
	e := newTestEngine(t, Config{}, Deps{Ledger: ledger, Provider: slowProvider()})

	run, err := e.Start(context.Background(), request("take your time"))
	require.NoError(t, err)
	waitForState(t, run, StateGenerating)

	assert.Equal(t, []string{run.SessionID}, e.Active())
	assert.True(t, e.Cancel(run.SessionID))
	assert.False(t, e.Cancel("no-such-session"))

	out := run.Wait()
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.True(t, out.Settlement.Released)
	assert.Zero(t, ledger.OpenReservations(testUser))
	assert.Empty(t, e.Active())
}

func TestSessionDeadline(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{DefaultBalance: 100})
	e := newTestEngine(t, Config{SessionTimeout: 50 * time.Millisecond}, Deps{Ledger: ledger, Provider: slowProvider()})

	out := e.Generate(context.Background(), request("slow"), nil)
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, ReasonDeadline, out.Reason)

	bal, _ := ledger.GetBalance(context.Background(), testUser)
	assert.Equal(t, int64(100), bal)
	assert.Zero(t, ledger.OpenReservations(testUser))
}

func TestCallerCancel(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{Provider: slowProvider()})

	ctx, cancel := context.WithCancel(context.Background())
	run, err := e.Start(ctx, request("slow"))
	require.NoError(t, err)
	waitForState(t, run, StateGenerating)
	cancel()

	out := run.Wait()
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, ReasonCallerCancelled, out.Reason)
}

func TestStart_DuplicateSessionID(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{Provider: slowProvider()})

	req := request("slow")
	req.SessionID = "s1"
	run, err := e.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "s1", run.SessionID)

	_, err = e.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrSessionExists)

	var got []Event
	out := e.Generate(context.Background(), req, func(ev Event) { got = append(got, ev) })
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindInvalidRequest, out.Kind)
	require.Len(t, got, 1)
	assert.Equal(t, EventFailed, got[0].Kind)

	assert.Equal(t, []string{"s1"}, e.Active())
	e.Cancel("s1")
	assert.Equal(t, StateCancelled, run.Wait().State)
}

func TestGenerate_InvalidRequest(t *testing.T) {
	e := newTestEngine(t, Config{}, Deps{Provider: provider.NewMockProvider("mock")})

	tests := []struct {
		name string
		req  Request
	}{
		{"missing user", Request{Prompt: "hi"}},
		{"blank prompt", Request{UserID: testUser, Prompt: "   "}},
		{"oversized prompt", Request{UserID: testUser, Prompt: strings.Repeat("x", MaxPromptBytes+1)}},
		{"negative output", Request{UserID: testUser, Prompt: "hi", MaxOutputTokens: -1}},
		{"tool role in history", Request{UserID: testUser, Prompt: "hi", History: []provider.Message{{Role: provider.RoleTool, Content: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Start(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)

			out := e.Generate(context.Background(), tt.req, nil)
			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, KindInvalidRequest, out.Kind)
		})
	}
}

func TestGenerate_RateLimited(t *testing.T) {
	limiter := security.NewRateLimiter(0.001, 1, 0)
	mock := provider.NewMockProvider("mock")
	e := newTestEngine(t, Config{}, Deps{Provider: mock, Limiter: limiter})

	first := e.Generate(context.Background(), request("one"), nil)
	assert.Equal(t, StateCompleted, first.State)

	second := e.Generate(context.Background(), request("two"), nil)
	assert.Equal(t, StateFailed, second.State)
	assert.Equal(t, KindRateLimited, second.Kind)
	assert.Equal(t, []State{StatePending, StateAuthorizing, StateFailed}, second.States)
	assert.Len(t, mock.Requests(), 1)

	other := e.Generate(context.Background(), Request{UserID: "user-2", Prompt: "three"}, nil)
	assert.Equal(t, StateCompleted, other.State)
}

func TestGenerate_PublishesOutcome(t *testing.T) {
	rec := &events.Recorder{}
	e := newTestEngine(t, Config{Model: "metered"}, Deps{
		Provider:   provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}, Usage: provider.Usage{CompletionTokens: 7}}),
		Calculator: meteredCalculator(),
		Publisher:  rec,
	})

	req := request("hello")
	req.Action = "chart"
	req.MaxOutputTokens = 20
	out := e.Generate(context.Background(), req, nil)
	require.Equal(t, StateCompleted, out.State)

	published := rec.Events()
	require.Len(t, published, 1)
	ev := published[0]
	assert.Equal(t, out.SessionID, ev.SessionID)
	assert.Equal(t, testUser, ev.UserID)
	assert.Equal(t, "chart", ev.Action)
	assert.Equal(t, "metered", ev.Model)
	assert.Equal(t, "completed", ev.State)
	assert.Equal(t, int64(7), ev.Charged)
	assert.Equal(t, 1, ev.Turns)
}

func TestClose(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{})
	e := newTestEngine(t, Config{}, Deps{Ledger: ledger, Provider: slowProvider()})

	run, err := e.Start(context.Background(), request("slow"))
	require.NoError(t, err)
	waitForState(t, run, StateGenerating)

	done := make(chan Outcome, 1)
	go func() { done <- run.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	out := <-done
	assert.Equal(t, StateCancelled, out.State)
	assert.Equal(t, ReasonShutdown, out.Reason)
	assert.Zero(t, ledger.OpenReservations(testUser))

	_, err = e.Start(context.Background(), request("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_RequiresLedgerAndProvider(t *testing.T) {
	_, err := New(Config{}, Deps{Provider: provider.NewMockProvider("mock")})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Ledger: credits.NewMemoryLedger(credits.Options{})})
	assert.Error(t, err)
	_, err = New(Config{RetrievalMinScore: 2}, Deps{Ledger: credits.NewMemoryLedger(credits.Options{}), Provider: provider.NewMockProvider("mock")})
	assert.Error(t, err)
}

func TestConcurrentSessionsShareLedger(t *testing.T) {
	ledger := credits.NewMemoryLedger(credits.Options{DefaultBalance: 1000})
	// Above the free plan's hourly chat quota.
	require.NoError(t, ledger.SetPlan(context.Background(), testUser, credits.PlanMax))
	e := newTestEngine(t, Config{Model: "metered"}, Deps{
		Ledger:     ledger,
		Provider:   provider.NewMockProvider("mock", provider.Turn{Text: []string{"ok"}, Usage: provider.Usage{CompletionTokens: 10}}).RepeatLast(),
		Calculator: meteredCalculator(),
	})

	runs := make([]*Run, 20)
	for i := range runs {
		req := request(fmt.Sprintf("survey %d", i))
		req.MaxOutputTokens = 20
		run, err := e.Start(context.Background(), req)
		require.NoError(t, err)
		runs[i] = run
	}
	for _, run := range runs {
		assert.Equal(t, StateCompleted, run.Wait().State)
	}

	bal, _ := ledger.GetBalance(context.Background(), testUser)
	assert.Equal(t, int64(1000-20*10), bal)
	assert.Zero(t, ledger.OpenReservations(testUser))
}
