package credits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLedger_AuthorizeSameIDReturnsExistingReservation(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()

			first, err := l.Authorize(ctx, "u1", 30, WithReservationID(id), WithAction("survey_simple"))
			require.NoError(t, err)
			assert.Equal(t, id, first.ID)

			again, err := l.Authorize(ctx, "u1", 30, WithReservationID(id), WithAction("survey_simple"))
			require.NoError(t, err)
			assert.Equal(t, id, again.ID)
			assert.Equal(t, int64(30), again.Amount)

			bal, err := l.GetBalance(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(70), bal, "a repeated authorize must not debit twice")

			// One admission counted against the free survey quota of two.
			_, err = l.Authorize(ctx, "u1", 1, WithAction("survey_simple"))
			require.NoError(t, err)
		})
	}
}

func TestLedger_AuthorizeClosedIDRejected(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.NewString()
			res, err := l.Authorize(ctx, "u1", 10, WithReservationID(id))
			require.NoError(t, err)
			_, err = l.Settle(ctx, res, 5)
			require.NoError(t, err)

			_, err = l.Authorize(ctx, "u1", 10, WithReservationID(id))
			assert.ErrorIs(t, err, ErrInvalidReservation)

			bal, err := l.GetBalance(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(95), bal)
		})
	}
}

func TestLedger_RepeatedSettleReplaysOutcome(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := l.Authorize(ctx, "u1", 40)
			require.NoError(t, err)

			first, err := l.Settle(ctx, res, 25)
			require.NoError(t, err)
			assert.False(t, first.Replayed)

			again, err := l.Settle(ctx, res, 25)
			require.NoError(t, err)
			assert.True(t, again.Replayed)
			assert.Equal(t, first.Charged, again.Charged)
			assert.Equal(t, int64(75), again.Balance)

			usage, err := l.Usage(ctx, "u1", 0)
			require.NoError(t, err)
			assert.Len(t, usage, 1)
		})
	}
}

func TestLedger_RepeatedOverrunReplaysError(t *testing.T) {
	for name, l := range ledgers(t, Options{Policy: OverrunStrict}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := l.Authorize(ctx, "u1", 90)
			require.NoError(t, err)

			_, err = l.Settle(ctx, res, 200)
			require.ErrorIs(t, err, ErrOverrunNotCovered)

			rc, err := l.Settle(ctx, res, 200)
			assert.ErrorIs(t, err, ErrOverrunNotCovered)
			assert.True(t, rc.Replayed)
			assert.Equal(t, int64(90), rc.Charged)
			assert.Equal(t, int64(10), rc.Balance)
		})
	}
}

func TestLedger_FeatureGate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		opts    []AuthorizeOption
		feature Feature
	}{
		{"agent on free", PlanFree, []AuthorizeOption{WithAction("agent_quick")}, FeatureAgentMode},
		{"premium chat on free", PlanFree, []AuthorizeOption{WithAction("chat_gpt5")}, FeaturePremiumModels},
		{"evaluation on free", PlanFree, []AuthorizeOption{WithAction("evaluation_single")}, FeatureEvaluation},
		{"full cipher on pro", PlanPro, []AuthorizeOption{WithAction("cipher_full")}, FeatureCipherFull},
		{"extra feature", PlanFree, []AuthorizeOption{WithFeatures(FeatureCustomDomain)}, FeatureCustomDomain},
	}
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					user := string(tt.plan) + "-" + tt.name
					require.NoError(t, l.SetPlan(ctx, user, tt.plan))

					_, err := l.Authorize(ctx, user, 10, tt.opts...)
					require.ErrorIs(t, err, ErrFeatureNotAvailable)

					var fe *FeatureError
					require.True(t, errors.As(err, &fe))
					assert.Equal(t, tt.plan, fe.Plan)
					assert.Equal(t, tt.feature, fe.Feature)

					bal, err := l.GetBalance(ctx, user)
					require.NoError(t, err)
					assert.Equal(t, DefaultBalance, bal)
				})
			}

			require.NoError(t, l.SetPlan(ctx, "maxed", PlanMax))
			_, err := l.Authorize(ctx, "maxed", 10, WithAction("cipher_full"), WithFeatures(FeatureCustomDomain))
			assert.NoError(t, err)
		})
	}
}

func TestLedger_QuotaRollingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	for name, l := range ledgers(t, Options{Now: clock.Now}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 2; i++ {
				res, err := l.Authorize(ctx, "u1", 1, WithAction("survey_simple"))
				require.NoError(t, err)
				_, err = l.Release(ctx, res)
				require.NoError(t, err)
			}

			_, err := l.Authorize(ctx, "u1", 1, WithAction("survey_medium"))
			require.ErrorIs(t, err, ErrQuotaExceeded)
			var qe *QuotaExceededError
			require.True(t, errors.As(err, &qe))
			assert.Equal(t, GroupSurveyGeneration, qe.Group)
			assert.Equal(t, 2, qe.Used)
			assert.Equal(t, 2, qe.Quota.Limit)

			// Other groups keep their own window.
			_, err = l.Authorize(ctx, "u1", 1, WithAction("chat_haiku"))
			require.NoError(t, err)

			clock.Advance(Daily + time.Second)
			_, err = l.Authorize(ctx, "u1", 1, WithAction("survey_simple"))
			require.NoError(t, err)
		})
		clock.Advance(2 * Daily)
	}
}

func TestLedger_UnlimitedPlanHasNoQuota(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.SetPlan(ctx, "ent", PlanEnterprise))
			for i := 0; i < 5; i++ {
				_, err := l.Authorize(ctx, "ent", 50, WithAction("agent_complex"))
				require.NoError(t, err)
			}
		})
	}
}

func TestResolveAction(t *testing.T) {
	tests := []struct {
		action, model    string
		questions, steps int
		want             string
	}{
		{"", "claude-haiku", 0, 0, "chat_haiku"},
		{"", "gpt-5", 0, 0, "chat_gpt5"},
		{"chat", "gpt-5-mini", 0, 0, "chat_gpt5"},
		{"chat", "lema-1", 0, 0, "chat_lema"},
		{"survey", "", 12, 0, "survey_medium"},
		{"agent", "", 0, 2, "agent_quick"},
		{"agent", "", 0, 4, "agent_standard"},
		{"agent", "", 0, 9, "agent_complex"},
		{"chart", "", 0, 0, "chart"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveAction(tt.action, tt.model, tt.questions, tt.steps), "%+v", tt)
	}
	assert.True(t, PremiumModel("GPT5"))
	assert.False(t, PremiumModel("claude-haiku"))

	g, ok := ActionGroupOf("chart")
	assert.True(t, ok)
	assert.Equal(t, GroupChartGeneration, g)
	_, ok = ActionGroupOf("custom")
	assert.False(t, ok)
}

func TestSummarizeUsage(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []UsageEntry{
		{Action: "chat_haiku", Charged: 3, At: at.Add(2 * time.Hour)},
		{Action: "chat_haiku", Charged: 4, At: at.Add(time.Hour)},
		{Action: "survey_simple", Charged: 20, At: at},
		{Charged: 2, At: at.Add(-time.Hour)},
	}

	all := SummarizeUsage(entries, time.Time{})
	assert.Equal(t, int64(29), all.TotalUsed)
	assert.Equal(t, 4, all.Count)
	assert.Equal(t, map[string]int64{"chat_haiku": 7, "survey_simple": 20, "other": 2}, all.ByAction)

	recent := SummarizeUsage(entries, at.Add(time.Hour))
	assert.Equal(t, int64(7), recent.TotalUsed)
	assert.Equal(t, map[string]int64{"chat_haiku": 7}, recent.ByAction)
}
