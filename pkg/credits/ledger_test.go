package credits

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T, opts Options) (*miniredis.Miniredis, *RedisLedger) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger := NewRedisLedgerFromClient(client, "test:", opts)

	t.Cleanup(func() {
		_ = ledger.Close()
	})
	return mr, ledger
}

// ledgers returns one instance of every backend that runs without external services.
func ledgers(t *testing.T, opts Options) map[string]Ledger {
	t.Helper()
	_, rl := setupMiniredis(t, opts)
	return map[string]Ledger{
		"memory": NewMemoryLedger(opts),
		"redis":  rl,
	}
}

func TestLedger_DefaultBalance(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			bal, err := l.GetBalance(context.Background(), "new-user")
			require.NoError(t, err)
			assert.Equal(t, DefaultBalance, bal)

			ids, err := l.Accounts(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{"new-user"}, ids)
		})
	}
}

func TestLedger_AuthorizeSettleRefundsDifference(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := l.Authorize(ctx, "u1", 40, WithAction("survey_medium"))
			require.NoError(t, err)
			assert.Equal(t, int64(40), res.Amount)

			bal, err := l.GetBalance(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(60), bal)

			rc, err := l.Settle(ctx, res, 25)
			require.NoError(t, err)
			assert.Equal(t, int64(75), rc.Balance)
			assert.Equal(t, int64(25), rc.Charged)
			assert.Equal(t, res.ID, rc.ReservationID)

			usage, err := l.Usage(ctx, "u1", 10)
			require.NoError(t, err)
			require.Len(t, usage, 1)
			assert.Equal(t, int64(40), usage[0].Reserved)
			assert.Equal(t, int64(25), usage[0].Charged)
			assert.Equal(t, int64(75), usage[0].BalanceAfter)
			assert.Equal(t, "survey_medium", usage[0].Action)
		})
	}
}

func TestLedger_AuthorizeReleaseRestoresBalance(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			before, err := l.GetBalance(ctx, "u1")
			require.NoError(t, err)

			res, err := l.Authorize(ctx, "u1", 33)
			require.NoError(t, err)

			rc, err := l.Release(ctx, res)
			require.NoError(t, err)
			assert.Equal(t, before, rc.Balance)
			assert.Zero(t, rc.Charged)
		})
	}
}

func TestLedger_InsufficientCredits(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Authorize(context.Background(), "u1", 101)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInsufficientCredits))

			var ice *InsufficientCreditsError
			require.True(t, errors.As(err, &ice))
			assert.Equal(t, int64(100), ice.Balance)
			assert.Equal(t, int64(101), ice.Required)

			bal, err := l.GetBalance(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), bal)
		})
	}
}

func TestLedger_NegativeAmountRejected(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Authorize(context.Background(), "u1", -1)
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestLedger_DoubleSettle(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := l.Authorize(ctx, "u1", 10)
			require.NoError(t, err)

			_, err = l.Settle(ctx, res, 10)
			require.NoError(t, err)

			rc, err := l.Release(ctx, res)
			assert.ErrorIs(t, err, ErrReservationNotFound)
			assert.Equal(t, int64(90), rc.Balance)
		})
	}
}

func TestLedger_ConcurrentAuthorizeNeverOverdraws(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const workers = 25

			var wg sync.WaitGroup
			var ok, denied atomic.Int64
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := l.Authorize(ctx, "shared", 30)
					switch {
					case err == nil:
						ok.Add(1)
					case errors.Is(err, ErrInsufficientCredits):
						denied.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(3), ok.Load())
			assert.Equal(t, int64(workers-3), denied.Load())

			bal, err := l.GetBalance(ctx, "shared")
			require.NoError(t, err)
			assert.Equal(t, int64(10), bal)
		})
	}
}

func TestLedger_OverrunClamp(t *testing.T) {
	for name, l := range ledgers(t, Options{Policy: OverrunClamp}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := l.Authorize(ctx, "u1", 20)
			require.NoError(t, err)

			rc, err := l.Settle(ctx, res, 50)
			require.NoError(t, err)
			assert.Equal(t, int64(80), rc.Balance)
			assert.Equal(t, int64(20), rc.Charged)

			usage, err := l.Usage(ctx, "u1", 1)
			require.NoError(t, err)
			require.Len(t, usage, 1)
			assert.Equal(t, int64(20), usage[0].Charged)
		})
	}
}

func TestLedger_OverrunStrict(t *testing.T) {
	for name, l := range ledgers(t, Options{Policy: OverrunStrict}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Covered by the remaining balance.
			res, err := l.Authorize(ctx, "u1", 20)
			require.NoError(t, err)
			rc, err := l.Settle(ctx, res, 50)
			require.NoError(t, err)
			assert.Equal(t, int64(50), rc.Balance)

			// Not covered: reservation consumed and the error surfaced.
			res, err = l.Authorize(ctx, "u1", 40)
			require.NoError(t, err)
			rc, err = l.Settle(ctx, res, 100)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrOverrunNotCovered)
			assert.Equal(t, int64(10), rc.Balance)
			assert.Equal(t, int64(40), rc.Charged)

			var oe *OverrunError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, int64(100), oe.Actual)

			// The reservation is closed either way.
			_, err = l.Release(ctx, res)
			assert.ErrorIs(t, err, ErrReservationNotFound)
		})
	}
}

func TestLedger_UnlimitedPlan(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.SetPlan(ctx, "ent", PlanEnterprise))

			res, err := l.Authorize(ctx, "ent", 5000)
			require.NoError(t, err)
			assert.True(t, res.Unlimited)

			rc, err := l.Settle(ctx, res, 4000)
			require.NoError(t, err)
			assert.Equal(t, DefaultBalance, rc.Balance)
			assert.Equal(t, int64(4000), rc.Charged)
		})
	}
}

func TestLedger_Replenish(t *testing.T) {
	for name, l := range ledgers(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, l.SetPlan(ctx, "pro", PlanPro))

			res, err := l.Authorize(ctx, "pro", 50)
			require.NoError(t, err)
			_, err = l.Settle(ctx, res, 50)
			require.NoError(t, err)

			bal, err := l.Replenish(ctx, "pro")
			require.NoError(t, err)
			assert.Equal(t, int64(2000), bal)
		})
	}
}

func TestLedger_UsageNewestFirst(t *testing.T) {
	for name, l := range ledgers(t, Options{UsageLimit: 2}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, cost := range []int64{1, 2, 3} {
				res, err := l.Authorize(ctx, "u1", cost)
				require.NoError(t, err)
				_, err = l.Settle(ctx, res, cost)
				require.NoError(t, err)
			}

			usage, err := l.Usage(ctx, "u1", 0)
			require.NoError(t, err)
			require.Len(t, usage, 2)
			assert.Equal(t, int64(3), usage[0].Charged)
			assert.Equal(t, int64(2), usage[1].Charged)
		})
	}
}

func TestRedisLedger_UnavailableWrapsSentinel(t *testing.T) {
	mr, l := setupMiniredis(t, Options{})
	mr.SetError("LOADING server is loading")

	_, err := l.GetBalance(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan("pro")
	require.NoError(t, err)
	assert.Equal(t, PlanPro, p)

	p, err = ParsePlan("surbee_max")
	require.NoError(t, err)
	assert.Equal(t, PlanMax, p)

	_, err = ParsePlan("gold")
	assert.Error(t, err)

	assert.True(t, PlanEnterprise.Unlimited())
	assert.Equal(t, int64(100), Plan("bogus").Allotment())
}

func TestSurveyComplexity(t *testing.T) {
	assert.Equal(t, "survey_simple", SurveyComplexity(3))
	assert.Equal(t, "survey_medium", SurveyComplexity(10))
	assert.Equal(t, "survey_complex", SurveyComplexity(16))

	c, ok := ActionCost("survey_complex")
	assert.True(t, ok)
	assert.Equal(t, int64(50), c)
}
