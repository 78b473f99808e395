package engine

import (
	"context"
	"errors"
	"time"

	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/observability"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// retryLedger retries op while it fails with credits.ErrUnavailable.
func retryLedger[T any](ctx context.Context, cfg Config, name string, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryWait
	b.MaxInterval = 2 * time.Second

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !errors.Is(err, credits.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(cfg.LedgerRetries+1))
	observability.RecordLedgerOp(name, ledgerOutcome(err))
	return v, err
}

func ledgerOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, credits.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, credits.ErrFeatureNotAvailable), errors.Is(err, credits.ErrQuotaExceeded):
		return "denied"
	case errors.Is(err, credits.ErrOverrunNotCovered):
		return "overrun"
	case errors.Is(err, credits.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// authorize applies the per-user rate limit and reserves the estimate. The
// reservation id is fixed before the first attempt so a retry after a lost
// reply finds the reservation already made.
func (s *session) authorize() error {
	if l := s.e.deps.Limiter; l != nil && !l.Allow(s.req.UserID) {
		return fail(KindRateLimited, nil, "too many requests for user %s", s.req.UserID)
	}

	est := s.estimate()
	opts := []credits.AuthorizeOption{
		credits.WithReservationID(uuid.NewString()),
		credits.WithAction(s.action),
	}
	if credits.PremiumModel(s.model) {
		opts = append(opts, credits.WithFeatures(credits.FeaturePremiumModels))
	}
	res, err := retryLedger(s.ctx, s.e.cfg, "authorize", func(ctx context.Context) (*credits.Reservation, error) {
		return s.e.deps.Ledger.Authorize(ctx, s.req.UserID, est, opts...)
	})
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var ice *credits.InsufficientCreditsError
		var fe *credits.FeatureError
		var qe *credits.QuotaExceededError
		switch {
		case errors.As(err, &ice):
			return fail(KindInsufficientCredits, err, "balance %d does not cover %d", ice.Balance, ice.Required)
		case errors.Is(err, credits.ErrInsufficientCredits):
			return fail(KindInsufficientCredits, err, "")
		case errors.As(err, &fe):
			return fail(KindFeatureNotAvailable, err, "plan %s does not include %s", fe.Plan, fe.Feature)
		case errors.As(err, &qe):
			return fail(KindQuotaExceeded, err, "%s quota of %d per %s reached", qe.Group, qe.Quota.Limit, qe.Quota.Window)
		}
		return fail(KindLedgerUnavailable, err, "authorize")
	}

	s.res = res
	s.settlement = Settlement{ReservationID: res.ID, Reserved: res.Amount}
	s.logger.Debug("credits reserved",
		zap.String("reservation_id", res.ID),
		zap.String("action", s.action),
		zap.Int64("amount", res.Amount))
	return nil
}

// settle closes the reservation for a session that produced its answer.
func (s *session) settle() error {
	if s.res == nil {
		return fail(KindInternal, nil, "settling without a reservation")
	}
	err := s.close(s.incurred())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, credits.ErrOverrunNotCovered):
		s.logger.Warn("settlement overrun not covered",
			zap.String("reservation_id", s.res.ID),
			zap.Int64("reserved", s.res.Amount),
			zap.Int64("actual", s.settlement.Actual))
		return fail(KindOverrunNotCovered, err, "")
	default:
		return fail(KindLedgerUnavailable, err, "settle")
	}
}

// reconcile closes the reservation on a failed or cancelled path,
// charging only what was incurred.
func (s *session) reconcile() {
	if s.res == nil {
		return
	}
	if err := s.close(s.incurred()); err != nil && !errors.Is(err, credits.ErrOverrunNotCovered) {
		s.logger.Error("failed to reconcile reservation",
			zap.String("reservation_id", s.res.ID),
			zap.Error(err))
	}
}

// close settles actual (or releases when nothing was incurred) on a
// context detached from the session so cancellation cannot leak the
// reservation.
func (s *session) close(actual int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.e.cfg.ReconcileTimeout)
	defer cancel()

	ledger := s.e.deps.Ledger
	s.settlement.Actual = actual

	var rc credits.Receipt
	var err error
	if actual > 0 {
		rc, err = retryLedger(ctx, s.e.cfg, "settle", func(ctx context.Context) (credits.Receipt, error) {
			return ledger.Settle(ctx, s.res, actual)
		})
	} else {
		rc, err = retryLedger(ctx, s.e.cfg, "release", func(ctx context.Context) (credits.Receipt, error) {
			return ledger.Release(ctx, s.res)
		})
		s.settlement.Released = err == nil
	}
	if rc.Replayed {
		s.logger.Debug("reservation close replayed", zap.String("reservation_id", s.res.ID))
	}

	var overrun *credits.OverrunError
	switch {
	case err == nil:
		s.settled = true
		s.settlement.Balance = rc.Balance
		s.settlement.Charged = rc.Charged
	case errors.As(err, &overrun):
		// The reservation is consumed in full and closed.
		s.settled = true
		s.settlement.Balance = overrun.Balance
		s.settlement.Charged = overrun.Reserved
		s.settlement.Error = err.Error()
	default:
		s.settlement.Error = err.Error()
	}
	return err
}
