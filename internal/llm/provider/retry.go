package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryingProvider retries retryable failures that occur before the
// first event of a turn. Once an event has been delivered, errors are
// surfaced as is.
type RetryingProvider struct {
	next    Provider
	retries uint
	wait    time.Duration
	logger  *zap.Logger
}

// WithRetry wraps next with up to retries additional attempts.
func WithRetry(next Provider, retries uint, logger *zap.Logger) *RetryingProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingProvider{next: next, retries: retries, wait: 250 * time.Millisecond, logger: logger}
}

// SetWait sets the initial backoff interval.
func (r *RetryingProvider) SetWait(d time.Duration) {
	if d > 0 {
		r.wait = d
	}
}

// Name returns the wrapped provider's name.
func (r *RetryingProvider) Name() string {
	return r.next.Name()
}

// Stream implements Provider.
func (r *RetryingProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.wait
	b.MaxInterval = 5 * time.Second

	attempt := 0
	return backoff.Retry(ctx, func() (Stream, error) {
		attempt++
		s, err := r.next.Stream(ctx, req)
		if err != nil {
			return nil, r.classify(err)
		}
		first, err := s.Recv()
		if err != nil {
			s.Close()
			if errors.Is(err, io.EOF) {
				return nil, backoff.Permanent(Malformed(r.next.Name(), "stream ended without a turn_complete event"))
			}
			return nil, r.classify(err)
		}
		return &peekedStream{Stream: s, first: &first}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.retries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("retrying model request",
				zap.String("provider", r.next.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
}

func (r *RetryingProvider) classify(err error) error {
	if IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// peekedStream replays an event read ahead of the caller.
type peekedStream struct {
	Stream
	first *Event
}

func (s *peekedStream) Recv() (Event, error) {
	if s.first != nil {
		ev := *s.first
		s.first = nil
		return ev, nil
	}
	return s.Stream.Recv()
}
