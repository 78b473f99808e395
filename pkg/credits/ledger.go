// Package credits implements the per-user credit ledger that gates generation
// requests. Every balance mutation goes through an atomic Ledger operation;
// callers never read-modify-write a balance themselves.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultBalance is the allotment given to an account on first reference.
const DefaultBalance int64 = 100

var (
	// ErrInsufficientCredits is returned when a balance cannot cover an authorization.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrOverrunNotCovered is returned by Settle under OverrunStrict when the
	// actual cost exceeds both the reservation and the remaining balance.
	ErrOverrunNotCovered = errors.New("overrun not covered")
	// ErrReservationNotFound is returned when a reservation is unknown or already closed.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrInvalidAmount is returned for negative costs.
	ErrInvalidAmount = errors.New("invalid credit amount")
	// ErrUnavailable marks transient backend faults. Callers may retry.
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrFeatureNotAvailable is returned when the account's plan lacks a
	// feature the authorization needs.
	ErrFeatureNotAvailable = errors.New("feature not available on plan")
	// ErrQuotaExceeded is returned when the plan's quota for the action's
	// group is used up for the current window.
	ErrQuotaExceeded = errors.New("action quota exceeded")
	// ErrInvalidReservation is returned for malformed or reused reservation ids.
	ErrInvalidReservation = errors.New("invalid reservation id")
)

// InsufficientCreditsError carries the balance observed at authorization time.
type InsufficientCreditsError struct {
	UserID   string
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: balance %d, required %d", e.UserID, e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// OverrunError reports a settlement whose actual cost the account could not cover.
type OverrunError struct {
	ReservationID string
	Reserved      int64
	Actual        int64
	Balance       int64
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("reservation %s: actual %d exceeds reserved %d and balance %d", e.ReservationID, e.Actual, e.Reserved, e.Balance)
}

func (e *OverrunError) Unwrap() error { return ErrOverrunNotCovered }

// FeatureError names the plan feature an authorization was missing.
type FeatureError struct {
	UserID  string
	Plan    Plan
	Feature Feature
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("plan %s of %s does not include %s", e.Plan, e.UserID, e.Feature)
}

func (e *FeatureError) Unwrap() error { return ErrFeatureNotAvailable }

// QuotaExceededError reports a used-up action quota.
type QuotaExceededError struct {
	UserID string
	Plan   Plan
	Group  ActionGroup
	Quota  Quota
	Used   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s used %d of %d %s admissions allowed per %s on plan %s",
		e.UserID, e.Used, e.Quota.Limit, e.Group, e.Quota.Window, e.Plan)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// OverrunPolicy decides what Settle does when the actual cost exceeds the reservation.
type OverrunPolicy int

const (
	// OverrunClamp caps the charge at the reserved amount. Settle never fails.
	OverrunClamp OverrunPolicy = iota
	// OverrunStrict debits the overrun from the remaining balance, failing with
	// ErrOverrunNotCovered (after consuming the full reservation) if it can't.
	OverrunStrict
)

func (p OverrunPolicy) String() string {
	switch p {
	case OverrunStrict:
		return "strict"
	default:
		return "clamp"
	}
}

// ParseOverrunPolicy maps a config value onto a policy.
func ParseOverrunPolicy(s string) (OverrunPolicy, error) {
	switch s {
	case "", "clamp":
		return OverrunClamp, nil
	case "strict":
		return OverrunStrict, nil
	default:
		return OverrunClamp, fmt.Errorf("unknown overrun policy %q", s)
	}
}

// Reservation is a provisional hold created by Authorize. It is closed by
// exactly one Settle or Release.
type Reservation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Unlimited bool      `json:"unlimited,omitempty"`
	Action    string    `json:"action,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageEntry is an audit record appended when a reservation closes. Actual
// is the cost requested at close; Charged is what the ledger took.
type UsageEntry struct {
	UserID        string    `json:"user_id"`
	ReservationID string    `json:"reservation_id"`
	Action        string    `json:"action,omitempty"`
	Reserved      int64     `json:"reserved"`
	Actual        int64     `json:"actual"`
	Charged       int64     `json:"charged"`
	BalanceAfter  int64     `json:"balance_after"`
	Overrun       bool      `json:"overrun,omitempty"`
	At            time.Time `json:"at"`
}

// Receipt reports how a reservation closed.
type Receipt struct {
	ReservationID string `json:"reservation_id"`
	Charged       int64  `json:"charged"`
	Balance       int64  `json:"balance"`
	// Replayed is set when an identical earlier close had already
	// committed and its recorded outcome is returned again.
	Replayed bool `json:"replayed,omitempty"`
}

// Ledger is the credit accounting boundary. Operations on the same account
// are linearizable. Implementations may be remote and return errors wrapping
// ErrUnavailable for transient faults.
//
// Authorize with WithReservationID and repeated identical closes are
// idempotent, so an operation whose reply was lost can be retried.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Authorize(ctx context.Context, userID string, estimated int64, opts ...AuthorizeOption) (*Reservation, error)
	Settle(ctx context.Context, res *Reservation, actual int64) (Receipt, error)
	Release(ctx context.Context, res *Reservation) (Receipt, error)

	SetPlan(ctx context.Context, userID string, plan Plan) error
	Replenish(ctx context.Context, userID string) (int64, error)
	Usage(ctx context.Context, userID string, limit int) ([]UsageEntry, error)
	Accounts(ctx context.Context) ([]string, error)
	Close() error
}

// AuthorizeOption customizes an authorization.
type AuthorizeOption func(*authorizeOptions)

type authorizeOptions struct {
	id       string
	action   string
	features []Feature
}

// WithAction tags the reservation with the credit action it pays for. The
// action's plan features and quota group are checked.
func WithAction(action string) AuthorizeOption {
	return func(o *authorizeOptions) { o.action = action }
}

// WithReservationID makes Authorize idempotent: a repeat with the same id
// returns the reservation already made instead of debiting again.
func WithReservationID(id string) AuthorizeOption {
	return func(o *authorizeOptions) { o.id = id }
}

// WithFeatures requires plan features beyond those of the action.
func WithFeatures(features ...Feature) AuthorizeOption {
	return func(o *authorizeOptions) { o.features = append(o.features, features...) }
}

func applyAuthorizeOptions(opts []AuthorizeOption) authorizeOptions {
	var o authorizeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return o
}

// gate checks the plan's features and returns the quota the authorization
// counts against, if any.
func (o authorizeOptions) gate(userID string, plan Plan) (ActionGroup, Quota, bool, error) {
	required := append(RequiredFeatures(o.action), o.features...)
	for _, f := range required {
		if !plan.HasFeature(f) {
			return "", Quota{}, false, &FeatureError{UserID: userID, Plan: plan, Feature: f}
		}
	}
	g, ok := ActionGroupOf(o.action)
	if !ok {
		return "", Quota{}, false, nil
	}
	q, ok := plan.Quota(g)
	return g, q, ok, nil
}

// replay answers a repeated close from its usage entry. A close with a
// different amount is not a retry and finds no open reservation.
func replay(e UsageEntry, actual, balance int64) (Receipt, error) {
	if e.Actual != actual {
		return Receipt{Balance: balance}, ErrReservationNotFound
	}
	rc := Receipt{ReservationID: e.ReservationID, Charged: e.Charged, Balance: balance, Replayed: true}
	if e.Overrun {
		return rc, &OverrunError{ReservationID: e.ReservationID, Reserved: e.Reserved, Actual: actual, Balance: balance}
	}
	return rc, nil
}

// Options configures ledger construction.
type Options struct {
	DefaultBalance int64
	Policy         OverrunPolicy
	// UsageLimit bounds the per-account audit history kept (default 100).
	UsageLimit int
	// ClosedTTL is how long the Redis ledger remembers a closed reservation
	// so a retried close replays its outcome (default 24h).
	ClosedTTL time.Duration
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultBalance <= 0 {
		o.DefaultBalance = DefaultBalance
	}
	if o.UsageLimit <= 0 {
		o.UsageLimit = 100
	}
	if o.ClosedTTL <= 0 {
		o.ClosedTTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// settlement computes the outcome of closing a reservation against an
// available balance (balance excluding the reservation). The redis closeScript
// mirrors this logic and must be kept in sync.
type settlement struct {
	charged int64
	balance int64
	overrun bool
}

func computeSettlement(policy OverrunPolicy, balance, reserved, actual int64) settlement {
	if actual <= reserved {
		return settlement{charged: actual, balance: balance + (reserved - actual)}
	}
	if policy == OverrunClamp {
		return settlement{charged: reserved, balance: balance}
	}
	extra := actual - reserved
	if balance >= extra {
		return settlement{charged: actual, balance: balance - extra}
	}
	return settlement{charged: reserved, balance: balance, overrun: true}
}
