package credits

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is a process-local Ledger. Each account carries its own mutex,
// so operations on one account serialize while different accounts proceed in
// parallel.
type MemoryLedger struct {
	opts Options

	mu       sync.Mutex
	accounts map[string]*memoryAccount
}

type memoryAccount struct {
	mu      sync.Mutex
	balance int64
	plan    Plan
	open    map[string]Reservation
	usage   []UsageEntry
	// admitted holds admission times per quota group, oldest first.
	admitted map[ActionGroup][]time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts Options) *MemoryLedger {
	return &MemoryLedger{
		opts:     opts.withDefaults(),
		accounts: make(map[string]*memoryAccount),
	}
}

func (l *MemoryLedger) account(userID string) *memoryAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[userID]
	if !ok {
		acct = &memoryAccount{
			balance:  l.opts.DefaultBalance,
			plan:     PlanFree,
			open:     make(map[string]Reservation),
			admitted: make(map[ActionGroup][]time.Time),
		}
		l.accounts[userID] = acct
	}
	return acct
}

// GetBalance returns the current balance, creating the account if needed.
func (l *MemoryLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	acct := l.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

// Authorize reserves estimated credits, debiting them immediately.
func (l *MemoryLedger) Authorize(ctx context.Context, userID string, estimated int64, opts ...AuthorizeOption) (*Reservation, error) {
	if estimated < 0 {
		return nil, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := applyAuthorizeOptions(opts)

	acct := l.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if res, ok := acct.open[o.id]; ok {
		return &res, nil
	}
	if _, ok := acct.closedEntry(o.id); ok {
		return nil, fmt.Errorf("%w: %s is already closed", ErrInvalidReservation, o.id)
	}

	group, quota, limited, err := o.gate(userID, acct.plan)
	if err != nil {
		return nil, err
	}
	now := l.opts.Now().UTC()
	if limited {
		if used := acct.admissions(group, now.Add(-quota.Window)); used >= quota.Limit {
			return nil, &QuotaExceededError{UserID: userID, Plan: acct.plan, Group: group, Quota: quota, Used: used}
		}
	}

	unlimited := acct.plan.Unlimited()
	if !unlimited {
		if acct.balance < estimated {
			return nil, &InsufficientCreditsError{UserID: userID, Balance: acct.balance, Required: estimated}
		}
		acct.balance -= estimated
	}
	if limited {
		acct.admitted[group] = append(acct.admitted[group], now)
	}

	res := Reservation{
		ID:        o.id,
		UserID:    userID,
		Amount:    estimated,
		Unlimited: unlimited,
		Action:    o.action,
		CreatedAt: now,
	}
	acct.open[res.ID] = res
	return &res, nil
}

// admissions prunes admissions older than since and counts the rest.
func (a *memoryAccount) admissions(g ActionGroup, since time.Time) int {
	times := a.admitted[g]
	i := 0
	for i < len(times) && !times[i].After(since) {
		i++
	}
	a.admitted[g] = times[i:]
	return len(times) - i
}

// Settle closes a reservation against the actual cost.
func (l *MemoryLedger) Settle(ctx context.Context, res *Reservation, actual int64) (Receipt, error) {
	if actual < 0 {
		return Receipt{}, ErrInvalidAmount
	}
	return l.close(ctx, res, actual)
}

// Release closes a reservation with a full refund.
func (l *MemoryLedger) Release(ctx context.Context, res *Reservation) (Receipt, error) {
	return l.close(ctx, res, 0)
}

func (l *MemoryLedger) close(ctx context.Context, res *Reservation, actual int64) (Receipt, error) {
	if res == nil {
		return Receipt{}, ErrReservationNotFound
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	acct := l.account(res.UserID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	stored, ok := acct.open[res.ID]
	if !ok {
		if e, found := acct.closedEntry(res.ID); found {
			return replay(e, actual, acct.balance)
		}
		return Receipt{Balance: acct.balance}, ErrReservationNotFound
	}
	delete(acct.open, res.ID)

	var s settlement
	if stored.Unlimited {
		s = settlement{charged: actual, balance: acct.balance}
	} else {
		s = computeSettlement(l.opts.Policy, acct.balance, stored.Amount, actual)
	}
	acct.balance = s.balance
	acct.record(UsageEntry{
		UserID:        stored.UserID,
		ReservationID: stored.ID,
		Action:        stored.Action,
		Reserved:      stored.Amount,
		Actual:        actual,
		Charged:       s.charged,
		BalanceAfter:  s.balance,
		Overrun:       s.overrun,
		At:            l.opts.Now().UTC(),
	}, l.opts.UsageLimit)

	rc := Receipt{ReservationID: stored.ID, Charged: s.charged, Balance: s.balance}
	if s.overrun {
		return rc, &OverrunError{ReservationID: stored.ID, Reserved: stored.Amount, Actual: actual, Balance: s.balance}
	}
	return rc, nil
}

// closedEntry finds the usage entry of a closed reservation still in the
// retained history.
func (a *memoryAccount) closedEntry(id string) (UsageEntry, bool) {
	for i := len(a.usage) - 1; i >= 0; i-- {
		if a.usage[i].ReservationID == id {
			return a.usage[i], true
		}
	}
	return UsageEntry{}, false
}

func (a *memoryAccount) record(e UsageEntry, limit int) {
	a.usage = append(a.usage, e)
	if len(a.usage) > limit {
		a.usage = a.usage[len(a.usage)-limit:]
	}
}

// SetPlan assigns a plan to the account.
func (l *MemoryLedger) SetPlan(ctx context.Context, userID string, plan Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acct := l.account(userID)
	acct.mu.Lock()
	acct.plan = plan
	acct.mu.Unlock()
	return nil
}

// Replenish resets the balance to the plan's monthly allotment.
func (l *MemoryLedger) Replenish(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	acct := l.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if allot := acct.plan.Allotment(); allot != Unlimited {
		acct.balance = allot
	}
	return acct.balance, nil
}

// Usage returns up to limit usage entries, newest first.
func (l *MemoryLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct := l.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	n := len(acct.usage)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]UsageEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, acct.usage[i])
	}
	return out, nil
}

// Accounts lists known account ids in lexical order.
func (l *MemoryLedger) Accounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Strings(ids)
	return ids, nil
}

// OpenReservations reports the number of unsettled reservations for a user.
func (l *MemoryLedger) OpenReservations(userID string) int {
	acct := l.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return len(acct.open)
}

// Close implements Ledger. The memory ledger holds no external resources.
func (l *MemoryLedger) Close() error { return nil }
