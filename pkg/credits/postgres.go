package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger keeps accounts in Postgres. Each operation is one
// transaction holding a row lock on the account.
type PostgresLedger struct {
	pool *pgxpool.Pool
	opts Options
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id    TEXT PRIMARY KEY,
	balance    BIGINT NOT NULL CHECK (balance >= 0),
	plan       TEXT NOT NULL DEFAULT 'free_user',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS credit_reservations (
	id         UUID PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES credit_accounts (user_id),
	amount     BIGINT NOT NULL,
	unlimited  BOOLEAN NOT NULL DEFAULT false,
	action     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_usage (
	id             BIGSERIAL PRIMARY KEY,
	user_id        TEXT NOT NULL,
	reservation_id UUID NOT NULL,
	action         TEXT NOT NULL DEFAULT '',
	reserved       BIGINT NOT NULL,
	charged        BIGINT NOT NULL,
	balance_after  BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
ALTER TABLE credit_usage ADD COLUMN IF NOT EXISTS actual BIGINT NOT NULL DEFAULT 0;
ALTER TABLE credit_usage ADD COLUMN IF NOT EXISTS overrun BOOLEAN NOT NULL DEFAULT false;
CREATE INDEX IF NOT EXISTS credit_usage_user_idx ON credit_usage (user_id, id DESC);
CREATE UNIQUE INDEX IF NOT EXISTS credit_usage_reservation_idx ON credit_usage (reservation_id);
CREATE TABLE IF NOT EXISTS credit_admissions (
	user_id        TEXT NOT NULL,
	grp            TEXT NOT NULL,
	reservation_id UUID NOT NULL,
	admitted_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS credit_admissions_window_idx ON credit_admissions (user_id, grp, admitted_at);
`

// NewPostgresLedger opens a pool and verifies connectivity.
func NewPostgresLedger(databaseURL string, opts Options) (*PostgresLedger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return NewPostgresLedgerFromPool(pool, opts), nil
}

// NewPostgresLedgerFromPool wraps an existing pool.
func NewPostgresLedgerFromPool(pool *pgxpool.Pool, opts Options) *PostgresLedger {
	return &PostgresLedger{pool: pool, opts: opts.withDefaults()}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	if err := l.pool.Ping(ctx); err != nil {
		return wrap(ctx, "ping", err)
	}
	return nil
}

// lockAccount creates the account if needed and locks its row.
func (l *PostgresLedger) lockAccount(ctx context.Context, tx pgx.Tx, userID string) (int64, Plan, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (user_id, balance) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING`,
		userID, l.opts.DefaultBalance); err != nil {
		return 0, "", err
	}
	var balance int64
	var plan string
	err := tx.QueryRow(ctx,
		`SELECT balance, plan FROM credit_accounts WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&balance, &plan)
	if err != nil {
		return 0, "", err
	}
	return balance, Plan(plan), nil
}

func (l *PostgresLedger) setBalance(ctx context.Context, tx pgx.Tx, userID string, balance int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE credit_accounts SET balance = $2, updated_at = now() WHERE user_id = $1`,
		userID, balance)
	return err
}

// inTx runs fn in a transaction and maps infrastructure failures onto ErrUnavailable.
func (l *PostgresLedger) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, l.pool, pgx.TxOptions{}, fn)
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		ErrInsufficientCredits, ErrReservationNotFound, ErrInvalidReservation,
		ErrFeatureNotAvailable, ErrQuotaExceeded,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return wrap(ctx, op, err)
}

// GetBalance returns the current balance, creating the account if needed.
func (l *PostgresLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.inTx(ctx, "get balance", func(tx pgx.Tx) error {
		b, _, err := l.lockAccount(ctx, tx, userID)
		balance = b
		return err
	})
	return balance, err
}

// Authorize reserves estimated credits, debiting them immediately.
func (l *PostgresLedger) Authorize(ctx context.Context, userID string, estimated int64, opts ...AuthorizeOption) (*Reservation, error) {
	if estimated < 0 {
		return nil, ErrInvalidAmount
	}
	o := applyAuthorizeOptions(opts)
	if _, err := uuid.Parse(o.id); err != nil {
		return nil, fmt.Errorf("%w: %q is not a uuid", ErrInvalidReservation, o.id)
	}
	res := &Reservation{
		ID:        o.id,
		UserID:    userID,
		Amount:    estimated,
		Action:    o.action,
		CreatedAt: l.opts.Now().UTC(),
	}

	err := l.inTx(ctx, "authorize", func(tx pgx.Tx) error {
		balance, plan, err := l.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		found, err := l.existing(ctx, tx, res)
		if err != nil || found {
			return err
		}

		g, q, limited, err := o.gate(userID, plan)
		if err != nil {
			return err
		}
		if limited {
			var used int
			if err := tx.QueryRow(ctx,
				`SELECT count(*) FROM credit_admissions
				 WHERE user_id = $1 AND grp = $2 AND admitted_at > $3`,
				userID, string(g), res.CreatedAt.Add(-q.Window)).Scan(&used); err != nil {
				return err
			}
			if used >= q.Limit {
				return &QuotaExceededError{UserID: userID, Plan: plan, Group: g, Quota: q, Used: used}
			}
		}

		res.Unlimited = plan.Unlimited()
		if !res.Unlimited {
			if balance < estimated {
				return &InsufficientCreditsError{UserID: userID, Balance: balance, Required: estimated}
			}
			if err := l.setBalance(ctx, tx, userID, balance-estimated); err != nil {
				return err
			}
		}
		if limited {
			if _, err := tx.Exec(ctx,
				`DELETE FROM credit_admissions WHERE user_id = $1 AND grp = $2 AND admitted_at <= $3`,
				userID, string(g), res.CreatedAt.Add(-q.Window)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO credit_admissions (user_id, grp, reservation_id, admitted_at) VALUES ($1, $2, $3, $4)`,
				userID, string(g), res.ID, res.CreatedAt); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO credit_reservations (id, user_id, amount, unlimited, action, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			res.ID, userID, estimated, res.Unlimited, o.action, res.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// existing fills res from an open reservation with its id. It fails if the
// id belongs to a closed reservation.
func (l *PostgresLedger) existing(ctx context.Context, tx pgx.Tx, res *Reservation) (bool, error) {
	err := tx.QueryRow(ctx,
		`SELECT amount, unlimited, action, created_at FROM credit_reservations WHERE id = $1 AND user_id = $2`,
		res.ID, res.UserID).Scan(&res.Amount, &res.Unlimited, &res.Action, &res.CreatedAt)
	if err == nil {
		res.CreatedAt = res.CreatedAt.UTC()
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	var closed bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_usage WHERE reservation_id = $1)`,
		res.ID).Scan(&closed); err != nil {
		return false, err
	}
	if closed {
		return false, fmt.Errorf("%w: %s is already closed", ErrInvalidReservation, res.ID)
	}
	return false, nil
}

// Settle closes a reservation against the actual cost.
func (l *PostgresLedger) Settle(ctx context.Context, res *Reservation, actual int64) (Receipt, error) {
	if actual < 0 {
		return Receipt{}, ErrInvalidAmount
	}
	return l.close(ctx, res, actual)
}

// Release closes a reservation with a full refund.
func (l *PostgresLedger) Release(ctx context.Context, res *Reservation) (Receipt, error) {
	return l.close(ctx, res, 0)
}

func (l *PostgresLedger) close(ctx context.Context, res *Reservation, actual int64) (Receipt, error) {
	if res == nil {
		return Receipt{}, ErrReservationNotFound
	}

	var rc Receipt
	var replayErr error
	var s settlement
	var reserved int64
	err := l.inTx(ctx, "settle", func(tx pgx.Tx) error {
		balance, _, err := l.lockAccount(ctx, tx, res.UserID)
		if err != nil {
			return err
		}

		var unlimited bool
		var action string
		err = tx.QueryRow(ctx,
			`DELETE FROM credit_reservations WHERE id = $1 AND user_id = $2
			 RETURNING amount, unlimited, action`,
			res.ID, res.UserID).Scan(&reserved, &unlimited, &action)
		if errors.Is(err, pgx.ErrNoRows) {
			e := UsageEntry{UserID: res.UserID, ReservationID: res.ID}
			err = tx.QueryRow(ctx,
				`SELECT reserved, actual, charged, overrun FROM credit_usage
				 WHERE reservation_id = $1 AND user_id = $2`,
				res.ID, res.UserID).Scan(&e.Reserved, &e.Actual, &e.Charged, &e.Overrun)
			if errors.Is(err, pgx.ErrNoRows) {
				rc.Balance = balance
				return ErrReservationNotFound
			}
			if err != nil {
				return err
			}
			rc, replayErr = replay(e, actual, balance)
			if errors.Is(replayErr, ErrReservationNotFound) {
				return replayErr
			}
			return nil
		}
		if err != nil {
			return err
		}

		if unlimited {
			s = settlement{charged: actual, balance: balance}
		} else {
			s = computeSettlement(l.opts.Policy, balance, reserved, actual)
			if err := l.setBalance(ctx, tx, res.UserID, s.balance); err != nil {
				return err
			}
		}
		rc = Receipt{ReservationID: res.ID, Charged: s.charged, Balance: s.balance}

		_, err = tx.Exec(ctx,
			`INSERT INTO credit_usage (user_id, reservation_id, action, reserved, actual, charged, balance_after, overrun, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			res.UserID, res.ID, action, reserved, actual, s.charged, s.balance, s.overrun, l.opts.Now().UTC())
		return err
	})
	if err != nil {
		return rc, err
	}
	if replayErr != nil {
		return rc, replayErr
	}
	if s.overrun {
		return rc, &OverrunError{ReservationID: res.ID, Reserved: reserved, Actual: actual, Balance: s.balance}
	}
	return rc, nil
}

// SetPlan assigns a plan to the account.
func (l *PostgresLedger) SetPlan(ctx context.Context, userID string, plan Plan) error {
	return l.inTx(ctx, "set plan", func(tx pgx.Tx) error {
		if _, _, err := l.lockAccount(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET plan = $2, updated_at = now() WHERE user_id = $1`,
			userID, string(plan))
		return err
	})
}

// Replenish resets the balance to the plan's monthly allotment.
func (l *PostgresLedger) Replenish(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.inTx(ctx, "replenish", func(tx pgx.Tx) error {
		b, plan, err := l.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		balance = b
		allot := plan.Allotment()
		if allot == Unlimited {
			return nil
		}
		balance = allot
		return l.setBalance(ctx, tx, userID, allot)
	})
	return balance, err
}

// Usage returns up to limit usage entries, newest first.
func (l *PostgresLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageEntry, error) {
	if limit <= 0 {
		limit = l.opts.UsageLimit
	}
	rows, err := l.pool.Query(ctx,
		`SELECT reservation_id::text, action, reserved, actual, charged, balance_after, overrun, created_at
		 FROM credit_usage WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, wrap(ctx, "usage", err)
	}
	defer rows.Close()

	var entries []UsageEntry
	for rows.Next() {
		e := UsageEntry{UserID: userID}
		if err := rows.Scan(&e.ReservationID, &e.Action, &e.Reserved, &e.Actual, &e.Charged, &e.BalanceAfter, &e.Overrun, &e.At); err != nil {
			return nil, wrap(ctx, "usage", err)
		}
		e.At = e.At.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ctx, "usage", err)
	}
	return entries, nil
}

// Accounts lists known account ids in lexical order.
func (l *PostgresLedger) Accounts(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT user_id FROM credit_accounts ORDER BY user_id`)
	if err != nil {
		return nil, wrap(ctx, "accounts", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap(ctx, "accounts", err)
	}
	return ids, nil
}

// Close closes the pool.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
