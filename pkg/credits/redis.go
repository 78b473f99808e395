package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores accounts and reservations in Redis. Every mutation is a
// single Lua script so concurrent processes sharing one Redis stay
// linearizable per account.
type RedisLedger struct {
	client *redis.Client
	prefix string
	opts   Options
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all ledger keys (default: "genorch:credits:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultRedisPrefix = "genorch:credits:"

// ensureAccount is prepended to every script that touches an account.
// KEYS[1] account hash, KEYS[2] account index set, ARGV[1] default balance,
// ARGV[2] user id.
const ensureAccount = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'plan', 'free_user')
  redis.call('SADD', KEYS[2], ARGV[2])
end
`

var balanceScript = redis.NewScript(ensureAccount + `
return tonumber(redis.call('HGET', KEYS[1], 'balance'))
`)

// KEYS[3] reservation hash, KEYS[4] quota sorted set. ARGV[3] estimate,
// ARGV[4] reservation id, ARGV[5] action, ARGV[6] created_at, ARGV[7]
// unlimited plan name, ARGV[8] now in ms, ARGV[9] plan gates encoded as
// "plan:allowed:limit:window_ms;" (see gates), ARGV[10] fallback gate index.
// Returns {status, value, unlimited, gate}: 1 ok with balance, 0
// insufficient with balance, 2 replay with amount, 3 closed, 4 feature
// missing, 5 quota exceeded with used count.
var authorizeScript = redis.NewScript(ensureAccount + `
local existing = redis.call('HMGET', KEYS[3], 'amount', 'unlimited', 'closed')
if existing[1] then
  if existing[3] == '1' then
    return {3, 0, 0, 0}
  end
  return {2, tonumber(existing[1]), tonumber(existing[2]), 0}
end
local plan = redis.call('HGET', KEYS[1], 'plan')
local gates = {}
local chosen = nil
local i = 0
for p, a, lim, win in string.gmatch(ARGV[9], '([^:;]+):(%d):(%-?%d+):(%d+)') do
  i = i + 1
  gates[i] = {tonumber(a), tonumber(lim), tonumber(win)}
  if p == plan then
    chosen = i
  end
end
if chosen == nil then
  chosen = tonumber(ARGV[10])
end
local g = gates[chosen]
if g[1] == 0 then
  return {4, 0, 0, chosen}
end
local now = tonumber(ARGV[8])
if g[2] >= 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', now - g[3])
  local used = redis.call('ZCARD', KEYS[4])
  if used >= g[2] then
    return {5, used, 0, chosen}
  end
end
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance'))
local unlimited = 0
if plan == ARGV[7] then
  unlimited = 1
end
local est = tonumber(ARGV[3])
if unlimited == 0 then
  if balance < est then
    return {0, balance, 0, 0}
  end
  balance = balance - est
  redis.call('HSET', KEYS[1], 'balance', balance)
end
if g[2] >= 0 then
  redis.call('ZADD', KEYS[4], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[4], g[3])
end
redis.call('HSET', KEYS[3], 'user', ARGV[2], 'amount', est, 'unlimited', unlimited, 'action', ARGV[5], 'created_at', ARGV[6])
return {1, balance, unlimited, 0}
`)

// KEYS[3] reservation hash, KEYS[4] usage list. ARGV[3] actual, ARGV[4]
// policy, ARGV[5] reservation id, ARGV[6] timestamp, ARGV[7] usage limit,
// ARGV[8] closed retention in ms. A closed reservation keeps its outcome
// until it expires. Returns {status, balance, charged, overrun}: 1 closed
// now, 2 replay of an identical close, 0 not found.
var closeScript = redis.NewScript(ensureAccount + `
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance'))
local f = redis.call('HMGET', KEYS[3], 'amount', 'unlimited', 'action', 'closed', 'actual', 'charged', 'overrun')
if not f[1] then
  return {0, balance, 0, 0}
end
local actual = tonumber(ARGV[3])
if f[4] == '1' then
  if tonumber(f[5]) ~= actual then
    return {0, balance, 0, 0}
  end
  return {2, balance, tonumber(f[6]), tonumber(f[7])}
end
local reserved = tonumber(f[1])
local unlimited = tonumber(f[2])
local action = f[3] or ''
local charged = actual
local overrun = 0
if unlimited == 0 then
  if actual <= reserved then
    balance = balance + (reserved - actual)
  elseif ARGV[4] == 'clamp' then
    charged = reserved
  else
    local extra = actual - reserved
    if balance >= extra then
      balance = balance - extra
    else
      charged = reserved
      overrun = 1
    end
  end
  redis.call('HSET', KEYS[1], 'balance', balance)
end
redis.call('HSET', KEYS[3], 'closed', 1, 'actual', actual, 'charged', charged, 'overrun', overrun)
redis.call('PEXPIRE', KEYS[3], ARGV[8])
redis.call('LPUSH', KEYS[4], ARGV[5] .. '|' .. reserved .. '|' .. actual .. '|' .. charged .. '|' .. balance .. '|' .. ARGV[6] .. '|' .. overrun .. '|' .. action)
redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[7]) - 1)
return {1, balance, charged, overrun}
`)

// ARGV[3] plan.
var setPlanScript = redis.NewScript(ensureAccount + `
redis.call('HSET', KEYS[1], 'plan', ARGV[3])
return 1
`)

// ARGV[3..] pairs of plan name and allotment.
var replenishScript = redis.NewScript(ensureAccount + `
local plan = redis.call('HGET', KEYS[1], 'plan')
local allot = nil
for i = 3, #ARGV, 2 do
  if ARGV[i] == plan then
    allot = tonumber(ARGV[i + 1])
  end
end
if allot == nil then
  allot = tonumber(ARGV[1])
end
if allot >= 0 then
  redis.call('HSET', KEYS[1], 'balance', allot)
end
return tonumber(redis.call('HGET', KEYS[1], 'balance'))
`)

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(cfg RedisConfig, opts Options) (*RedisLedger, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisLedgerFromClient(client, cfg.Prefix, opts), nil
}

// NewRedisLedgerFromClient creates a ledger over an existing client.
// This is useful for testing with miniredis.
func NewRedisLedgerFromClient(client *redis.Client, prefix string, opts Options) *RedisLedger {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLedger{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}
}

// Key helpers
func (l *RedisLedger) accountKey(userID string) string {
	return l.prefix + "account:" + userID
}

func (l *RedisLedger) accountsKey() string {
	return l.prefix + "accounts"
}

func (l *RedisLedger) reservationKey(id string) string {
	return l.prefix + "reservation:" + id
}

func (l *RedisLedger) usageKey(userID string) string {
	return l.prefix + "usage:" + userID
}

func (l *RedisLedger) quotaKey(userID string, g ActionGroup) string {
	return l.prefix + "quota:" + userID + ":" + string(g)
}

func (l *RedisLedger) baseKeys(userID string) []string {
	return []string{l.accountKey(userID), l.accountsKey()}
}

func (l *RedisLedger) baseArgs(userID string) []any {
	return []any{l.opts.DefaultBalance, userID}
}

// wrap maps client errors onto ErrUnavailable unless the caller's context ended.
func wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Ping checks connectivity.
func (l *RedisLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return wrap(ctx, "ping", err)
	}
	return nil
}

// GetBalance returns the current balance, creating the account if needed.
func (l *RedisLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	n, err := balanceScript.Run(ctx, l.client, l.baseKeys(userID), l.baseArgs(userID)...).Int64()
	if err != nil {
		return 0, wrap(ctx, "get balance", err)
	}
	return n, nil
}

// gatePlans fixes the order plans are encoded in for authorizeScript.
var gatePlans = func() []Plan {
	plans := make([]Plan, 0, len(Plans))
	for p := range Plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i] < plans[j] })
	return plans
}()

// gates encodes, for every plan, whether the authorization passes its
// feature check and which quota applies. It returns the encoding, the
// 1-based index of the free plan and the quota group.
func gates(userID string, o authorizeOptions) (string, int, ActionGroup) {
	var b strings.Builder
	fallback := 1
	var group ActionGroup
	for i, p := range gatePlans {
		if p == PlanFree {
			fallback = i + 1
		}
		g, q, limited, err := o.gate(userID, p)
		allowed, limit, window := 1, -1, int64(0)
		switch {
		case err != nil:
			allowed = 0
		case limited:
			group = g
			limit, window = q.Limit, q.Window.Milliseconds()
		}
		fmt.Fprintf(&b, "%s:%d:%d:%d;", p, allowed, limit, window)
	}
	if group == "" {
		group, _ = ActionGroupOf(o.action)
	}
	return b.String(), fallback, group
}

// Authorize reserves estimated credits, debiting them immediately.
func (l *RedisLedger) Authorize(ctx context.Context, userID string, estimated int64, opts ...AuthorizeOption) (*Reservation, error) {
	if estimated < 0 {
		return nil, ErrInvalidAmount
	}
	o := applyAuthorizeOptions(opts)
	now := l.opts.Now().UTC()
	res := &Reservation{
		ID:        o.id,
		UserID:    userID,
		Amount:    estimated,
		Action:    o.action,
		CreatedAt: now,
	}

	encoded, fallback, group := gates(userID, o)
	keys := append(l.baseKeys(userID), l.reservationKey(res.ID), l.quotaKey(userID, group))
	args := append(l.baseArgs(userID),
		estimated, res.ID, o.action, now.Format(time.RFC3339Nano), string(PlanEnterprise),
		now.UnixMilli(), encoded, fallback)

	out, err := authorizeScript.Run(ctx, l.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, wrap(ctx, "authorize", err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("%w: authorize: unexpected reply %v", ErrUnavailable, out)
	}
	switch out[0] {
	case 1:
		res.Unlimited = out[2] == 1
		return res, nil
	case 2:
		res.Amount = out[1]
		res.Unlimited = out[2] == 1
		return res, nil
	case 0:
		return nil, &InsufficientCreditsError{UserID: userID, Balance: out[1], Required: estimated}
	case 3:
		return nil, fmt.Errorf("%w: %s is already closed", ErrInvalidReservation, res.ID)
	case 4, 5:
		if out[3] < 1 || int(out[3]) > len(gatePlans) {
			break
		}
		plan := gatePlans[out[3]-1]
		g, q, _, gateErr := o.gate(userID, plan)
		if out[0] == 4 && gateErr != nil {
			return nil, gateErr
		}
		if out[0] == 5 {
			return nil, &QuotaExceededError{UserID: userID, Plan: plan, Group: g, Quota: q, Used: int(out[1])}
		}
	}
	return nil, fmt.Errorf("%w: authorize: unexpected reply %v", ErrUnavailable, out)
}

// Settle closes a reservation against the actual cost.
func (l *RedisLedger) Settle(ctx context.Context, res *Reservation, actual int64) (Receipt, error) {
	if actual < 0 {
		return Receipt{}, ErrInvalidAmount
	}
	return l.close(ctx, res, actual)
}

// Release closes a reservation with a full refund.
func (l *RedisLedger) Release(ctx context.Context, res *Reservation) (Receipt, error) {
	return l.close(ctx, res, 0)
}

func (l *RedisLedger) close(ctx context.Context, res *Reservation, actual int64) (Receipt, error) {
	if res == nil {
		return Receipt{}, ErrReservationNotFound
	}
	keys := append(l.baseKeys(res.UserID), l.reservationKey(res.ID), l.usageKey(res.UserID))
	args := append(l.baseArgs(res.UserID),
		actual, l.opts.Policy.String(), res.ID, l.opts.Now().UTC().UnixNano(), l.opts.UsageLimit,
		l.opts.ClosedTTL.Milliseconds())

	out, err := closeScript.Run(ctx, l.client, keys, args...).Int64Slice()
	if err != nil {
		return Receipt{}, wrap(ctx, "settle", err)
	}
	if len(out) != 4 {
		return Receipt{}, fmt.Errorf("%w: settle: unexpected reply %v", ErrUnavailable, out)
	}
	rc := Receipt{ReservationID: res.ID, Balance: out[1], Charged: out[2], Replayed: out[0] == 2}
	if out[0] == 0 {
		return Receipt{Balance: out[1]}, ErrReservationNotFound
	}
	if out[3] == 1 {
		return rc, &OverrunError{ReservationID: res.ID, Reserved: res.Amount, Actual: actual, Balance: rc.Balance}
	}
	return rc, nil
}

// SetPlan assigns a plan to the account.
func (l *RedisLedger) SetPlan(ctx context.Context, userID string, plan Plan) error {
	args := append(l.baseArgs(userID), string(plan))
	if err := setPlanScript.Run(ctx, l.client, l.baseKeys(userID), args...).Err(); err != nil {
		return wrap(ctx, "set plan", err)
	}
	return nil
}

// Replenish resets the balance to the plan's monthly allotment.
func (l *RedisLedger) Replenish(ctx context.Context, userID string) (int64, error) {
	args := l.baseArgs(userID)
	for plan, cfg := range Plans {
		args = append(args, string(plan), cfg.MonthlyCredits)
	}
	n, err := replenishScript.Run(ctx, l.client, l.baseKeys(userID), args...).Int64()
	if err != nil {
		return 0, wrap(ctx, "replenish", err)
	}
	return n, nil
}

// Usage returns up to limit usage entries, newest first.
func (l *RedisLedger) Usage(ctx context.Context, userID string, limit int) ([]UsageEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	rows, err := l.client.LRange(ctx, l.usageKey(userID), 0, stop).Result()
	if err != nil {
		return nil, wrap(ctx, "usage", err)
	}

	entries := make([]UsageEntry, 0, len(rows))
	for _, row := range rows {
		e, err := parseUsageRow(userID, row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// parseUsageRow decodes "id|reserved|actual|charged|balance|unixnano|overrun|action".
func parseUsageRow(userID, row string) (UsageEntry, error) {
	parts := strings.SplitN(row, "|", 8)
	if len(parts) != 8 {
		return UsageEntry{}, fmt.Errorf("malformed usage row %q", row)
	}
	var nums [6]int64
	for i, p := range parts[1:7] {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return UsageEntry{}, fmt.Errorf("malformed usage row %q: %w", row, err)
		}
		nums[i] = n
	}
	return UsageEntry{
		UserID:        userID,
		ReservationID: parts[0],
		Action:        parts[7],
		Reserved:      nums[0],
		Actual:        nums[1],
		Charged:       nums[2],
		BalanceAfter:  nums[3],
		At:            time.Unix(0, nums[4]).UTC(),
		Overrun:       nums[5] == 1,
	}, nil
}

// Accounts lists known account ids in lexical order.
func (l *RedisLedger) Accounts(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.accountsKey()).Result()
	if err != nil {
		return nil, wrap(ctx, "accounts", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the underlying client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
