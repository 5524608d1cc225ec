// Package budget enforces per-account daily spend caps with a
// reserve-then-commit protocol.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrBudgetExceeded is returned when a reservation would push an account
	// over its cap.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrUnknownReservation is returned when committing or releasing a
	// reservation that is not open.
	ErrUnknownReservation = errors.New("unknown or settled reservation")
	// ErrInvalidAmount is returned for NaN, infinite or out of range amounts.
	ErrInvalidAmount = errors.New("invalid amount")
)

const periodLayout = "2006-01-02"

// MaxAmountUSD bounds any single amount so micro-dollar sums cannot overflow.
const MaxAmountUSD = 1e9

const maxMicros = int64(MaxAmountUSD * 1e6)

// Window is the spend state of one account for the current period.
type Window struct {
	Account    string  `json:"account"`
	Period     string  `json:"period"`
	CapUSD     float64 `json:"cap_usd"`
	SpentUSD   float64 `json:"spent_usd"`
	PendingUSD float64 `json:"pending_usd"`
	Requests   int     `json:"requests"`
}

// Reservation is an outstanding hold against an account's budget.
type Reservation struct {
	ID        string
	Account   string
	AmountUSD float64

	amount int64
	period string
}

type account struct {
	mu           sync.Mutex
	cap          int64
	hasCap       bool
	period       string
	spent        int64
	pending      int64
	requests     int
	reservations map[string]struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLocation sets the zone whose midnight starts a new period.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger tracks spend per account. All amounts are held as integer
// micro-dollars.
type Ledger struct {
	defaultCap int64
	now        func() time.Time
	loc        *time.Location
	logger     *zap.Logger

	mu       sync.RWMutex
	accounts map[string]*account
}

// New creates a Ledger whose accounts default to defaultCapUSD per day.
// A cap of zero means unlimited.
func New(defaultCapUSD float64, opts ...Option) *Ledger {
	l := &Ledger{
		defaultCap: toMicros(defaultCapUSD),
		now:        time.Now,
		loc:        time.UTC,
		logger:     zap.NewNop(),
		accounts:   make(map[string]*account),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ReserveOption adjusts a single reservation.
type ReserveOption func(*reserveOptions)

type reserveOptions struct {
	cap    int64
	hasCap bool
}

// WithCapOverride replaces the account's cap for this reservation only.
func WithCapOverride(capUSD float64) ReserveOption {
	return func(o *reserveOptions) {
		o.cap = toMicros(capUSD)
		o.hasCap = true
	}
}

// SetCap sets a per-account cap, overriding the ledger default.
func (l *Ledger) SetCap(accountID string, capUSD float64) {
	a := l.account(accountID)
	a.mu.Lock()
	a.cap = toMicros(capUSD)
	a.hasCap = true
	a.mu.Unlock()
}

// Reserve atomically checks that estimateUSD fits under the account's cap
// and holds it as pending spend.
func (l *Ledger) Reserve(accountID string, estimateUSD float64, opts ...ReserveOption) (*Reservation, error) {
	var ro reserveOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if !validAmount(estimateUSD) {
		return nil, fmt.Errorf("%w: %w: estimate %v for account %s",
			ErrBudgetExceeded, ErrInvalidAmount, estimateUSD, accountID)
	}
	amount := toMicros(estimateUSD)
	if amount < 0 {
		amount = 0
	}

	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	l.roll(accountID, a)

	limit := l.capOf(a)
	if ro.hasCap {
		limit = ro.cap
	}
	if limit > 0 && a.spent+a.pending+amount > limit {
		l.logger.Warn("budget reservation rejected",
			zap.String("account", accountID),
			zap.Float64("estimate_usd", toUSD(amount)),
			zap.Float64("spent_usd", toUSD(a.spent)),
			zap.Float64("pending_usd", toUSD(a.pending)),
			zap.Float64("cap_usd", toUSD(limit)))
		return nil, fmt.Errorf("%w: account %s would reach $%.4f of $%.2f daily cap",
			ErrBudgetExceeded, accountID, toUSD(a.spent+a.pending+amount), toUSD(limit))
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		Account:   accountID,
		AmountUSD: toUSD(amount),
		amount:    amount,
		period:    a.period,
	}
	a.pending += amount
	a.reservations[res.ID] = struct{}{}
	return res, nil
}

// Commit settles a reservation at actualUSD. The difference to the estimate
// is refunded or accepted as overage. If the period rolled since the
// reservation was made the actual cost is charged to the new period.
// An oversized or +Inf actualUSD is charged as MaxAmountUSD, any other
// invalid value as the reserved amount. Both settle and return
// ErrInvalidAmount.
func (l *Ledger) Commit(res *Reservation, actualUSD float64) error {
	var invalid error
	var actual int64
	switch {
	case validAmount(actualUSD):
		actual = toMicros(actualUSD)
	case res != nil && (math.IsInf(actualUSD, 1) || actualUSD > MaxAmountUSD):
		actual = maxMicros
		invalid = fmt.Errorf("%w: actual %v", ErrInvalidAmount, actualUSD)
	case res != nil:
		actual = res.amount
		invalid = fmt.Errorf("%w: actual %v", ErrInvalidAmount, actualUSD)
	}
	if actual < 0 {
		actual = 0
	}
	if err := l.settle(res, func(a *account) {
		a.spent += actual
		a.requests++
	}); err != nil {
		return err
	}
	return invalid
}

// Release cancels a reservation without charging anything.
func (l *Ledger) Release(res *Reservation) error {
	return l.settle(res, func(*account) {})
}

func (l *Ledger) settle(res *Reservation, apply func(*account)) error {
	if res == nil {
		return ErrUnknownReservation
	}
	a := l.account(res.Account)
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reservations[res.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, res.ID)
	}
	delete(a.reservations, res.ID)
	l.roll(res.Account, a)
	if res.period == a.period {
		a.pending -= res.amount
	}
	apply(a)
	return nil
}

// Remaining returns the unreserved budget for an account. overrideUSD, when
// positive, replaces the cap. The boolean is false when the budget is
// unlimited.
func (l *Ledger) Remaining(accountID string, overrideUSD float64) (float64, bool) {
	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	l.roll(accountID, a)

	limit := l.capOf(a)
	if overrideUSD > 0 {
		limit = toMicros(overrideUSD)
	}
	if limit <= 0 {
		return 0, false
	}
	left := limit - a.spent - a.pending
	if left < 0 {
		left = 0
	}
	return toUSD(left), true
}

// Usage returns the current window for an account.
func (l *Ledger) Usage(accountID string) Window {
	a := l.account(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	l.roll(accountID, a)
	return l.window(accountID, a)
}

// Snapshot returns the window of every known account sorted by account.
func (l *Ledger) Snapshot() []Window {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Window, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.Usage(id))
	}
	return out
}

// Restore loads committed spend from a snapshot. Windows from a past period
// are ignored and pending amounts are dropped since their reservations did
// not survive.
func (l *Ledger) Restore(windows []Window) {
	current := l.period()
	for _, w := range windows {
		if w.Period != current {
			continue
		}
		a := l.account(w.Account)
		a.mu.Lock()
		a.period = current
		a.spent = toMicros(w.SpentUSD)
		a.requests = w.Requests
		a.mu.Unlock()
	}
}

func (l *Ledger) account(id string) *account {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[id]; ok {
		return a
	}
	a = &account{period: l.period(), reservations: make(map[string]struct{})}
	l.accounts[id] = a
	return a
}

// roll resets the account when the wall clock has crossed into a new period.
// Callers hold a.mu.
func (l *Ledger) roll(id string, a *account) {
	current := l.period()
	if a.period == current {
		return
	}
	l.logger.Info("budget window rolled over",
		zap.String("account", id),
		zap.String("from", a.period),
		zap.String("to", current),
		zap.Float64("spent_usd", toUSD(a.spent)))
	a.period = current
	a.spent = 0
	a.pending = 0
	a.requests = 0
}

func (l *Ledger) capOf(a *account) int64 {
	if a.hasCap {
		return a.cap
	}
	return l.defaultCap
}

func (l *Ledger) window(id string, a *account) Window {
	return Window{
		Account:    id,
		Period:     a.period,
		CapUSD:     toUSD(l.capOf(a)),
		SpentUSD:   toUSD(a.spent),
		PendingUSD: toUSD(a.pending),
		Requests:   a.requests,
	}
}

func (l *Ledger) period() string {
	return l.now().In(l.loc).Format(periodLayout)
}

func validAmount(usd float64) bool {
	return !math.IsNaN(usd) && !math.IsInf(usd, 0) && math.Abs(usd) <= MaxAmountUSD
}

// toMicros saturates at ±MaxAmountUSD and maps NaN to zero.
func toMicros(usd float64) int64 {
	switch {
	case math.IsNaN(usd):
		return 0
	case usd >= MaxAmountUSD:
		return maxMicros
	case usd <= -MaxAmountUSD:
		return -maxMicros
	}
	return int64(math.Round(usd * 1e6))
}

func toUSD(micros int64) float64 {
	return float64(micros) / 1e6
}
