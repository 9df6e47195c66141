/*
unit.go - Atomic unit of work with bounded retry and a notification outbox

PURPOSE:
  Every composite operation (ledger post + balance update, achievement
  unlock + points + notification, redemption stock + deduction + grant,
  leaderboard swap + payout) runs as one Unit inside TxStore.WithTx.

RETRY:
  A unit that fails with a transient error (optimistic version mismatch,
  SQLITE_BUSY) is rolled back and re-run from scratch with exponential
  backoff. The whole closure re-executes, so it must re-read what it
  depends on through u.Store. Once the budget is spent the caller gets
  an *UnavailableError. Deterministic errors are never retried.

OUTBOX:
  u.Notify records the notification through the same transaction and
  queues it. Queued notifications reach the Notifier only after commit,
  so a rolled-back unit never leaks a message.

EXAMPLE:
  err := runner.Run(ctx, "redeem", func(u *engine.Unit) error {
      if err := u.Store.DecrementStock(ctx, rewardID); err != nil {
          return err
      }
      return u.Notify(ctx, engine.Notification{...})
  })

SEE ALSO:
  - store.go: TxStore contract
  - errors.go: IsRetryable
*/
package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 10 * time.Millisecond
)

// =============================================================================
// UNIT
// =============================================================================

// Unit is the transactional view handed to a unit-of-work closure.
type Unit struct {
	Store   Store
	pending []Notification
}

// Notify records n inside the unit and queues it for delivery after commit.
func (u *Unit) Notify(ctx context.Context, n Notification) error {
	if err := u.Store.RecordNotification(ctx, &n); err != nil {
		return err
	}
	u.pending = append(u.pending, n)
	return nil
}

// Pending returns the notifications queued so far.
func (u *Unit) Pending() []Notification { return u.pending }

// =============================================================================
// RUNNER
// =============================================================================

// Runner executes units against a TxStore.
type Runner struct {
	Store           TxStore
	Notifier        Notifier
	Logger          *zap.Logger
	MaxAttempts     int
	InitialInterval time.Duration
}

func NewRunner(store TxStore, notifier Notifier, logger *zap.Logger) *Runner {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Store:           store,
		Notifier:        notifier,
		Logger:          logger,
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
	}
}

// Run executes fn as one atomic unit. op names the operation in logs and errors.
func (r *Runner) Run(ctx context.Context, op string, fn func(u *Unit) error) error {
	var (
		attempts  int
		committed []Notification
	)

	operation := func() error {
		attempts++
		u := &Unit{}
		err := r.Store.WithTx(ctx, func(s Store) error {
			u.Store = s
			return fn(u)
		})
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		committed = u.pending
		return nil
	}

	err := backoff.RetryNotify(operation, r.policy(ctx), func(err error, wait time.Duration) {
		r.logger().Debug("retrying unit",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		if IsRetryable(err) {
			r.logger().Warn("unit exhausted retries",
				zap.String("op", op),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return &UnavailableError{Op: op, Attempts: attempts, Cause: err}
		}
		return err
	}

	r.dispatch(ctx, committed)
	return nil
}

func (r *Runner) policy(ctx context.Context) backoff.BackOff {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	interval := r.InitialInterval
	if interval <= 0 {
		interval = DefaultInitialInterval
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = interval
	expo.MaxInterval = 50 * interval
	expo.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxAttempts-1)), ctx)
}

func (r *Runner) dispatch(ctx context.Context, ns []Notification) {
	if r.Notifier == nil {
		return
	}
	for _, n := range ns {
		r.Notifier.Notify(ctx, n)
	}
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
