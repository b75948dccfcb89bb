package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-reward-gate/internal/ledger"
	"github.com/0gfoundation/0g-reward-gate/internal/metrics"
)

var errCreditInFlight = errors.New("credit already in flight")

// releaseLockScript deletes the credit lock only if it still holds ARGV[1].
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// credit sends one outcome to the ledger. The lock keeps the inline attempt
// and the retrier from racing; the credited marker makes a late duplicate a
// no-op even if the lock expired.
func (w *Writer) credit(ctx context.Context, id string) error {
	lockTTL := 2 * w.creditTimeout
	token := uuid.NewString()
	ok, err := w.rdb.SetNX(ctx, creditLock(id), token, lockTTL).Result()
	if err != nil {
		return fmt.Errorf("lock credit %s: %w", id, err)
	}
	if !ok {
		return errCreditInFlight
	}
	// A slow ledger call can outlive the TTL; never drop a lock taken since.
	defer func() {
		err := releaseLockScript.Run(context.WithoutCancel(ctx), w.rdb, []string{creditLock(id)}, token).Err()
		if err != nil {
			w.log.Warn("release credit lock", zap.String("outcome", id), zap.Error(err))
		}
	}()

	done, err := w.rdb.Exists(ctx, creditedKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check credited %s: %w", id, err)
	}
	if done == 1 {
		return w.markCredited(ctx, id)
	}

	o, err := w.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.log.Error("outbox entry without outcome, dropping", zap.String("outcome", id))
			return w.rdb.LRem(ctx, OutboxKey, 0, id).Err()
		}
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, w.creditTimeout)
	err = w.credits.AddXP(cctx, ledger.Credit{
		Identity: o.Identity,
		Amount:   o.PayoutFinal,
		Reason:   "spin:" + o.Label,
		SourceID: o.ChallengeNonce,
	}, o.ID)
	cancel()
	if err != nil {
		if errors.Is(err, ledger.ErrPermanent) {
			metrics.LedgerCredits.WithLabelValues("dead").Inc()
			w.log.Error("ledger refused credit, moved to dead letter",
				zap.String("outcome", id),
				zap.String("identity", o.Identity),
				zap.Int64("amount", o.PayoutFinal),
				zap.Error(err),
			)
			_, perr := w.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, OutboxKey, 0, id)
				p.RPush(ctx, DeadLetterKey, id)
				return nil
			})
			if perr != nil {
				return fmt.Errorf("dead-letter %s: %w", id, perr)
			}
			return err
		}
		metrics.LedgerCredits.WithLabelValues("retry").Inc()
		w.log.Warn("ledger credit failed, left in outbox",
			zap.String("outcome", id),
			zap.String("identity", o.Identity),
			zap.Error(err),
		)
		return err
	}

	metrics.LedgerCredits.WithLabelValues("ok").Inc()
	w.log.Info("ledger credited",
		zap.String("outcome", id),
		zap.String("identity", o.Identity),
		zap.Int64("amount", o.PayoutFinal),
	)
	return w.markCredited(ctx, id)
}

func (w *Writer) markCredited(ctx context.Context, id string) error {
	_, err := w.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, creditedKey(id), 1, 0)
		p.LRem(ctx, OutboxKey, 0, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark credited %s: %w", id, err)
	}
	return nil
}

// Flush retries every outcome in the outbox once and returns how many were
// credited. Run at startup it recovers credits lost to a crash between
// persisting an outcome and calling the ledger.
func (w *Writer) Flush(ctx context.Context) (int, error) {
	ids, err := w.rdb.LRange(ctx, OutboxKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	credited := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := w.credit(ctx, id); err == nil {
			credited++
		}
	}
	if n, err := w.rdb.LLen(ctx, OutboxKey).Result(); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
	return credited, nil
}

// Pending returns the outbox length.
func (w *Writer) Pending(ctx context.Context) (int64, error) {
	return w.rdb.LLen(ctx, OutboxKey).Result()
}

// RunRetrier flushes the outbox at start and then every interval until ctx
// is cancelled.
func (w *Writer) RunRetrier(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info("ledger retrier started", zap.Duration("interval", interval))
	w.flushOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("ledger retrier stopped")
			return
		case <-ticker.C:
			w.flushOnce(ctx)
		}
	}
}

func (w *Writer) flushOnce(ctx context.Context) {
	n, err := w.Flush(ctx)
	if err != nil {
		w.log.Error("ledger retrier: flush", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("ledger retrier credited outcomes", zap.Int("count", n))
	}
}
