package store

import (
	"context"
	"time"

	"github.com/voicekit/voicecache/telemetry"
	"go.etcd.io/bbolt"
)

// StartReaper launches the background reaper that removes entries whose last
// access is older than the configured TTL. It is a no-op when TTL is zero.
// Call StopReaper before Close.
func (s *Store) StartReaper(ctx context.Context) {
	if s.config.TTL <= 0 {
		close(s.doneCh)
		return
	}

	go func() {
		defer close(s.doneCh)

		ticker := time.NewTicker(s.config.ReapInterval)
		defer ticker.Stop()

		s.reap(ctx)

		for {
			select {
			case <-ticker.C:
				s.reap(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopReaper signals the reaper to stop and waits for it to finish.
func (s *Store) StopReaper() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

// reap scans every bucket and deletes entries last accessed before the TTL
// cutoff. Undecodable envelopes are deleted too.
func (s *Store) reap(ctx context.Context) {
	start := s.now()
	cutoff := start.Add(-s.config.TTL)

	var deleted int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				_, env, err := s.decode(v)
				if err != nil {
					s.logger.Warn("reaping undecodable entry",
						"cache", string(name), "key", string(k), "error", err)
					if err := c.Delete(); err != nil {
						return err
					}
					deleted++
					continue
				}
				if env.lastAccess.Before(cutoff) {
					if err := c.Delete(); err != nil {
						return err
					}
					deleted++
				}
			}
			return nil
		})
	})
	if err != nil {
		s.logger.Error("reap cycle failed", "error", err)
		return
	}

	elapsed := s.now().Sub(start)
	if deleted > 0 {
		s.logger.Info("reaped stale artifacts", "deleted", deleted, "elapsed", elapsed)
	}
	telemetry.RecordReaperCycle(ctx, deleted, elapsed)
}
