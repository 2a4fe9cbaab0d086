package server

import (
	"context"
	"time"
)

const (
	idleSweepInterval      = 30 * time.Second
	retentionPurgeInterval = 1 * time.Hour
)

// startIdleReaper closes sessions whose last completed round trip is older
// than the configured idle timeout. Closing the connection drives the
// owning handler through its normal termination path, so the reaper never
// touches the registry or the store itself.
func (s *Server) startIdleReaper(ctx context.Context) {
	timeout := s.cfg.Server.SessionIdleTimeout.Duration
	if timeout <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-timeout)
				for _, sess := range s.registry.Stale(cutoff) {
					s.logger.Info("closing idle session",
						"session_id", sess.ID,
						"client_id", sess.ClientID,
						"idle", time.Since(sess.LastActivity()).Round(time.Second).String())
					sess.MarkDisconnected()
					_ = sess.CloseConn()
				}
			}
		}
	}()
}

// startRetentionPurger deletes command history and audit events older than
// the configured retention windows.
func (s *Server) startRetentionPurger(ctx context.Context) {
	retention := s.cfg.Storage.Retention.Duration
	auditRetention := s.cfg.Storage.AuditRetention.Duration
	if retention <= 0 && auditRetention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(retentionPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if retention > 0 {
					n, err := s.store.PurgeOldCommands(ctx, time.Now().Add(-retention))
					if err != nil {
						s.logger.Warn("command retention purge failed", "error", err)
					} else if n > 0 {
						s.logger.Info("purged old commands", "count", n)
					}
				}
				if auditRetention > 0 {
					n, err := s.store.PurgeOldAuditEvents(ctx, time.Now().Add(-auditRetention))
					if err != nil {
						s.logger.Warn("audit retention purge failed", "error", err)
					} else if n > 0 {
						s.logger.Info("purged old audit events", "count", n)
					}
				}
			}
		}
	}()
}
