package sqlite

import (
	"context"
	"strings"
	"time"
)

// TouchConnection records liveness for a connection. Writes are throttled per
// connection to touchMinInterval.
func (s *Store) TouchConnection(ctx context.Context, connectionID string) error {
	now := time.Now().UTC()
	if !s.reserveTouch(connectionID, now) {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE connections SET last_seen_at = ? WHERE id = ?`, now, connectionID)
	if err != nil {
		s.rollbackTouch(connectionID, now)
	}
	return err
}

func (s *Store) reserveTouch(id string, now time.Time) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleTouchEntriesLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastTouch[id]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastTouch[id] = now
	return true
}

func (s *Store) rollbackTouch(id string, reservedAt time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastTouch[id]; ok && last.Equal(reservedAt) {
		delete(s.lastTouch, id)
	}
}

func (s *Store) forgetTouch(id string) {
	s.touchMu.Lock()
	delete(s.lastTouch, id)
	s.touchMu.Unlock()
}

func (s *Store) cleanupStaleTouchEntriesLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for id, last := range s.lastTouch {
		if last.Before(cutoff) {
			delete(s.lastTouch, id)
		}
	}
}
