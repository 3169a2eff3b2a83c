package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/tracksync/internal/types"
)

// Conflict records an edit dropped by the tie-break when both sides of a
// pair changed since the last sync.
type Conflict struct {
	ID            int64
	CanonicalID   string
	Direction     string
	Winner        types.System
	Loser         types.System
	LoserTitle    string
	LoserStatus   string
	LoserPriority string
	WinnerAt      time.Time
	LoserAt       time.Time
	DetectedAt    time.Time
}

// RecordConflict appends c to the conflict log.
func (s *Store) RecordConflict(ctx context.Context, c *Conflict) error {
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO conflicts (canonical_id, direction, winner, loser, loser_title, loser_status,
			loser_priority, winner_at, loser_at, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CanonicalID, c.Direction, string(c.Winner), string(c.Loser),
		stringToNull(c.LoserTitle), stringToNull(c.LoserStatus), stringToNull(c.LoserPriority),
		timeToNullString(c.WinnerAt), timeToNullString(c.LoserAt),
		c.DetectedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record conflict for %s: %w", c.CanonicalID, err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// ListConflicts returns conflicts detected at or after since, newest first.
func (s *Store) ListConflicts(ctx context.Context, since time.Time) ([]*Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, canonical_id, direction, winner, loser, loser_title, loser_status,
			loser_priority, winner_at, loser_at, detected_at
		FROM conflicts
		WHERE detected_at >= ?
		ORDER BY detected_at DESC, id DESC`,
		since.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		var c Conflict
		var winner, loser, detectedAt string
		var title, status, priority, winnerAt, loserAt sql.NullString
		if err := rows.Scan(&c.ID, &c.CanonicalID, &c.Direction, &winner, &loser,
			&title, &status, &priority, &winnerAt, &loserAt, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Winner = types.System(winner)
		c.Loser = types.System(loser)
		c.LoserTitle = title.String
		c.LoserStatus = status.String
		c.LoserPriority = priority.String
		c.WinnerAt = nullStringToTime(winnerAt)
		c.LoserAt = nullStringToTime(loserAt)
		c.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}
