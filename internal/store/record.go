package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/tracksync/internal/types"
)

// Record correlates one unit of work across the three systems.
//
// Absent values are the zero value: "" for strings, zero time, nil for the
// deletion flags. Upsert never replaces a present value with an absent one.
type Record struct {
	CanonicalID string
	ProjectKey  string
	BoardID     string
	BeadsID     string

	// Last known values in the canonical vocabulary.
	Title       string
	Status      string
	Priority    string
	ContentHash string

	LastSeenTracker time.Time
	LastSeenBoard   time.Time
	LastSeenBeads   time.Time

	// ParentCanonicalID is the desired parent. The per-system parent ids are
	// the links actually applied; a desired parent without an applied link is
	// pending until the parent itself is linked.
	ParentCanonicalID string
	ParentBoardID     string
	ParentBeadsID     string

	DeletedFromTracker *bool
	DeletedFromBoard   *bool
	DeletedFromBeads   *bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExternalID returns the record's identifier in sys.
func (r *Record) ExternalID(sys types.System) string {
	switch sys {
	case types.SystemTracker:
		return r.CanonicalID
	case types.SystemBoard:
		return r.BoardID
	case types.SystemBeads:
		return r.BeadsID
	}
	return ""
}

// SetExternalID links the record to id in sys.
func (r *Record) SetExternalID(sys types.System, id string) {
	switch sys {
	case types.SystemTracker:
		r.CanonicalID = id
	case types.SystemBoard:
		r.BoardID = id
	case types.SystemBeads:
		r.BeadsID = id
	}
}

// LastSeen returns the watermark for sys.
func (r *Record) LastSeen(sys types.System) time.Time {
	switch sys {
	case types.SystemTracker:
		return r.LastSeenTracker
	case types.SystemBoard:
		return r.LastSeenBoard
	case types.SystemBeads:
		return r.LastSeenBeads
	}
	return time.Time{}
}

// SetLastSeen sets the watermark for sys.
func (r *Record) SetLastSeen(sys types.System, t time.Time) {
	switch sys {
	case types.SystemTracker:
		r.LastSeenTracker = t
	case types.SystemBoard:
		r.LastSeenBoard = t
	case types.SystemBeads:
		r.LastSeenBeads = t
	}
}

// ParentLink returns the parent id applied in sys. The tracker owns the
// hierarchy, so its link is the desired parent itself.
func (r *Record) ParentLink(sys types.System) string {
	switch sys {
	case types.SystemTracker:
		return r.ParentCanonicalID
	case types.SystemBoard:
		return r.ParentBoardID
	case types.SystemBeads:
		return r.ParentBeadsID
	}
	return ""
}

// Deleted reports whether the record's item is known to be gone from sys.
func (r *Record) Deleted(sys types.System) bool {
	var flag *bool
	switch sys {
	case types.SystemTracker:
		flag = r.DeletedFromTracker
	case types.SystemBoard:
		flag = r.DeletedFromBoard
	case types.SystemBeads:
		flag = r.DeletedFromBeads
	}
	return flag != nil && *flag
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.DeletedFromTracker = cloneBool(r.DeletedFromTracker)
	c.DeletedFromBoard = cloneBool(r.DeletedFromBoard)
	c.DeletedFromBeads = cloneBool(r.DeletedFromBeads)
	return &c
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// ContentHash fingerprints the synchronized content of an item in the
// canonical vocabulary. Descriptions must already have reference tags removed.
func ContentHash(title, description, status, priority string) string {
	h := sha256.New()
	for _, part := range []string{title, strings.TrimSpace(description), status, priority} {
		h.Write([]byte(part))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

const recordColumns = `canonical_id, project_key, board_id, beads_id, title, status, priority,
	content_hash, last_seen_tracker, last_seen_board, last_seen_beads,
	parent_canonical_id, parent_board_id, parent_beads_id,
	deleted_from_tracker, deleted_from_board, deleted_from_beads,
	created_at, updated_at`

// Upsert merges rec into the store and returns the merged record.
//
// Every column is coalesced: an incoming NULL keeps the stored value. This
// makes writes from concurrent passes and replayed events safe to repeat.
func (s *Store) Upsert(ctx context.Context, rec *Record) (*Record, error) {
	if rec.CanonicalID == "" {
		return nil, fmt.Errorf("canonical id is required")
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO correlations (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_id) DO UPDATE SET
			project_key          = COALESCE(excluded.project_key, correlations.project_key),
			board_id             = COALESCE(excluded.board_id, correlations.board_id),
			beads_id             = COALESCE(excluded.beads_id, correlations.beads_id),
			title                = COALESCE(excluded.title, correlations.title),
			status               = COALESCE(excluded.status, correlations.status),
			priority             = COALESCE(excluded.priority, correlations.priority),
			content_hash         = COALESCE(excluded.content_hash, correlations.content_hash),
			last_seen_tracker    = COALESCE(excluded.last_seen_tracker, correlations.last_seen_tracker),
			last_seen_board      = COALESCE(excluded.last_seen_board, correlations.last_seen_board),
			last_seen_beads      = COALESCE(excluded.last_seen_beads, correlations.last_seen_beads),
			parent_canonical_id  = COALESCE(excluded.parent_canonical_id, correlations.parent_canonical_id),
			parent_board_id      = COALESCE(excluded.parent_board_id, correlations.parent_board_id),
			parent_beads_id      = COALESCE(excluded.parent_beads_id, correlations.parent_beads_id),
			deleted_from_tracker = COALESCE(excluded.deleted_from_tracker, correlations.deleted_from_tracker),
			deleted_from_board   = COALESCE(excluded.deleted_from_board, correlations.deleted_from_board),
			deleted_from_beads   = COALESCE(excluded.deleted_from_beads, correlations.deleted_from_beads),
			updated_at           = excluded.updated_at
	`,
		rec.CanonicalID,
		stringToNull(rec.ProjectKey),
		stringToNull(rec.BoardID),
		stringToNull(rec.BeadsID),
		stringToNull(rec.Title),
		stringToNull(rec.Status),
		stringToNull(rec.Priority),
		stringToNull(rec.ContentHash),
		timeToNullString(rec.LastSeenTracker),
		timeToNullString(rec.LastSeenBoard),
		timeToNullString(rec.LastSeenBeads),
		stringToNull(rec.ParentCanonicalID),
		stringToNull(rec.ParentBoardID),
		stringToNull(rec.ParentBeadsID),
		boolToNull(rec.DeletedFromTracker),
		boolToNull(rec.DeletedFromBoard),
		boolToNull(rec.DeletedFromBeads),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert correlation %s: %w", rec.CanonicalID, err)
	}

	return s.Get(ctx, rec.CanonicalID)
}

// Get returns the record with the given canonical id.
func (s *Store) Get(ctx context.Context, canonicalID string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM correlations WHERE canonical_id = ?`, canonicalID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correlation %s: %w", canonicalID, err)
	}
	return rec, nil
}

// FindByExternalID returns the record linked to id in sys.
func (s *Store) FindByExternalID(ctx context.Context, sys types.System, id string) (*Record, error) {
	var column string
	switch sys {
	case types.SystemTracker:
		return s.Get(ctx, id)
	case types.SystemBoard:
		column = "board_id"
	case types.SystemBeads:
		column = "beads_id"
	default:
		return nil, fmt.Errorf("unknown system %q", sys)
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM correlations WHERE `+column+` = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, sys, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find correlation for %s %s: %w", sys, id, err)
	}
	return rec, nil
}

// List returns the records of a project, or every record when projectKey is empty.
func (s *Store) List(ctx context.Context, projectKey string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM correlations`
	var args []any
	if projectKey != "" {
		query += ` WHERE project_key = ?`
		args = append(args, projectKey)
	}
	query += ` ORDER BY canonical_id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetParentLink records the desired parent of a record and the link applied
// in sys. Unlike Upsert, empty values clear the stored ones.
func (s *Store) SetParentLink(ctx context.Context, canonicalID, parentCanonicalID string, sys types.System, parentExternalID string) error {
	var column string
	switch sys {
	case types.SystemBoard:
		column = "parent_board_id"
	case types.SystemBeads:
		column = "parent_beads_id"
	case types.SystemTracker:
		column = ""
	default:
		return fmt.Errorf("unknown system %q", sys)
	}

	now := time.Now().UTC().Format(timeLayout)
	query := `UPDATE correlations SET parent_canonical_id = ?, updated_at = ?`
	args := []any{stringToNull(parentCanonicalID), now}
	if column != "" {
		query += `, ` + column + ` = ?`
		args = append(args, stringToNull(parentExternalID))
	}
	query += ` WHERE canonical_id = ?`
	args = append(args, canonicalID)

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set parent of %s: %w", canonicalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, canonicalID)
	}
	return nil
}

// MarkDeleted flags the record's item as gone from sys.
func (s *Store) MarkDeleted(ctx context.Context, canonicalID string, sys types.System) error {
	deleted := true
	rec := &Record{CanonicalID: canonicalID}
	switch sys {
	case types.SystemTracker:
		rec.DeletedFromTracker = &deleted
	case types.SystemBoard:
		rec.DeletedFromBoard = &deleted
	case types.SystemBeads:
		rec.DeletedFromBeads = &deleted
	default:
		return fmt.Errorf("unknown system %q", sys)
	}
	if _, err := s.Get(ctx, canonicalID); err != nil {
		return err
	}
	_, err := s.Upsert(ctx, rec)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var project, board, beads, title, status, priority sql.NullString
	var hash, seenTracker, seenBoard, seenBeads sql.NullString
	var parent, parentBoard, parentBeads sql.NullString
	var delTracker, delBoard, delBeads sql.NullBool
	var createdAt, updatedAt string
	err := row.Scan(
		&rec.CanonicalID, &project, &board, &beads, &title, &status, &priority,
		&hash, &seenTracker, &seenBoard, &seenBeads,
		&parent, &parentBoard, &parentBeads,
		&delTracker, &delBoard, &delBeads,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ProjectKey = project.String
	rec.BoardID = board.String
	rec.BeadsID = beads.String
	rec.Title = title.String
	rec.Status = status.String
	rec.Priority = priority.String
	rec.ContentHash = hash.String
	rec.LastSeenTracker = nullStringToTime(seenTracker)
	rec.LastSeenBoard = nullStringToTime(seenBoard)
	rec.LastSeenBeads = nullStringToTime(seenBeads)
	rec.ParentCanonicalID = parent.String
	rec.ParentBoardID = parentBoard.String
	rec.ParentBeadsID = parentBeads.String
	rec.DeletedFromTracker = nullToBool(delTracker)
	rec.DeletedFromBoard = nullToBool(delBoard)
	rec.DeletedFromBeads = nullToBool(delBeads)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}
