package mailbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/storage"
)

// SQLite keeps markers in the takeover_markers table.
type SQLite struct {
	db *storage.DB
}

// NewSQLite wraps an open storage handle. Closing the mailbox does not
// close db.
func NewSQLite(db *storage.DB) *SQLite {
	return &SQLite{db: db}
}

// WriteMarker upserts kind for (taskID, role). Final markers are kept when
// a non-final kind is written over them.
func (s *SQLite) WriteMarker(ctx context.Context, taskID, role string, kind Kind) error {
	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "mailbox: begin marker tx failed")
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT kind FROM takeover_markers WHERE task_id = ? AND role = ?`, taskID, role).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return errors.Wrap(err, "mailbox: read marker failed")
	case Kind(existing).Final() && !kind.Final():
		log.Debug().Str("task_id", taskID).Str("role", role).Str("existing", existing).Str("kind", string(kind)).
			Msg("skip marker over final state")
		return nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO takeover_markers (task_id, role, kind, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, role) DO UPDATE SET kind=excluded.kind, updated_at=excluded.updated_at`,
		taskID, role, string(kind), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return errors.Wrapf(err, "mailbox: write marker %s/%s failed", taskID, role)
	}
	return errors.Wrap(tx.Commit(), "mailbox: commit marker failed")
}

// ReadMarker returns the current kind for (taskID, role).
func (s *SQLite) ReadMarker(ctx context.Context, taskID, role string) (Kind, bool, error) {
	var kind string
	err := s.db.SQL().QueryRowContext(ctx, `SELECT kind FROM takeover_markers WHERE task_id = ? AND role = ?`, taskID, role).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "mailbox: read marker %s/%s failed", taskID, role)
	}
	return Kind(kind), true, nil
}

func (s *SQLite) Close() error { return nil }
