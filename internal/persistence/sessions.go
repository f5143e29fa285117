package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a group has no session pointer or an
// archive id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// SessionArchive is a snapshot of a group's conversation state saved under a
// name before the live pointer is cleared or replaced.
type SessionArchive struct {
	ID          int64
	GroupFolder string
	SessionID   string
	Name        string
	Content     string
	ArchivedAt  time.Time
}

// GetSession returns the group's current session id, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE group_folder = ?;`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return id, nil
}

// SetSession stores or replaces the group's session pointer.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (group_folder, session_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (group_folder) DO UPDATE SET
				session_id = excluded.session_id,
				updated_at = CURRENT_TIMESTAMP;
		`, folder, sessionID)
		if err != nil {
			return fmt.Errorf("set session: %w", err)
		}
		return nil
	})
}

// DeleteSession clears the group's session pointer. Clearing an absent
// pointer is not an error.
func (s *Store) DeleteSession(ctx context.Context, folder string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sessions WHERE group_folder = ?;`, folder); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// AllSessions returns every session pointer keyed by group folder.
func (s *Store) AllSessions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_folder, session_id FROM sessions;`)
	if err != nil {
		return nil, fmt.Errorf("all sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[folder] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// InsertSessionArchive saves a named snapshot and returns its id.
func (s *Store) InsertSessionArchive(ctx context.Context, a SessionArchive) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO session_archives (group_folder, session_id, name, content)
			VALUES (?, ?, ?, ?);
		`, a.GroupFolder, a.SessionID, a.Name, a.Content)
		if err != nil {
			return fmt.Errorf("insert session archive: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("session archive id: %w", err)
		}
		return nil
	})
	return id, err
}

// GetSessionArchive returns one archive by id, without filtering by group;
// callers enforce authorization.
func (s *Store) GetSessionArchive(ctx context.Context, id int64) (SessionArchive, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, session_id, name, content, archived_at
		FROM session_archives WHERE id = ?;
	`, id)
	var a SessionArchive
	err := row.Scan(&a.ID, &a.GroupFolder, &a.SessionID, &a.Name, &a.Content, &a.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionArchive{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionArchive{}, fmt.Errorf("get session archive: %w", err)
	}
	return a, nil
}

// ListSessionArchives returns a group's archives, newest first. Content is
// omitted to keep listings small.
func (s *Store) ListSessionArchives(ctx context.Context, folder string) ([]SessionArchive, error) {
	return s.queryArchives(ctx, `
		SELECT id, group_folder, session_id, name, '', archived_at
		FROM session_archives
		WHERE group_folder = ?
		ORDER BY archived_at DESC, id DESC;
	`, folder)
}

// SearchSessionArchives matches a group's archives by name or content
// substring, newest first.
func (s *Store) SearchSessionArchives(ctx context.Context, folder, query string) ([]SessionArchive, error) {
	pattern := "%" + query + "%"
	return s.queryArchives(ctx, `
		SELECT id, group_folder, session_id, name, content, archived_at
		FROM session_archives
		WHERE group_folder = ? AND (name LIKE ? OR content LIKE ?)
		ORDER BY archived_at DESC, id DESC;
	`, folder, pattern, pattern)
}

// DeleteSessionArchive removes one archive row.
func (s *Store) DeleteSessionArchive(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM session_archives WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete session archive: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete archive rows affected: %w", err)
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

func (s *Store) queryArchives(ctx context.Context, query string, args ...any) ([]SessionArchive, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session archives: %w", err)
	}
	defer rows.Close()

	var out []SessionArchive
	for rows.Next() {
		var a SessionArchive
		if err := rows.Scan(&a.ID, &a.GroupFolder, &a.SessionID, &a.Name, &a.Content, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan session archive: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session archive rows: %w", err)
	}
	return out, nil
}
