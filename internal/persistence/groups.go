package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/groupmux/internal/group"
)

// ErrGroupNotFound is returned when a group jid or folder does not exist.
var ErrGroupNotFound = errors.New("group not found")

// UpsertGroup registers a group or refreshes its metadata.
func (s *Store) UpsertGroup(ctx context.Context, g group.Registered) error {
	timeoutSeconds := 0
	if g.ContainerConfig != nil {
		timeoutSeconds = g.ContainerConfig.TimeoutSeconds
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO groups (jid, name, folder, trigger_word, channel, requires_trigger, container_timeout_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (jid) DO UPDATE SET
				name = excluded.name,
				folder = excluded.folder,
				trigger_word = excluded.trigger_word,
				channel = excluded.channel,
				requires_trigger = excluded.requires_trigger,
				container_timeout_seconds = excluded.container_timeout_seconds;
		`, g.JID, g.Name, g.Folder, g.Trigger, g.Channel, boolToInt(g.RequiresTrigger), timeoutSeconds)
		if err != nil {
			return fmt.Errorf("upsert group: %w", err)
		}
		return nil
	})
}

// GetGroupByJID returns the group registered under the chat jid.
func (s *Store) GetGroupByJID(ctx context.Context, jid string) (group.Registered, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_word, channel, requires_trigger, container_timeout_seconds, added_at
		FROM groups WHERE jid = ?;
	`, jid)
	return scanGroup(row.Scan)
}

// GetGroupByFolder returns the group owning the given working directory.
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (group.Registered, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, folder, trigger_word, channel, requires_trigger, container_timeout_seconds, added_at
		FROM groups WHERE folder = ?;
	`, folder)
	return scanGroup(row.Scan)
}

// ListGroups returns all registered groups.
func (s *Store) ListGroups(ctx context.Context) ([]group.Registered, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_word, channel, requires_trigger, container_timeout_seconds, added_at
		FROM groups ORDER BY added_at, jid;
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []group.Registered
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group rows: %w", err)
	}
	return out, nil
}

func scanGroup(scan func(dest ...any) error) (group.Registered, error) {
	var (
		g              group.Registered
		requires       int
		timeoutSeconds int
	)
	err := scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &g.Channel, &requires, &timeoutSeconds, &g.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return group.Registered{}, ErrGroupNotFound
	}
	if err != nil {
		return group.Registered{}, fmt.Errorf("scan group: %w", err)
	}
	g.RequiresTrigger = requires != 0
	if timeoutSeconds > 0 {
		g.ContainerConfig = &group.ContainerConfig{TimeoutSeconds: timeoutSeconds}
	}
	return g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
