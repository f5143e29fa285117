// Package session tracks each group's conversation pointer: the opaque
// session id a worker resumes from. Pointers live in sqlite and are cached
// in memory; archives preserve named snapshots across clears.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/persistence"
)

// Manager resolves and updates session pointers.
type Manager struct {
	mu     sync.Mutex
	store  *persistence.Store
	cache  map[string]string // folder -> session id
	logger *slog.Logger
}

// NewManager loads all pointers into the cache.
func NewManager(ctx context.Context, store *persistence.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	all, err := store.AllSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return &Manager{
		store:  store,
		cache:  all,
		logger: logger.With("component", "session"),
	}, nil
}

// Resolve returns the session id a worker should continue from. Isolated
// mode always starts fresh; shared mode continues the group's pointer when
// one exists.
func (m *Manager) Resolve(folder string, mode group.ContextMode) (string, bool) {
	if mode != group.ContextShared {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.cache[folder]
	return id, ok && id != ""
}

// Update persists the session id a finished worker reported. Isolated runs
// never call this; their session ids are discarded.
func (m *Manager) Update(ctx context.Context, folder, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.store.SetSession(ctx, folder, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[folder] = sessionID
	m.mu.Unlock()
	return nil
}

// Clear drops the group's pointer so the next shared run starts fresh.
func (m *Manager) Clear(ctx context.Context, folder string) error {
	if err := m.store.DeleteSession(ctx, folder); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, folder)
	m.mu.Unlock()
	m.logger.Info("session cleared", "folder", folder)
	return nil
}

// Archive snapshots the current pointer under a name, then clears it. The
// archive survives the clear so the conversation can be resumed later.
func (m *Manager) Archive(ctx context.Context, folder, name, content string) (int64, error) {
	m.mu.Lock()
	sessionID, ok := m.cache[folder]
	m.mu.Unlock()
	if !ok || sessionID == "" {
		return 0, fmt.Errorf("archive session: %w", persistence.ErrSessionNotFound)
	}

	id, err := m.store.InsertSessionArchive(ctx, persistence.SessionArchive{
		GroupFolder: folder,
		SessionID:   sessionID,
		Name:        name,
		Content:     content,
	})
	if err != nil {
		return 0, err
	}
	if err := m.Clear(ctx, folder); err != nil {
		return 0, err
	}
	m.logger.Info("session archived", "folder", folder, "name", name, "archive_id", id)
	return id, nil
}

// Resume restores an archived session as the group's live pointer. The
// archive must belong to the group.
func (m *Manager) Resume(ctx context.Context, folder string, archiveID int64) error {
	a, err := m.store.GetSessionArchive(ctx, archiveID)
	if err != nil {
		return err
	}
	if a.GroupFolder != folder {
		return fmt.Errorf("resume session: archive %d belongs to another group: %w",
			archiveID, persistence.ErrSessionNotFound)
	}
	if err := m.store.SetSession(ctx, folder, a.SessionID); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[folder] = a.SessionID
	m.mu.Unlock()
	m.logger.Info("session resumed from archive", "folder", folder, "archive_id", archiveID)
	return nil
}

// List returns the group's archives, newest first.
func (m *Manager) List(ctx context.Context, folder string) ([]persistence.SessionArchive, error) {
	return m.store.ListSessionArchives(ctx, folder)
}

// Search matches the group's archives by name or content.
func (m *Manager) Search(ctx context.Context, folder, query string) ([]persistence.SessionArchive, error) {
	return m.store.SearchSessionArchives(ctx, folder, query)
}

// IsNotFound reports whether err means a missing session or archive.
func IsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrSessionNotFound)
}
