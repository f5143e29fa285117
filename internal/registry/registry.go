// Package registry manages the tenant roster: persisting registered groups
// and provisioning their on-disk directories and mailboxes.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/persistence"
)

// Service caches the roster in memory for fast jid lookups on the inbound
// message path. It implements the dispatcher's Registry interface.
type Service struct {
	store  *persistence.Store
	paths  group.Paths
	logger *slog.Logger

	mu       sync.RWMutex
	byJID    map[string]group.Registered
	byFolder map[string]group.Registered
}

func New(ctx context.Context, store *persistence.Store, paths group.Paths, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		paths:  paths,
		logger: logger.With("component", "registry"),
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Register validates and persists a new group, then provisions its
// directories.
func (s *Service) Register(ctx context.Context, g group.Registered) error {
	if err := validateFolder(g.Folder); err != nil {
		return err
	}
	if g.Channel == "" {
		g.Channel = "whatsapp"
	}
	if err := s.store.UpsertGroup(ctx, g); err != nil {
		return err
	}
	if err := s.provision(g.Folder); err != nil {
		return err
	}
	s.logger.Info("group registered", "jid", g.JID, "folder", g.Folder, "channel", g.Channel)
	return s.Refresh(ctx)
}

// Refresh reloads the roster from the store and re-provisions directories
// for every group.
func (s *Service) Refresh(ctx context.Context) error {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("refresh groups: %w", err)
	}

	byJID := make(map[string]group.Registered, len(groups))
	byFolder := make(map[string]group.Registered, len(groups))
	for _, g := range groups {
		byJID[g.JID] = g
		byFolder[g.Folder] = g
		if err := s.provision(g.Folder); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.byJID = byJID
	s.byFolder = byFolder
	s.mu.Unlock()
	return nil
}

// ByFolder implements ipc.Registry.
func (s *Service) ByFolder(_ context.Context, folder string) (group.Registered, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.byFolder[folder]
	if !ok {
		return group.Registered{}, persistence.ErrGroupNotFound
	}
	return g, nil
}

// ByJID resolves the group owning a chat, used on the inbound message path.
func (s *Service) ByJID(jid string) (group.Registered, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.byJID[jid]
	return g, ok
}

// All returns the cached roster.
func (s *Service) All() []group.Registered {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]group.Registered, 0, len(s.byFolder))
	for _, g := range s.byFolder {
		out = append(out, g)
	}
	return out
}

// provision creates the group's working directory and mailbox layout.
func (s *Service) provision(folder string) error {
	dirs := []string{
		s.paths.GroupDir(folder),
		s.paths.IPCMessagesDir(folder),
		s.paths.IPCCommandsDir(folder),
		s.paths.IPCInputDir(folder),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("provision group dir %s: %w", dir, err)
		}
	}
	return nil
}

// validateFolder keeps folder names safe as path components.
func validateFolder(folder string) error {
	if folder == "" {
		return fmt.Errorf("folder required")
	}
	if strings.ContainsAny(folder, "/\\") || folder == "." || folder == ".." || strings.HasPrefix(folder, ".") {
		return fmt.Errorf("invalid folder name %q", folder)
	}
	return nil
}
