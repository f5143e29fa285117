package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/groupmux/internal/group"
	"github.com/basket/groupmux/internal/persistence"
)

func newTestRegistry(t *testing.T) (*Service, group.Paths) {
	t.Helper()
	root := t.TempDir()
	store, err := persistence.Open(filepath.Join(root, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	paths := group.Paths{
		DataDir:   filepath.Join(root, "data"),
		GroupsDir: filepath.Join(root, "groups"),
	}
	svc, err := New(context.Background(), store, paths, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return svc, paths
}

func TestRegister_ProvisionsDirectories(t *testing.T) {
	svc, paths := newTestRegistry(t)
	ctx := context.Background()

	err := svc.Register(ctx, group.Registered{
		JID: "1@g.us", Name: "Family", Folder: "family", Trigger: "@bot", RequiresTrigger: true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, dir := range []string{
		paths.GroupDir("family"),
		paths.IPCMessagesDir("family"),
		paths.IPCCommandsDir("family"),
		paths.IPCInputDir("family"),
	} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Fatalf("missing dir %s: %v", dir, err)
		}
	}

	g, ok := svc.ByJID("1@g.us")
	if !ok || g.Folder != "family" {
		t.Fatalf("jid lookup = %+v, %v", g, ok)
	}
	if g.Channel != "whatsapp" {
		t.Fatalf("channel should default to whatsapp, got %q", g.Channel)
	}
	if _, err := svc.ByFolder(ctx, "family"); err != nil {
		t.Fatalf("folder lookup: %v", err)
	}
}

func TestRegister_RejectsUnsafeFolders(t *testing.T) {
	svc, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, folder := range []string{"", "..", "a/b", `a\b`, ".hidden"} {
		err := svc.Register(ctx, group.Registered{JID: "x@g.us", Folder: folder})
		if err == nil {
			t.Errorf("folder %q accepted", folder)
		}
	}
}

func TestRefresh_PicksUpExternalChanges(t *testing.T) {
	root := t.TempDir()
	store, err := persistence.Open(filepath.Join(root, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	paths := group.Paths{
		DataDir:   filepath.Join(root, "data"),
		GroupsDir: filepath.Join(root, "groups"),
	}

	svc, err := New(context.Background(), store, paths, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	// Row inserted behind the cache's back.
	if err := store.UpsertGroup(context.Background(), group.Registered{
		JID: "2@g.us", Name: "Work", Folder: "work",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok := svc.ByJID("2@g.us"); ok {
		t.Fatal("cache saw uncommitted refresh")
	}

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := svc.ByJID("2@g.us"); !ok {
		t.Fatal("refresh missed new group")
	}
	if len(svc.All()) != 1 {
		t.Fatalf("all = %+v", svc.All())
	}
}
