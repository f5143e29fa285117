package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	before := DenyCount()
	Record("deny", "send_message", "cross-group target", "family")

	if DenyCount() != before+1 {
		t.Fatalf("deny count not incremented")
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var ev entry
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &ev); err != nil {
		t.Fatalf("parse entry: %v", err)
	}
	if ev.Decision != "deny" || ev.Action != "send_message" || ev.Subject != "family" {
		t.Fatalf("unexpected entry: %+v", ev)
	}
	if ev.Timestamp == "" {
		t.Fatal("missing timestamp")
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer Close()

	Record("allow", "register_group", "api_key=sk-abcdefghijklmnopqrstuvwx", "main")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "sk-abcdefghijklmnopqrstuvwx") {
		t.Fatal("secret leaked into audit log")
	}
}
