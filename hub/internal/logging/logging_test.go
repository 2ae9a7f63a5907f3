package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLevelsAndFormats(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "json", false},
		{"DEBUG", "text", false},
		{"warn", "", false},
		{"loud", "json", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		l, err := New(tt.level, tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q, %q): err = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
		}
		if l != nil {
			_ = l.Sync()
		}
	}
}

func TestScopedLoggers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ForConn(base, "c1", "dev-1").Info("conn")
	ForMember(base, "c1", "room-a", "anchor").Info("member")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	conn := entries[0].ContextMap()
	if conn["conn_id"] != "c1" || conn["peer_id"] != "dev-1" {
		t.Errorf("conn fields: got %v", conn)
	}
	member := entries[1].ContextMap()
	if member["room"] != "room-a" || member["role"] != "anchor" {
		t.Errorf("member fields: got %v", member)
	}
}
