package redis

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MrSnakeDoc/ally-relay/internal/domain"
)

func TestInstanceKeyRoundTrip(t *testing.T) {
	key := InstanceKey("abc-123")
	if key != "ally:instance:abc-123" {
		t.Fatalf("InstanceKey() = %q", key)
	}

	id, err := ExtractInstanceID(key)
	if err != nil {
		t.Fatalf("ExtractInstanceID() error = %v", err)
	}
	if id != "abc-123" {
		t.Errorf("ExtractInstanceID() = %q, want abc-123", id)
	}
}

func TestExtractInstanceIDRejectsForeignKeys(t *testing.T) {
	for _, key := range []string{"", "ally:instance:", "other:service:x", "ally:instances:all"} {
		if _, err := ExtractInstanceID(key); err == nil {
			t.Errorf("ExtractInstanceID(%q) should fail", key)
		}
	}
}

func TestEventNeverCarriesToken(t *testing.T) {
	d := domain.Delta{
		Token: "secret-token",
		PublicInstance: domain.PublicInstance{
			ID:       "id-1",
			Name:     "Desk-1",
			Status:   domain.StatusOnline,
			LastSeen: time.Unix(0, 0).UTC(),
		},
	}

	raw, err := json.Marshal(Event{PublicInstance: d.PublicInstance, Removed: d.Removed})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "secret-token") || strings.Contains(string(raw), `"token"`) {
		t.Errorf("event leaks token: %s", raw)
	}
}

func TestNewMirrorDefaultsTTL(t *testing.T) {
	if m := NewMirror(nil, 0); m.ttl != DefaultMirrorTTL {
		t.Errorf("ttl = %v, want %v", m.ttl, DefaultMirrorTTL)
	}
}
