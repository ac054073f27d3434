package diff

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcess(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	tests := []struct {
		name     string
		strategy Strategy
		stored   any
		incoming any
		want     bool
	}{
		{"hash changed", ContentHash, "abc", "abd", true},
		{"hash unchanged", ContentHash, "abc", "abc", false},
		{"hash never processed", ContentHash, nil, "abc", true},
		{"hash incoming nil", ContentHash, "abc", nil, false},
		{"hash both nil", ContentHash, nil, nil, false},

		{"updated later", UpdatedAt, t0, t1, true},
		{"updated same", UpdatedAt, t0, t0, false},
		{"updated earlier", UpdatedAt, t1, t0, false},
		{"updated rfc3339 strings", UpdatedAt, "2026-05-01T10:00:00Z", "2026-05-01T10:00:01Z", true},
		{"updated unix seconds", UpdatedAt, int64(100), int64(101), true},
		{"updated never processed", UpdatedAt, nil, t0, true},
		{"updated incoming nil", UpdatedAt, t0, nil, false},
		{"updated incoming nil pointer", UpdatedAt, t0, (*time.Time)(nil), false},
		{"updated incoming garbage", UpdatedAt, t0, "soon", false},

		{"version bump", Version, 3, 4, true},
		{"version same", Version, 4, 4, false},
		{"version lower", Version, 5, 4, false},
		{"version string numbers", Version, "9", "10", true},
		{"version json number", Version, json.Number("2"), json.Number("3"), true},
		{"version beyond float precision", Version, int64(9007199254740992), int64(9007199254740993), true},
		{"version never processed", Version, nil, 1, true},
		{"version incoming nil", Version, 1, nil, false},

		{"unknown strategy fails open", Strategy("mtime"), "a", "a", true},
		{"unknown strategy incoming nil", Strategy("mtime"), "a", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldProcess(tt.strategy, tt.stored, tt.incoming))
		})
	}
}

func TestContentHashFlipsWithFingerprint(t *testing.T) {
	stored := Fingerprint("Title", "Body")
	assert.False(t, ShouldProcess(ContentHash, stored, Fingerprint("Title", "Body")))
	assert.True(t, ShouldProcess(ContentHash, stored, Fingerprint("Title", "Body!")))
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("hello", "world")
	assert.Len(t, fp, FingerprintLength)
	assert.Equal(t, fp, Fingerprint("hello", "world"))
	assert.NotEqual(t, fp, Fingerprint("world", "hello"), "field order matters")
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"), "fields are separated")
	assert.NotEqual(t, Fingerprint(), Fingerprint(""))
	assert.NotEqual(t, Fingerprint("a\x00b"), Fingerprint("a", "b"), "separator bytes inside a field")
	assert.NotEqual(t, Fingerprint("a", ""), Fingerprint("a\x00"))
	assert.NotEqual(t, Fingerprint("", ""), Fingerprint("\x00"))
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, ContentHash, ParseStrategy(" Content_Hash "))
	assert.True(t, ParseStrategy("version").Valid())
	assert.False(t, ParseStrategy("mtime").Valid())
}
