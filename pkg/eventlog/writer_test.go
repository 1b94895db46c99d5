package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendWritesOneFilePerEntry(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	if !w.Enabled() {
		t.Fatalf("writer with a base dir must be enabled")
	}

	w.Append(Entry{
		Kind:      "communityMessageSent",
		FromDID:   "did:key:zAlice",
		Community: "community-1",
		Timestamp: 1700000000000,
		Payload:   `{"envelope":"community_event"}`,
	})

	entryDir := filepath.Join(dir, "communityMessageSent", "community-1")
	files, err := os.ReadDir(entryDir)
	if err != nil {
		t.Fatalf("read entry dir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}

	data, err := os.ReadFile(filepath.Join(entryDir, files[0].Name()))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("entry is not JSON: %v", err)
	}
	if record["from_did"] != "did:key:zAlice" {
		t.Fatalf("record: %+v", record)
	}
	// JSON payloads stay structured in the record.
	if _, ok := record["payload"].(map[string]any); !ok {
		t.Fatalf("payload not kept as JSON: %T", record["payload"])
	}
}

func TestAppendNonJSONPayloadKeptVerbatim(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, nil)
	w.Append(Entry{Kind: "raw", FromDID: "did:key:zBob", Payload: "not json at all"})

	entryDir := filepath.Join(dir, "raw", "unknown")
	files, err := os.ReadDir(entryDir)
	if err != nil || len(files) != 1 {
		t.Fatalf("entry missing: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(entryDir, files[0].Name()))
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["payload"] != "not json at all" {
		t.Fatalf("payload = %v", record["payload"])
	}
}

func TestNilWriterIsSafe(t *testing.T) {
	w := NewWriter("", nil)
	if w != nil {
		t.Fatalf("empty base dir should disable the writer")
	}
	if w.Enabled() {
		t.Fatalf("nil writer reports enabled")
	}
	// Append on the nil writer must not panic.
	w.Append(Entry{Kind: "x"})
}

func TestSanitizeSegment(t *testing.T) {
	cases := map[string]string{
		"communityMessageSent": "communityMessageSent",
		"../escape":            "escape",
		"":                     "unknown",
		"a/b":                  "a_b",
		"  spaced  ":           "spaced",
	}
	for in, want := range cases {
		if got := sanitizeSegment(in); got != want {
			t.Fatalf("sanitizeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}
