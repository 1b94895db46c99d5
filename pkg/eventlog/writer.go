package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openumbra/umbra-bridge/pkg/logger"
)

var invalidSegment = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Entry is one raw envelope received from the relay, recorded before any
// interpretation so bridging decisions can be audited after the fact.
type Entry struct {
	Kind      string `json:"kind"`
	FromDID   string `json:"fromDid"`
	Community string `json:"community,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Payload   string `json:"payload"`
}

// Writer persists received envelopes to disk, one JSON file per entry under
// baseDir/<kind>/<community>/. A nil Writer discards everything.
type Writer struct {
	baseDir string
	log     logger.Logger
}

// NewWriter returns a writer rooted at baseDir, or nil when baseDir is empty
// (audit logging disabled).
func NewWriter(baseDir string, log logger.Logger) *Writer {
	base := strings.TrimSpace(baseDir)
	if base == "" {
		return nil
	}
	if log == nil {
		log = logger.Noop()
	}
	return &Writer{baseDir: filepath.Clean(base), log: log}
}

// Enabled reports whether entries are being persisted.
func (w *Writer) Enabled() bool {
	return w != nil && w.baseDir != ""
}

// Append writes one entry. Failures are logged, not returned: audit logging
// must never interrupt delivery.
func (w *Writer) Append(e Entry) {
	if !w.Enabled() {
		return
	}
	dir := filepath.Join(w.baseDir, sanitizeSegment(e.Kind), sanitizeSegment(e.Community))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warnf("eventlog mkdir %s: %v", dir, err)
		return
	}

	ts := time.Now().UTC()
	record := map[string]any{
		"kind":        e.Kind,
		"from_did":    e.FromDID,
		"community":   e.Community,
		"timestamp":   e.Timestamp,
		"received_at": ts.Format(time.RFC3339Nano),
		"payload":     rawOrString(e.Payload),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		w.log.Warnf("eventlog marshal: %v", err)
		return
	}

	name := fmt.Sprintf("%s-%s.json", ts.Format("20060102T150405Z"), uuid.NewString())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		w.log.Warnf("eventlog write %s: %v", path, err)
	}
}

// rawOrString keeps JSON payloads as structured JSON in the record and falls
// back to the literal string otherwise.
func rawOrString(payload string) any {
	trimmed := strings.TrimSpace(payload)
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return payload
}

func sanitizeSegment(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "unknown"
	}
	sanitized := invalidSegment.ReplaceAllString(candidate, "_")
	sanitized = strings.Trim(sanitized, "._-")
	if sanitized == "" {
		return "unknown"
	}
	return sanitized
}
