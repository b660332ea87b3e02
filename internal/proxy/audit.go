package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one line of the append-only attempt trail. Written for
// external diagnostics only; nothing in the pipeline reads it back.
type AuditEntry struct {
	Identity     string    `json:"identity"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	JobRef       string    `json:"job_ref,omitempty"`
	RetryAttempt int       `json:"retry_attempt"`
	Error        string    `json:"error,omitempty"`
	Method       string    `json:"method"`
}

// AuditLog appends attempt records to a JSONL file.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog prepares the audit file's directory.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Append writes one entry. Prior entries are never touched.
func (a *AuditLog) Append(e AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
