// Package audit records decision entries for state-mutating actions.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/conductor/internal/models"
)

// Sink persists audit entries.
type Sink interface {
	WriteAudit(action, inputsHash, outcome, taskID, details string) (*models.AuditEntry, error)
}

// Writer hashes action inputs and writes audit entries.
type Writer struct {
	sink Sink
}

// NewWriter creates a writer backed by sink.
func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink}
}

// Record writes an entry. A nil writer records nothing.
func (w *Writer) Record(action string, inputs any, outcome, taskID, details string) (*models.AuditEntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	return w.sink.WriteAudit(action, HashInputs(inputs), outcome, taskID, details)
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
