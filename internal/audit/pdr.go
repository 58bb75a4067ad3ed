// Package audit records scheduling decisions for later inspection.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/tessera/internal/models"
)

// DecisionStore persists decision records.
type DecisionStore interface {
	WriteDecision(action, inputsHash, outcome, jobID, details string) (*models.Decision, error)
}

// DecisionWriter writes decision records with a digest of their inputs.
type DecisionWriter struct {
	store DecisionStore
}

// NewDecisionWriter creates a writer backed by s.
func NewDecisionWriter(s DecisionStore) *DecisionWriter {
	return &DecisionWriter{store: s}
}

// Record writes a decision about jobID.
func (w *DecisionWriter) Record(action string, inputs interface{}, outcome, jobID, details string) (*models.Decision, error) {
	return w.store.WriteDecision(action, HashInputs(inputs), outcome, jobID, details)
}

// HashInputs returns the hex SHA-256 of the JSON encoding of inputs.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
