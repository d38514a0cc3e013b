// Package audit records lifecycle events for artifact rollouts and ships them
// to the configured sinks.
package audit

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventVersionDeployed   EventType = "version.deployed"
	EventPhaseChanged      EventType = "phase.changed"
	EventVersionRolledBack EventType = "version.rolled_back"
)

// Event is one lifecycle record. Hash covers the canonical envelope without
// hash, signature and signerId; PrevHash links it to the event sealed before it.
type Event struct {
	ID         string                 `json:"id"`
	EventType  EventType              `json:"eventType"`
	ArtifactID string                 `json:"artifactId"`
	Payload    map[string]interface{} `json:"payload"`
	PrevHash   string                 `json:"prevHash,omitempty"`
	Hash       string                 `json:"hash,omitempty"`
	Signature  string                 `json:"signature,omitempty"`
	SignerID   string                 `json:"signerId,omitempty"`
	Ts         time.Time              `json:"ts"`
}

func NewEvent(t EventType, artifactID string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{
		ID:         uuid.NewString(),
		EventType:  t,
		ArtifactID: artifactID,
		Payload:    payload,
		Ts:         time.Now().UTC(),
	}
}

func (e *Event) unsealed() map[string]interface{} {
	return map[string]interface{}{
		"id":         e.ID,
		"eventType":  string(e.EventType),
		"artifactId": e.ArtifactID,
		"payload":    e.Payload,
		"prevHash":   e.PrevHash,
		"ts":         e.Ts.UTC().Format(time.RFC3339Nano),
	}
}

// Canonical returns the deterministic JSON form of the sealed event, as
// written to every sink.
func (e *Event) Canonical() ([]byte, error) {
	env := e.unsealed()
	env["hash"] = e.Hash
	env["signature"] = e.Signature
	env["signerId"] = e.SignerID
	return marshalCanonical(env)
}
