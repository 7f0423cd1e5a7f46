// Package event defines the records that cross ghostwork's privacy boundary.
// These are the public API contract: the edge pipeline consumes Raw events
// and emits Secure events; the transmitter and the ingestion service exchange
// Batch envelopes of Secure events.
package event

import "github.com/veyra/ghostwork/fingerprint"

// Type is the class of observation the capture surface reported.
type Type string

const (
	TypeMutation    Type = "dom_mut"  // DOM subtree changed
	TypeInteraction Type = "user_int" // click, input, navigation, ...
	TypeNetwork     Type = "network"  // intercepted fetch/XHR
	TypeError       Type = "error"    // page-level error
)

// Valid reports whether t is one of the four known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeMutation, TypeInteraction, TypeNetwork, TypeError:
		return true
	}
	return false
}

// IntentClass is one of the twelve closed intent labels the encoder assigns.
type IntentClass string

const (
	IntentDataEntry          IntentClass = "data_entry"
	IntentNavigation         IntentClass = "navigation"
	IntentCommunication      IntentClass = "communication"
	IntentResearch           IntentClass = "research"
	IntentApproval           IntentClass = "approval"
	IntentFileOperation      IntentClass = "file_operation"
	IntentAuthentication     IntentClass = "authentication"
	IntentConfiguration      IntentClass = "configuration"
	IntentDataExtraction     IntentClass = "data_extraction"
	IntentWorkflowTransition IntentClass = "workflow_transition"
	IntentErrorHandling      IntentClass = "error_handling"
	IntentUnknown            IntentClass = "unknown"
)

// Context is the page-level setting of a raw event. It never leaves the
// device: the privacy pipeline hashes the URL in its working copy and the
// secure event carries no context fields at all.
type Context struct {
	URL       string                `json:"url"`
	Viewport  fingerprint.Viewport  `json:"viewport"`
	UserAgent string                `json:"user_agent,omitempty"`
	TabID     string                `json:"tab_id,omitempty"`
}

// Interaction is the payload of a user_int event.
type Interaction struct {
	Action string                   `json:"action"` // click, input, paste, navigate, select, copy, scroll, focus
	Target *fingerprint.Fingerprint `json:"target,omitempty"`
	Value  string                   `json:"value,omitempty"` // raw input value, scrubbed before transmission
}

// Mutation is one entry of a dom_mut payload.
type Mutation struct {
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
	TargetTag string `json:"target_tag,omitempty"`
	FormID    string `json:"form_id,omitempty"`
	OldValue  string `json:"old_value,omitempty"`
	NewValue  string `json:"new_value,omitempty"`
}

// Network is the payload of an intercepted request/response pair.
type Network struct {
	Method string `json:"method"`
	URL    string `json:"url"` // request endpoint, inspected for intent then discarded
	Status int    `json:"status,omitempty"`
}

// Fault is the payload of a page-level error.
type Fault struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// Raw is a device-only observation. It is never persisted and never crosses
// the privacy boundary: the pipeline consumes it, emits a Secure event, and
// the Raw record is dropped. The Type field discriminates which payload
// pointer is set.
type Raw struct {
	Timestamp   int64        `json:"timestamp"` // epoch milliseconds
	SessionID   string       `json:"session_id"`
	Type        Type         `json:"event_type"`
	Interaction *Interaction `json:"interaction,omitempty"`
	Mutations   []Mutation   `json:"mutations,omitempty"`
	Network     *Network     `json:"network,omitempty"`
	Fault       *Fault       `json:"fault,omitempty"`
	Context     Context      `json:"context"`
}

// Secure is the boundary record: the only shape that leaves the device.
// It carries no plaintext URL, no user text, and no credential material.
type Secure struct {
	SessionFingerprint string      `json:"sessionFingerprint"`
	TimestampBucket    string      `json:"timestampBucket"` // ISO 8601 at 5-min granularity
	IntentVector       []float32   `json:"intentVector"`
	StructuralHash     string      `json:"structuralHash"`
	OrgID              string      `json:"orgId"`
	Type               Type        `json:"eventType"`
	IntentLabel        IntentClass `json:"intentLabel"`
	IntentConfidence   float64     `json:"intentConfidence"`
	ElementSignature   string      `json:"elementSignature,omitempty"`
	SequenceNumber     uint64      `json:"sequenceNumber"`
}

// Batch is the transmit envelope: up to the transmitter's batch size of
// secure events plus routing metadata.
type Batch struct {
	Events            []Secure `json:"events"`
	DeviceFingerprint string   `json:"deviceFingerprint"`
	BatchID           string   `json:"batchId"`
	SentAt            string   `json:"sentAt"` // ISO 8601
}
