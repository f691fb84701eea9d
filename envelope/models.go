package envelope

import "time"

// Status tags the envelope lifecycle. Consumption flips pending to consumed
// rather than deleting the row; consumed envelopes are logically gone from
// the protocol but retained for audit.
type Status string

const (
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
)

// Envelope is a business event routed to exactly one custody record. Its
// identity, origin, and target are fixed at creation; only the consumption
// state changes afterwards.
type Envelope struct {
	ID          string
	RecordID    string
	OriginID    string
	EventType   string
	BizStep     string
	Disposition string
	Location    string
	Note        string
	Status      Status
	CreatedAt   time.Time
	ConsumedAt  *time.Time
	ConsumedBy  *string
}

// Payload carries the business content, opaque to the protocol.
type Payload struct {
	EventType   string `json:"event_type"`
	BizStep     string `json:"biz_step"`
	Disposition string `json:"disposition"`
	Location    string `json:"location"`
	Note        string `json:"note"`
}

// DepositParams addresses a new envelope to a record.
type DepositParams struct {
	RecordID string
	CallerID string
	Payload  Payload
}

// ReceiveParams identifies the envelope to withdraw and the caller claiming it.
type ReceiveParams struct {
	RecordID   string
	EnvelopeID string
	CallerID   string
}
