package record

import "time"

// Record is a traceable object: immutable identity and provenance, mutable
// custody. CustodianID is nil while custody is unassigned - freshly minted
// records start unassigned and may be reclaimed to unassigned later.
type Record struct {
	ID             string
	TradeItemID    string
	SerialNumber   string
	Description    string
	LotNumber      string
	Expiration     *time.Time
	SourceRef      string
	LocationDomain string
	Geolocation    string
	CreatorID      string
	CustodianID    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MintParams carries the business attributes for a new record.
type MintParams struct {
	CallerID       string
	TradeItemID    string
	SerialNumber   string
	Description    string
	LotNumber      string
	Expiration     *time.Time
	SourceRef      string
	LocationDomain string
	Geolocation    string
}

// TransferParams describes a custody handoff. A nil NewCustodianID
// unassigns custody, which re-arms the creator's first-transfer privilege.
type TransferParams struct {
	RecordID       string
	CallerID       string
	NewCustodianID *string
}

// AttributeUpdate bundles the physically-observable fields a custodian may
// revise. Nil fields are left untouched.
type AttributeUpdate struct {
	Description *string
	LotNumber   *string
	Geolocation *string
}

// Filters narrows record listings.
type Filters struct {
	CreatorID   string
	CustodianID string
	Page        int
	PageSize    int
}
