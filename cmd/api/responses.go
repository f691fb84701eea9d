package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"traceflow/envelope"
	"traceflow/party"
	"traceflow/record"
)

type partyResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func partyResponseFrom(p party.Party) partyResponse {
	return partyResponse{
		ID:        p.ID,
		Email:     p.Email,
		FullName:  p.FullName,
		Role:      string(p.Role),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

type loginResponse struct {
	Token string        `json:"token"`
	Party partyResponse `json:"party"`
}

type recordResponse struct {
	ID             string  `json:"id"`
	TradeItemID    string  `json:"trade_item_id"`
	SerialNumber   string  `json:"serial_number"`
	Description    string  `json:"description"`
	LotNumber      string  `json:"lot_number"`
	Expiration     *string `json:"expiration,omitempty"`
	SourceRef      string  `json:"source_ref"`
	LocationDomain string  `json:"location_domain"`
	Geolocation    string  `json:"geolocation"`
	CreatorID      string  `json:"creator_id"`
	CustodianID    *string `json:"custodian_id"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

func recordResponseFrom(rec record.Record) recordResponse {
	resp := recordResponse{
		ID:             rec.ID,
		TradeItemID:    rec.TradeItemID,
		SerialNumber:   rec.SerialNumber,
		Description:    rec.Description,
		LotNumber:      rec.LotNumber,
		SourceRef:      rec.SourceRef,
		LocationDomain: rec.LocationDomain,
		Geolocation:    rec.Geolocation,
		CreatorID:      rec.CreatorID,
		CustodianID:    rec.CustodianID,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      rec.UpdatedAt.Format(time.RFC3339),
	}
	if rec.Expiration != nil {
		exp := rec.Expiration.Format(time.RFC3339)
		resp.Expiration = &exp
	}
	return resp
}

type listRecordsResponse struct {
	Items []recordResponse `json:"items"`
	Total int              `json:"total"`
}

type envelopeResponse struct {
	ID          string  `json:"id"`
	RecordID    string  `json:"record_id"`
	OriginID    string  `json:"origin_id"`
	EventType   string  `json:"event_type"`
	BizStep     string  `json:"biz_step"`
	Disposition string  `json:"disposition"`
	Location    string  `json:"location"`
	Note        string  `json:"note"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ConsumedAt  *string `json:"consumed_at,omitempty"`
}

func envelopeResponseFrom(env envelope.Envelope) envelopeResponse {
	resp := envelopeResponse{
		ID:          env.ID,
		RecordID:    env.RecordID,
		OriginID:    env.OriginID,
		EventType:   env.EventType,
		BizStep:     env.BizStep,
		Disposition: env.Disposition,
		Location:    env.Location,
		Note:        env.Note,
		Status:      string(env.Status),
		CreatedAt:   env.CreatedAt.Format(time.RFC3339),
	}
	if env.ConsumedAt != nil {
		at := env.ConsumedAt.Format(time.RFC3339)
		resp.ConsumedAt = &at
	}
	return resp
}

type inboxResponse struct {
	Items []envelopeResponse `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
