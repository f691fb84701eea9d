package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"traceflow/counter"
	"traceflow/envelope"
	"traceflow/logger"
	"traceflow/party"
	"traceflow/record"
)

type partyService interface {
	Register(ctx context.Context, req party.RegisterRequest) (*party.Party, error)
	Login(ctx context.Context, req party.LoginRequest) (party.LoginResult, error)
	VerifyToken(token string) (string, party.Role, error)
}

type recordService interface {
	Mint(ctx context.Context, params record.MintParams) (record.Record, error)
	Transfer(ctx context.Context, params record.TransferParams) (record.Record, error)
	UpdateLocationDomain(ctx context.Context, recordID, value, callerID string) (record.Record, error)
	UpdateGeolocation(ctx context.Context, recordID, value, callerID string) (record.Record, error)
	UpdateAttributes(ctx context.Context, recordID string, update record.AttributeUpdate, callerID string) (record.Record, error)
	Delete(ctx context.Context, recordID, callerID string) error
	Get(ctx context.Context, recordID string) (record.Record, error)
	List(ctx context.Context, filters record.Filters) ([]record.Record, int, error)
}

// Server wires the HTTP surface to the registry services.
type Server struct {
	log       *logger.Logger
	parties   partyService
	records   recordService
	envelopes envelope.Ledger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/parties/register", s.handleRegister)
	mux.HandleFunc("POST /api/parties/login", s.handleLogin)
	mux.Handle("POST /api/records", s.auth(s.operatorOnly(s.handleMint)))
	mux.Handle("GET /api/records", s.auth(s.handleListRecords))
	mux.Handle("GET /api/records/{id}", s.auth(s.handleGetRecord))
	mux.Handle("POST /api/records/{id}/transfer", s.auth(s.operatorOnly(s.handleTransfer)))
	mux.Handle("PATCH /api/records/{id}/location-domain", s.auth(s.operatorOnly(s.handleLocationDomain)))
	mux.Handle("PATCH /api/records/{id}/geolocation", s.auth(s.operatorOnly(s.handleGeolocation)))
	mux.Handle("PATCH /api/records/{id}/attributes", s.auth(s.operatorOnly(s.handleAttributes)))
	mux.Handle("DELETE /api/records/{id}", s.auth(s.operatorOnly(s.handleDeleteRecord)))
	mux.Handle("POST /api/records/{id}/envelopes", s.auth(s.handleDeposit))
	mux.Handle("GET /api/records/{id}/envelopes", s.auth(s.handleInbox))
	mux.Handle("POST /api/records/{id}/envelopes/{envelopeID}/receive", s.auth(s.operatorOnly(s.handleReceive)))
	return mux
}

type callerKey struct{}

type roleKey struct{}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(callerKey{}).(string)
	return id
}

func callerRole(r *http.Request) party.Role {
	role, _ := r.Context().Value(roleKey{}).(party.Role)
	return role
}

// auth resolves the authenticated caller identity and role from the bearer
// token and stores them on the request context. The registry never
// authenticates beyond this point; services only compare the caller against
// stored fields.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		partyID, role, err := s.parties.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey{}, partyID)
		ctx = context.WithValue(ctx, roleKey{}, role)
		next(w, r.WithContext(ctx))
	})
}

// operatorOnly rejects callers whose token carries the observer role.
// Observers may read records and deposit envelopes; every custody mutation
// and envelope receipt requires an operator.
func (s *Server) operatorOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if callerRole(r) != party.RoleOperator {
			writeJSONError(w, http.StatusForbidden, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req party.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.parties.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, partyResponseFrom(*p))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req party.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.parties.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		Party: partyResponseFrom(result.Party),
	})
}

type mintRequest struct {
	TradeItemID    string     `json:"trade_item_id"`
	SerialNumber   string     `json:"serial_number"`
	Description    string     `json:"description"`
	LotNumber      string     `json:"lot_number"`
	Expiration     *time.Time `json:"expiration"`
	SourceRef      string     `json:"source_ref"`
	LocationDomain string     `json:"location_domain"`
	Geolocation    string     `json:"geolocation"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.records.Mint(r.Context(), record.MintParams{
		CallerID:       callerID(r),
		TradeItemID:    req.TradeItemID,
		SerialNumber:   req.SerialNumber,
		Description:    req.Description,
		LotNumber:      req.LotNumber,
		Expiration:     req.Expiration,
		SourceRef:      req.SourceRef,
		LocationDomain: req.LocationDomain,
		Geolocation:    req.Geolocation,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, recordResponseFrom(rec))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponseFrom(rec))
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := record.Filters{
		CreatorID:   q.Get("creator_id"),
		CustodianID: q.Get("custodian_id"),
		Page:        atoiDefault(q.Get("page"), 1),
		PageSize:    atoiDefault(q.Get("page_size"), 20),
	}

	records, total, err := s.records.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, recordResponseFrom(rec))
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Items: items, Total: total})
}

type transferRequest struct {
	// NewCustodianID null unassigns custody.
	NewCustodianID *string `json:"new_custodian_id"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.records.Transfer(r.Context(), record.TransferParams{
		RecordID:       r.PathValue("id"),
		CallerID:       callerID(r),
		NewCustodianID: req.NewCustodianID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recordResponseFrom(rec))
}

type valueRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleLocationDomain(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.records.UpdateLocationDomain(r.Context(), r.PathValue("id"), req.Value, callerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recordResponseFrom(rec))
}

func (s *Server) handleGeolocation(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.records.UpdateGeolocation(r.Context(), r.PathValue("id"), req.Value, callerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recordResponseFrom(rec))
}

type attributesRequest struct {
	Description *string `json:"description"`
	LotNumber   *string `json:"lot_number"`
	Geolocation *string `json:"geolocation"`
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	var req attributesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.records.UpdateAttributes(r.Context(), r.PathValue("id"), record.AttributeUpdate{
		Description: req.Description,
		LotNumber:   req.LotNumber,
		Geolocation: req.Geolocation,
	}, callerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, recordResponseFrom(rec))
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.records.Delete(r.Context(), r.PathValue("id"), callerID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var payload envelope.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	env, err := s.envelopes.Deposit(r.Context(), envelope.DepositParams{
		RecordID: r.PathValue("id"),
		CallerID: callerID(r),
		Payload:  payload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelopeResponseFrom(env))
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	envelopes, err := s.envelopes.Inbox(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]envelopeResponse, 0, len(envelopes))
	for _, env := range envelopes {
		items = append(items, envelopeResponseFrom(env))
	}
	writeJSON(w, http.StatusOK, inboxResponse{Items: items})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	env, err := s.envelopes.Receive(r.Context(), envelope.ReceiveParams{
		RecordID:   r.PathValue("id"),
		EnvelopeID: r.PathValue("envelopeID"),
		CallerID:   callerID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, envelopeResponseFrom(env))
}

// writeError maps domain sentinels onto HTTP statuses. Authorization
// failures stay opaque: the response never says which gate failed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, record.ErrUnauthorized) || errors.Is(err, envelope.ErrUnauthorized):
		writeJSONError(w, http.StatusForbidden, "unauthorized")
	case errors.Is(err, record.ErrNotFound) || errors.Is(err, envelope.ErrNotFound) ||
		errors.Is(err, envelope.ErrRecordNotFound) || errors.Is(err, party.ErrPartyNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, record.ErrInvalidInput) || errors.Is(err, envelope.ErrInvalidInput) ||
		errors.Is(err, party.ErrInvalidInput) || errors.Is(err, party.ErrWeakPassword):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, party.ErrDuplicateEmail):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, counter.ErrOverflow):
		writeJSONError(w, http.StatusConflict, "registry counter limit reached")
	case errors.Is(err, party.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		if s.log != nil {
			s.log.Error("internal error", "method", r.Method, "path", r.URL.Path, "err", err)
		}
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
