package http

import (
	"net/http"
	"time"

	"debttrack/internal/core"
	"debttrack/internal/services"
)

type recordRequest struct {
	Month  string             `json:"month"`
	Assets jsonAmount         `json:"assets"`
	Debts  []enteredDebtInput `json:"debts"`
}

// enteredDebtInput carries the raw value the user typed for one debt source.
// Its meaning depends on the source type: a payment for direct sources, the
// new balance for cards, the account balance for limit-backed accounts.
type enteredDebtInput struct {
	DebtSourceID string     `json:"debtSourceId"`
	Value        jsonAmount `json:"value"`
}

type debtEntryResponse struct {
	DebtSourceID string  `json:"debtSourceId"`
	Payment      float64 `json:"payment"`
}

type recordResponse struct {
	ID        string              `json:"id"`
	Month     string              `json:"month"`
	Assets    float64             `json:"assets"`
	Debts     []debtEntryResponse `json:"debts"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func toRecordResponse(rec core.Record) recordResponse {
	debts := make([]debtEntryResponse, 0, len(rec.Debts))
	for _, d := range rec.Debts {
		debts = append(debts, debtEntryResponse{DebtSourceID: d.DebtSourceID, Payment: d.Payment})
	}
	return recordResponse{
		ID:        rec.ID,
		Month:     string(rec.Month),
		Assets:    rec.Assets,
		Debts:     debts,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (req recordRequest) entries() []services.EnteredDebt {
	entries := make([]services.EnteredDebt, 0, len(req.Debts))
	for _, d := range req.Debts {
		entries = append(entries, services.EnteredDebt{DebtSourceID: d.DebtSourceID, Value: float64(d.Value)})
	}
	return entries
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.ListRecords(r.Context(), currentUserID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := currentUserID(r)
	rec, err := s.ledger.CreateRecord(r.Context(), userID, core.Month(req.Month), float64(req.Assets), req.entries())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.invalidateDerivation(userID)
	writeJSON(w, http.StatusCreated, toRecordResponse(rec))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ledger.GetRecord(r.Context(), currentUserID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := currentUserID(r)
	rec, err := s.ledger.UpdateRecord(r.Context(), userID, r.PathValue("id"), core.Month(req.Month), float64(req.Assets), req.entries())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.invalidateDerivation(userID)
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if err := s.ledger.DeleteRecord(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.invalidateDerivation(userID)
	w.WriteHeader(http.StatusNoContent)
}
