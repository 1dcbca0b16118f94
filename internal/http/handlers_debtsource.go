package http

import (
	"net/http"
	"time"

	"debttrack/internal/core"
	"debttrack/internal/services"
)

type debtSourceRequest struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	InitialAmount     float64  `json:"initialAmount"`
	InterestRate      *float64 `json:"interestRate,omitempty"`
	MinMonthlyPayment float64  `json:"minMonthlyPayment"`
	CanOverpay        bool     `json:"canOverpay"`
	AccountLimit      *float64 `json:"accountLimit,omitempty"`
	IsActive          *bool    `json:"isActive,omitempty"`
	Color             string   `json:"color"`
	Notes             string   `json:"notes"`
}

type debtSourceResponse struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	InitialAmount     float64   `json:"initialAmount"`
	InterestRate      *float64  `json:"interestRate,omitempty"`
	MinMonthlyPayment float64   `json:"minMonthlyPayment"`
	CanOverpay        bool      `json:"canOverpay"`
	AccountLimit      *float64  `json:"accountLimit,omitempty"`
	IsActive          bool      `json:"isActive"`
	Color             string    `json:"color"`
	Notes             string    `json:"notes"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func toDebtSourceResponse(ds core.DebtSource) debtSourceResponse {
	return debtSourceResponse{
		ID:                ds.ID,
		Name:              ds.Name,
		Type:              string(ds.Type),
		InitialAmount:     ds.InitialAmount,
		InterestRate:      ds.InterestRate,
		MinMonthlyPayment: ds.MinMonthlyPayment,
		CanOverpay:        ds.CanOverpay,
		AccountLimit:      ds.AccountLimit,
		IsActive:          ds.IsActive,
		Color:             ds.Color,
		Notes:             ds.Notes,
		CreatedAt:         ds.CreatedAt,
		UpdatedAt:         ds.UpdatedAt,
	}
}

func (req debtSourceRequest) toInput() services.DebtSourceInput {
	return services.DebtSourceInput{
		Name:              req.Name,
		Type:              core.DebtType(req.Type),
		InitialAmount:     req.InitialAmount,
		InterestRate:      req.InterestRate,
		MinMonthlyPayment: req.MinMonthlyPayment,
		CanOverpay:        req.CanOverpay,
		AccountLimit:      req.AccountLimit,
		Color:             req.Color,
		Notes:             req.Notes,
	}
}

func (s *Server) handleListDebtSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.ledger.ListDebtSources(r.Context(), currentUserID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := make([]debtSourceResponse, 0, len(sources))
	for _, ds := range sources {
		resp = append(resp, toDebtSourceResponse(ds))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateDebtSource(w http.ResponseWriter, r *http.Request) {
	var req debtSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := currentUserID(r)
	ds, err := s.ledger.CreateDebtSource(r.Context(), userID, req.toInput())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.invalidateDerivation(userID)
	writeJSON(w, http.StatusCreated, toDebtSourceResponse(ds))
}

func (s *Server) handleGetDebtSource(w http.ResponseWriter, r *http.Request) {
	ds, err := s.ledger.GetDebtSource(r.Context(), currentUserID(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDebtSourceResponse(ds))
}

func (s *Server) handleUpdateDebtSource(w http.ResponseWriter, r *http.Request) {
	var req debtSourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := currentUserID(r)

	input := req.toInput()
	if req.IsActive != nil {
		input.IsActive = *req.IsActive
	} else {
		existing, err := s.ledger.GetDebtSource(r.Context(), userID, r.PathValue("id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		input.IsActive = existing.IsActive
	}

	ds, err := s.ledger.UpdateDebtSource(r.Context(), userID, r.PathValue("id"), input)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.invalidateDerivation(userID)
	writeJSON(w, http.StatusOK, toDebtSourceResponse(ds))
}

func (s *Server) handleArchiveDebtSource(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)
	if err := s.ledger.ArchiveDebtSource(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.invalidateDerivation(userID)
	w.WriteHeader(http.StatusNoContent)
}
