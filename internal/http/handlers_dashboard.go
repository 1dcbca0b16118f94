package http

import (
	"net/http"

	"debttrack/internal/core"
)

type settingsRequest struct {
	FlatPricePerM2 float64 `json:"flatPricePerM2"`
}

type settingsResponse struct {
	FlatPricePerM2 float64 `json:"flatPricePerM2"`
}

type paymentEventResponse struct {
	RecordID string  `json:"recordId"`
	Month    string  `json:"month"`
	Payment  float64 `json:"payment"`
	Amount   float64 `json:"amount"`
}

type calculatedDebtSourceResponse struct {
	debtSourceResponse
	CurrentAmount     float64                `json:"currentAmount"`
	HistoryOfPayments []paymentEventResponse `json:"historyOfPayments"`
}

type calculatedDebtEntryResponse struct {
	DebtSourceID string  `json:"debtSourceId"`
	Payment      float64 `json:"payment"`
	Amount       float64 `json:"amount"`
}

type calculatedRecordResponse struct {
	recordResponse
	CalculatedDebts []calculatedDebtEntryResponse `json:"calculatedDebts"`
	TotalDebt       float64                       `json:"totalDebt"`
	NetWorth        float64                       `json:"netWorth"`
	FlatM2          float64                       `json:"flatM2"`
	TotalPayment    float64                       `json:"totalPayment"`
}

// dashboardResponse is the full derived state: every record and debt source
// with running totals, newest first, plus the combined minimum payment.
type dashboardResponse struct {
	Records        []calculatedRecordResponse     `json:"records"`
	DebtSources    []calculatedDebtSourceResponse `json:"debtSources"`
	MinimumPayment float64                        `json:"minimumPayment"`
}

func toCalculatedDebtSourceResponse(cs core.CalculatedDebtSource) calculatedDebtSourceResponse {
	history := make([]paymentEventResponse, 0, len(cs.HistoryOfPayments))
	for _, ev := range cs.HistoryOfPayments {
		history = append(history, paymentEventResponse{
			RecordID: ev.RecordID,
			Month:    string(ev.Month),
			Payment:  ev.Payment,
			Amount:   ev.Amount,
		})
	}
	return calculatedDebtSourceResponse{
		debtSourceResponse: toDebtSourceResponse(cs.DebtSource),
		CurrentAmount:      cs.CurrentAmount,
		HistoryOfPayments:  history,
	}
}

func toCalculatedRecordResponse(cr core.CalculatedRecord) calculatedRecordResponse {
	debts := make([]calculatedDebtEntryResponse, 0, len(cr.CalculatedDebts))
	for _, d := range cr.CalculatedDebts {
		debts = append(debts, calculatedDebtEntryResponse{
			DebtSourceID: d.DebtSourceID,
			Payment:      d.Payment,
			Amount:       d.Amount,
		})
	}
	return calculatedRecordResponse{
		recordResponse:  toRecordResponse(cr.Record),
		CalculatedDebts: debts,
		TotalDebt:       cr.TotalDebt,
		NetWorth:        cr.NetWorth,
		FlatM2:          cr.FlatM2,
		TotalPayment:    cr.TotalPayment,
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	userID := currentUserID(r)

	d, err := s.getDerivation(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := dashboardResponse{
		Records:        make([]calculatedRecordResponse, 0, len(d.Records)),
		DebtSources:    make([]calculatedDebtSourceResponse, 0, len(d.DebtSources)),
		MinimumPayment: d.MinimumPayment,
	}
	for _, cr := range d.Records {
		resp.Records = append(resp.Records, toCalculatedRecordResponse(cr))
	}
	for _, cs := range d.DebtSources {
		resp.DebtSources = append(resp.DebtSources, toCalculatedDebtSourceResponse(cs))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.ledger.GetSettings(r.Context(), currentUserID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{FlatPricePerM2: settings.FlatPricePerM2})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	userID := currentUserID(r)
	settings, err := s.ledger.UpdateSettings(r.Context(), userID, req.FlatPricePerM2)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	s.invalidateDerivation(userID)
	writeJSON(w, http.StatusOK, settingsResponse{FlatPricePerM2: settings.FlatPricePerM2})
}
