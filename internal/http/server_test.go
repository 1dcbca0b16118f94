package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"debttrack/internal/auth"
	"debttrack/internal/core"
	"debttrack/internal/services"
	"debttrack/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "debttrack.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	ledger := services.NewLedgerService(repo, nil)
	authSvc := auth.NewService(repo, "test-secret", time.Hour)

	srv := NewServer(":0", ledger, authSvc, time.Minute)
	t.Cleanup(func() {
		srv.janitor.Stop()
		srv.rateLimiter.stop()
	})
	return srv
}

// doJSON performs a request against the server's handler and decodes the
// JSON response into out when out is non-nil.
func doJSON(t *testing.T, srv *Server, method, path, token string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v (body: %s)", method, path, err, rec.Body.String())
		}
	}
	return rec.Code
}

// signup registers a user and returns a valid bearer token.
func signup(t *testing.T, srv *Server, username string) string {
	t.Helper()

	creds := credentialsRequest{Username: username, Password: "password123"}
	if code := doJSON(t, srv, http.MethodPost, "/api/register", "", creds, nil); code != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, code)
	}

	var login loginResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/login", "", creds, &login); code != http.StatusOK {
		t.Fatalf("login %s: status %d", username, code)
	}
	return login.Token
}

func TestRegisterAndLoginFlow(t *testing.T) {
	srv := newTestServer(t)

	creds := credentialsRequest{Username: "alice", Password: "password123"}

	var reg registerResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/register", "", creds, &reg); code != http.StatusCreated {
		t.Fatalf("register: status %d", code)
	}
	if reg.ID == "" || reg.Username != "alice" {
		t.Errorf("register response = %+v", reg)
	}

	if code := doJSON(t, srv, http.MethodPost, "/api/register", "", creds, nil); code != http.StatusConflict {
		t.Errorf("duplicate register: status %d, want 409", code)
	}

	var login loginResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/login", "", creds, &login); code != http.StatusOK {
		t.Fatalf("login: status %d", code)
	}
	if login.Token == "" {
		t.Error("login returned empty token")
	}

	bad := credentialsRequest{Username: "alice", Password: "wrong"}
	if code := doJSON(t, srv, http.MethodPost, "/api/login", "", bad, nil); code != http.StatusUnauthorized {
		t.Errorf("bad login: status %d, want 401", code)
	}
}

func TestRegisterValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name  string
		creds credentialsRequest
	}{
		{"empty username", credentialsRequest{Password: "password123"}},
		{"empty password", credentialsRequest{Username: "alice"}},
		{"short password", credentialsRequest{Username: "alice", Password: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSON(t, srv, http.MethodPost, "/api/register", "", tt.creds, nil); code != http.StatusUnprocessableEntity {
				t.Errorf("register: status %d, want 422", code)
			}
		})
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	srv := newTestServer(t)

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/debt-sources"},
		{http.MethodGet, "/api/records"},
		{http.MethodGet, "/api/settings"},
		{http.MethodGet, "/api/dashboard"},
	}
	for _, p := range paths {
		if code := doJSON(t, srv, p.method, p.path, "", nil, nil); code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status %d, want 401", p.method, p.path, code)
		}
		if code := doJSON(t, srv, p.method, p.path, "garbage", nil, nil); code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: status %d, want 401", p.method, p.path, code)
		}
	}
}

func TestDebtSourceEndpoints(t *testing.T) {
	srv := newTestServer(t)
	token := signup(t, srv, "alice")

	var created debtSourceResponse
	req := debtSourceRequest{
		Name: "Car loan", Type: "CREDIT", InitialAmount: 12000, MinMonthlyPayment: 250, Color: "#ff0000",
	}
	if code := doJSON(t, srv, http.MethodPost, "/api/debt-sources", token, req, &created); code != http.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	if created.ID == "" || !created.IsActive {
		t.Errorf("created source = %+v", created)
	}

	var list []debtSourceResponse
	if code := doJSON(t, srv, http.MethodGet, "/api/debt-sources", token, nil, &list); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(list) != 1 {
		t.Fatalf("list returned %d sources, want 1", len(list))
	}

	req.Name = "Renamed loan"
	var updated debtSourceResponse
	if code := doJSON(t, srv, http.MethodPut, "/api/debt-sources/"+created.ID, token, req, &updated); code != http.StatusOK {
		t.Fatalf("update: status %d", code)
	}
	if updated.Name != "Renamed loan" {
		t.Errorf("updated name = %q", updated.Name)
	}

	if code := doJSON(t, srv, http.MethodDelete, "/api/debt-sources/"+created.ID, token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("archive: status %d", code)
	}
	var archived debtSourceResponse
	if code := doJSON(t, srv, http.MethodGet, "/api/debt-sources/"+created.ID, token, nil, &archived); code != http.StatusOK {
		t.Fatalf("get after archive: status %d", code)
	}
	if archived.IsActive {
		t.Error("source still active after archive")
	}

	if code := doJSON(t, srv, http.MethodGet, "/api/debt-sources/missing", token, nil, nil); code != http.StatusNotFound {
		t.Errorf("get missing: status %d, want 404", code)
	}

	invalid := debtSourceRequest{Name: "", Type: "CREDIT"}
	if code := doJSON(t, srv, http.MethodPost, "/api/debt-sources", token, invalid, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("create invalid: status %d, want 422", code)
	}
}

func TestRecordEndpoints(t *testing.T) {
	srv := newTestServer(t)
	token := signup(t, srv, "alice")

	var card debtSourceResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/debt-sources", token, debtSourceRequest{
		Name: "Card", Type: "CREDIT_CARD", InitialAmount: 500,
	}, &card); code != http.StatusCreated {
		t.Fatalf("create card: status %d", code)
	}

	// The user enters the card's new balance; the server stores the delta.
	var rec recordResponse
	body := recordRequest{Month: "2024-01", Assets: 10000, Debts: []enteredDebtInput{{DebtSourceID: card.ID, Value: 350}}}
	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, body, &rec); code != http.StatusCreated {
		t.Fatalf("create record: status %d", code)
	}
	if len(rec.Debts) != 1 || math.Abs(rec.Debts[0].Payment-150) > core.Epsilon {
		t.Errorf("stored payment = %+v, want 150", rec.Debts)
	}

	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, body, nil); code != http.StatusConflict {
		t.Errorf("duplicate month: status %d, want 409", code)
	}

	badMonth := recordRequest{Month: "2024-13", Assets: 0}
	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, badMonth, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("bad month: status %d, want 422", code)
	}

	body.Month = "2024-02"
	body.Debts[0].Value = 250
	var second recordResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, body, &second); code != http.StatusCreated {
		t.Fatalf("create second record: status %d", code)
	}

	var list []recordResponse
	if code := doJSON(t, srv, http.MethodGet, "/api/records", token, nil, &list); code != http.StatusOK {
		t.Fatalf("list records: status %d", code)
	}
	if len(list) != 2 || list[0].Month != "2024-02" {
		t.Errorf("list = %d records, first month %q; want 2 records newest first", len(list), list[0].Month)
	}

	if code := doJSON(t, srv, http.MethodDelete, "/api/records/"+second.ID, token, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete record: status %d", code)
	}
	if code := doJSON(t, srv, http.MethodGet, "/api/records/"+second.ID, token, nil, nil); code != http.StatusNotFound {
		t.Errorf("get deleted record: status %d, want 404", code)
	}
}

func TestRecordStringAmounts(t *testing.T) {
	srv := newTestServer(t)
	token := signup(t, srv, "alice")

	var loan debtSourceResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/debt-sources", token, debtSourceRequest{
		Name: "Loan", Type: "CREDIT", InitialAmount: 1000,
	}, &loan); code != http.StatusCreated {
		t.Fatalf("create loan: status %d", code)
	}

	// Amounts arrive the way users type them, decimal comma included.
	body := map[string]any{
		"month":  "2024-01",
		"assets": "42000,50",
		"debts":  []map[string]any{{"debtSourceId": loan.ID, "value": "150.25"}},
	}
	var rec recordResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, body, &rec); code != http.StatusCreated {
		t.Fatalf("create record: status %d", code)
	}
	if rec.Assets != 42000.5 {
		t.Errorf("assets = %v, want 42000.5", rec.Assets)
	}
	if len(rec.Debts) != 1 || rec.Debts[0].Payment != 150.25 {
		t.Errorf("stored payment = %+v, want 150.25", rec.Debts)
	}

	bad := map[string]any{"month": "2024-02", "assets": "not a number"}
	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, bad, nil); code != http.StatusBadRequest {
		t.Errorf("malformed amount: status %d, want 400", code)
	}
}

func TestDashboardEndpoint(t *testing.T) {
	srv := newTestServer(t)
	token := signup(t, srv, "alice")

	var loan debtSourceResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/debt-sources", token, debtSourceRequest{
		Name: "Loan", Type: "CREDIT", InitialAmount: 10000, MinMonthlyPayment: 300,
	}, &loan); code != http.StatusCreated {
		t.Fatalf("create loan: status %d", code)
	}

	if code := doJSON(t, srv, http.MethodPut, "/api/settings", token, settingsRequest{FlatPricePerM2: 10000}, nil); code != http.StatusOK {
		t.Fatalf("put settings: status %d", code)
	}

	body := recordRequest{Month: "2024-01", Assets: 30000, Debts: []enteredDebtInput{{DebtSourceID: loan.ID, Value: 2000}}}
	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, body, nil); code != http.StatusCreated {
		t.Fatalf("create record: status %d", code)
	}

	var dash dashboardResponse
	if code := doJSON(t, srv, http.MethodGet, "/api/dashboard", token, nil, &dash); code != http.StatusOK {
		t.Fatalf("dashboard: status %d", code)
	}

	if len(dash.Records) != 1 {
		t.Fatalf("dashboard records = %d, want 1", len(dash.Records))
	}
	got := dash.Records[0]
	if math.Abs(got.TotalDebt-8000) > core.Epsilon {
		t.Errorf("TotalDebt = %.2f, want 8000", got.TotalDebt)
	}
	if math.Abs(got.NetWorth-22000) > core.Epsilon {
		t.Errorf("NetWorth = %.2f, want 22000", got.NetWorth)
	}
	if math.Abs(got.FlatM2-2.2) > core.Epsilon {
		t.Errorf("FlatM2 = %.2f, want 2.2", got.FlatM2)
	}
	if math.Abs(dash.MinimumPayment-300) > core.Epsilon {
		t.Errorf("MinimumPayment = %.2f, want 300", dash.MinimumPayment)
	}
	if len(dash.DebtSources) != 1 || math.Abs(dash.DebtSources[0].CurrentAmount-8000) > core.Epsilon {
		t.Errorf("DebtSources = %+v, want one source at 8000", dash.DebtSources)
	}

	// A mutation must be visible on the next dashboard read despite caching.
	body.Month = "2024-02"
	body.Debts[0].Value = 1000
	if code := doJSON(t, srv, http.MethodPost, "/api/records", token, body, nil); code != http.StatusCreated {
		t.Fatalf("create second record: status %d", code)
	}
	if code := doJSON(t, srv, http.MethodGet, "/api/dashboard", token, nil, &dash); code != http.StatusOK {
		t.Fatalf("dashboard after mutation: status %d", code)
	}
	if len(dash.Records) != 2 {
		t.Fatalf("dashboard records after mutation = %d, want 2", len(dash.Records))
	}
	if math.Abs(dash.Records[0].TotalDebt-7000) > core.Epsilon {
		t.Errorf("TotalDebt after second record = %.2f, want 7000", dash.Records[0].TotalDebt)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	token := signup(t, srv, "alice")

	var settings settingsResponse
	if code := doJSON(t, srv, http.MethodGet, "/api/settings", token, nil, &settings); code != http.StatusOK {
		t.Fatalf("get settings: status %d", code)
	}
	if settings.FlatPricePerM2 != storage.DefaultFlatPricePerM2 {
		t.Errorf("default FlatPricePerM2 = %.2f, want %.2f", settings.FlatPricePerM2, float64(storage.DefaultFlatPricePerM2))
	}

	if code := doJSON(t, srv, http.MethodPut, "/api/settings", token, settingsRequest{FlatPricePerM2: 12500}, &settings); code != http.StatusOK {
		t.Fatalf("put settings: status %d", code)
	}
	if settings.FlatPricePerM2 != 12500 {
		t.Errorf("FlatPricePerM2 = %.2f, want 12500", settings.FlatPricePerM2)
	}

	if code := doJSON(t, srv, http.MethodPut, "/api/settings", token, settingsRequest{FlatPricePerM2: -5}, nil); code != http.StatusUnprocessableEntity {
		t.Errorf("invalid settings: status %d, want 422", code)
	}
}

func TestUserIsolation(t *testing.T) {
	srv := newTestServer(t)
	aliceToken := signup(t, srv, "alice")
	bobToken := signup(t, srv, "bob")

	var loan debtSourceResponse
	if code := doJSON(t, srv, http.MethodPost, "/api/debt-sources", aliceToken, debtSourceRequest{
		Name: "Loan", Type: "CREDIT", InitialAmount: 1000,
	}, &loan); code != http.StatusCreated {
		t.Fatalf("create loan: status %d", code)
	}

	if code := doJSON(t, srv, http.MethodGet, "/api/debt-sources/"+loan.ID, bobToken, nil, nil); code != http.StatusNotFound {
		t.Errorf("cross-user get: status %d, want 404", code)
	}

	var bobList []debtSourceResponse
	if code := doJSON(t, srv, http.MethodGet, "/api/debt-sources", bobToken, nil, &bobList); code != http.StatusOK {
		t.Fatalf("bob list: status %d", code)
	}
	if len(bobList) != 0 {
		t.Errorf("bob sees %d of alice's sources", len(bobList))
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: status %d, want 200", path, rec.Code)
		}
	}
}

func TestMutationRateLimit(t *testing.T) {
	srv := newTestServer(t)

	// Same client IP throughout; the 61st mutating request must be rejected.
	var lastCode int
	for i := 0; i < 61; i++ {
		creds := credentialsRequest{Username: fmt.Sprintf("user%d", i), Password: "password123"}
		lastCode = doJSON(t, srv, http.MethodPost, "/api/register", "", creds, nil)
	}
	if lastCode != http.StatusTooManyRequests {
		t.Errorf("61st mutating request: status %d, want 429", lastCode)
	}
}
