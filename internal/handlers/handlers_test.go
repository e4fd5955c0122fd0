package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/rankwatch/backend/internal/auth"
	"github.com/rankwatch/backend/internal/ledger"
	"github.com/rankwatch/backend/internal/lock"
	"github.com/rankwatch/backend/internal/middleware"
	"github.com/rankwatch/backend/internal/models"
	"github.com/rankwatch/backend/internal/repository"
	"github.com/rankwatch/backend/internal/services"
	"github.com/rankwatch/backend/internal/tracking"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockTracker struct {
	report   *tracking.PassReport
	passErr  error
	passOpts []tracking.PassOptions

	outcome  tracking.Outcome
	result   *models.RankCheckResult
	trackErr error
	tracked  []uuid.UUID
}

func (m *mockTracker) RunPass(ctx context.Context, opts tracking.PassOptions) (*tracking.PassReport, error) {
	m.passOpts = append(m.passOpts, opts)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return m.report, m.passErr
}

func (m *mockTracker) TrackKeyword(_ context.Context, id uuid.UUID) (tracking.Outcome, *models.RankCheckResult, error) {
	m.tracked = append(m.tracked, id)
	return m.outcome, m.result, m.trackErr
}

type mockCatalog struct {
	keywords  map[uuid.UUID]*models.Keyword
	projects  map[uuid.UUID]*models.Project
	members   map[uuid.UUID][]uuid.UUID
	err       error
	memberErr error
}

func (m *mockCatalog) GetKeyword(_ context.Context, id uuid.UUID) (*models.Keyword, error) {
	if m.err != nil {
		return nil, m.err
	}
	k, ok := m.keywords[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return k, nil
}

func (m *mockCatalog) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (m *mockCatalog) IsProjectMember(_ context.Context, projectID, userID uuid.UUID) (bool, error) {
	if m.memberErr != nil {
		return false, m.memberErr
	}
	for _, id := range m.members[projectID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type mockResults struct {
	rows      []*models.RankCheckResult
	lastLimit int
}

func (m *mockResults) ListByKeyword(_ context.Context, _ uuid.UUID, limit int) ([]*models.RankCheckResult, error) {
	m.lastLimit = limit
	return m.rows, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type trackingFixture struct {
	h       *TrackingHandler
	tracker *mockTracker
	catalog *mockCatalog
	results *mockResults
	owner   uuid.UUID
	keyword *models.Keyword
}

func newTrackingFixture() *trackingFixture {
	owner := uuid.New()
	project := &models.Project{ID: uuid.New(), OwnerID: owner, RootDomain: "example.com"}
	kw := &models.Keyword{ID: uuid.New(), ProjectID: project.ID, Term: "rank tracker", IsActive: true}
	f := &trackingFixture{
		tracker: &mockTracker{report: &tracking.PassReport{Due: 3, Processed: 3, Succeeded: 3}},
		catalog: &mockCatalog{
			keywords: map[uuid.UUID]*models.Keyword{kw.ID: kw},
			projects: map[uuid.UUID]*models.Project{project.ID: project},
		},
		results: &mockResults{},
		owner:   owner,
		keyword: kw,
	}
	f.h = &TrackingHandler{Tracker: f.tracker, Catalog: f.catalog, Results: f.results, Logger: quiet}
	return f
}

// do routes the request through a mux so r.PathValue works.
func do(pattern string, h http.HandlerFunc, req *http.Request, user *middleware.User) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	if user != nil {
		req = req.WithContext(middleware.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// 1. Pass triggers
// ---------------------------------------------------------------------------

func TestProcessPass_ReturnsReport(t *testing.T) {
	f := newTrackingFixture()
	req := httptest.NewRequest(http.MethodPost, "/v1/tracking/process", nil)
	rec := do("POST /v1/tracking/process", f.h.ProcessPass, req, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got tracking.PassReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Succeeded != 3 {
		t.Errorf("report: %+v", got)
	}
	if len(f.tracker.passOpts) != 1 || f.tracker.passOpts[0].AllowDebugCadence {
		t.Errorf("scheduled pass must not use debug cadence: %+v", f.tracker.passOpts)
	}
}

func TestProcessPass_SurvivesCallerCancellation(t *testing.T) {
	f := newTrackingFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/tracking/process", nil).WithContext(ctx)
	rec := do("POST /v1/tracking/process", f.h.ProcessPass, req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestProcessPass_Errors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"lock held":   {fmt.Errorf("acquire: %w", lock.ErrPassInProgress), http.StatusConflict},
		"catalog err": {errors.New("db down"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newTrackingFixture()
			f.tracker.passErr = tc.err
			req := httptest.NewRequest(http.MethodPost, "/v1/tracking/process", nil)
			if rec := do("POST /v1/tracking/process", f.h.ProcessPass, req, nil); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestTestProcessPass_Gated(t *testing.T) {
	f := newTrackingFixture()
	req := httptest.NewRequest(http.MethodPost, "/v1/tracking/test-process", nil)
	if rec := do("POST /v1/tracking/test-process", f.h.TestProcessPass, req, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled: expected 404, got %d", rec.Code)
	}
	if len(f.tracker.passOpts) != 0 {
		t.Fatal("disabled endpoint must not run a pass")
	}

	f.h.TestPass = true
	req = httptest.NewRequest(http.MethodPost, "/v1/tracking/test-process", nil)
	if rec := do("POST /v1/tracking/test-process", f.h.TestProcessPass, req, nil); rec.Code != http.StatusOK {
		t.Fatalf("enabled: expected 200, got %d", rec.Code)
	}
	if !f.tracker.passOpts[0].AllowDebugCadence {
		t.Error("test pass must allow debug cadence")
	}
}

// ---------------------------------------------------------------------------
// 2. Manual track
// ---------------------------------------------------------------------------

func TestTrackKeyword_OutcomeMapping(t *testing.T) {
	pos := 4
	cases := []struct {
		name string
		out  tracking.Outcome
		want int
	}{
		{"success", tracking.Outcome{Status: tracking.StatusSuccess, Position: &pos}, http.StatusOK},
		{"inactive", tracking.Outcome{Status: tracking.StatusSkipped, Reason: tracking.ReasonInactive}, http.StatusBadRequest},
		{"no credits", tracking.Outcome{Status: tracking.StatusSkipped, Reason: tracking.ReasonInsufficientCredits}, http.StatusPaymentRequired},
		{"provider", tracking.Outcome{Status: tracking.StatusFailed, Reason: tracking.ReasonProviderError}, http.StatusServiceUnavailable},
		{"persistence", tracking.Outcome{Status: tracking.StatusFailed, Reason: tracking.ReasonPersistenceFailure}, http.StatusServiceUnavailable},
		{"ledger", tracking.Outcome{Status: tracking.StatusFailed, Reason: tracking.ReasonLedgerUnconfirmed}, http.StatusServiceUnavailable},
		{"catalog", tracking.Outcome{Status: tracking.StatusFailed, Reason: tracking.ReasonCatalogError}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTrackingFixture()
			f.tracker.outcome = tc.out
			req := httptest.NewRequest(http.MethodPost, "/v1/keywords/"+f.keyword.ID.String()+"/track", nil)
			rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, req, &middleware.User{ID: f.owner, Role: auth.RoleUser})
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if len(f.tracker.tracked) != 1 || f.tracker.tracked[0] != f.keyword.ID {
				t.Errorf("tracked: %v", f.tracker.tracked)
			}
		})
	}
}

func TestTrackKeyword_AccessChecks(t *testing.T) {
	f := newTrackingFixture()
	stranger := &middleware.User{ID: uuid.New(), Role: auth.RoleUser}
	path := "/v1/keywords/" + f.keyword.ID.String() + "/track"

	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, path, nil), nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no user: expected 401, got %d", rec.Code)
	}
	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, path, nil), stranger); rec.Code != http.StatusForbidden {
		t.Errorf("stranger: expected 403, got %d", rec.Code)
	}
	missing := "/v1/keywords/" + uuid.NewString() + "/track"
	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, missing, nil), stranger); rec.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", rec.Code)
	}
	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, "/v1/keywords/abc/track", nil), stranger); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
	if len(f.tracker.tracked) != 0 {
		t.Fatalf("rejected requests must not track: %v", f.tracker.tracked)
	}

	admin := &middleware.User{ID: uuid.New(), Role: auth.RoleAdmin}
	f.tracker.outcome = tracking.Outcome{Status: tracking.StatusSuccess}
	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, path, nil), admin); rec.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", rec.Code)
	}
}

func TestTrackKeyword_ProjectMemberMayTrack(t *testing.T) {
	f := newTrackingFixture()
	member := &middleware.User{ID: uuid.New(), Role: auth.RoleUser}
	f.catalog.members = map[uuid.UUID][]uuid.UUID{f.keyword.ProjectID: {member.ID}}
	f.tracker.outcome = tracking.Outcome{Status: tracking.StatusSuccess}
	path := "/v1/keywords/" + f.keyword.ID.String() + "/track"

	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, path, nil), member); rec.Code != http.StatusOK {
		t.Fatalf("member: expected 200, got %d", rec.Code)
	}
	if len(f.tracker.tracked) != 1 || f.tracker.tracked[0] != f.keyword.ID {
		t.Fatalf("tracked: %v", f.tracker.tracked)
	}

	stranger := &middleware.User{ID: uuid.New(), Role: auth.RoleUser}
	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, path, nil), stranger); rec.Code != http.StatusForbidden {
		t.Errorf("stranger: expected 403, got %d", rec.Code)
	}

	f.catalog.memberErr = errors.New("db down")
	if rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, httptest.NewRequest(http.MethodPost, path, nil), member); rec.Code != http.StatusInternalServerError {
		t.Errorf("membership lookup error: expected 500, got %d", rec.Code)
	}
	if len(f.tracker.tracked) != 1 {
		t.Fatalf("only the member request may track: %v", f.tracker.tracked)
	}
}

func TestTrackKeyword_DeletedMidRequest(t *testing.T) {
	f := newTrackingFixture()
	f.tracker.trackErr = tracking.ErrKeywordNotFound
	req := httptest.NewRequest(http.MethodPost, "/v1/keywords/"+f.keyword.ID.String()+"/track", nil)
	rec := do("POST /v1/keywords/{id}/track", f.h.TrackKeyword, req, &middleware.User{ID: f.owner})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// 3. Results
// ---------------------------------------------------------------------------

func TestListResults(t *testing.T) {
	f := newTrackingFixture()
	f.results.rows = []*models.RankCheckResult{{ID: uuid.New(), KeywordID: f.keyword.ID}}
	owner := &middleware.User{ID: f.owner}
	base := "/v1/keywords/" + f.keyword.ID.String() + "/results"

	rec := do("GET /v1/keywords/{id}/results", f.h.ListResults, httptest.NewRequest(http.MethodGet, base, nil), owner)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.results.lastLimit != defaultResultsLimit {
		t.Errorf("default limit: got %d", f.results.lastLimit)
	}

	do("GET /v1/keywords/{id}/results", f.h.ListResults, httptest.NewRequest(http.MethodGet, base+"?limit=10000", nil), owner)
	if f.results.lastLimit != maxResultsLimit {
		t.Errorf("limit must be capped: got %d", f.results.lastLimit)
	}

	rec = do("GET /v1/keywords/{id}/results", f.h.ListResults, httptest.NewRequest(http.MethodGet, base+"?limit=-3", nil), owner)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// 4. Credits
// ---------------------------------------------------------------------------

func newCreditsHandler(t *testing.T) (*CreditsHandler, ledger.Service) {
	t.Helper()
	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	svc := ledger.NewService(ledger.NewMemoryStore(), quiet, nil)
	return &CreditsHandler{Ledger: svc, Validator: v, Logger: quiet}, svc
}

func TestCredits_BalanceAndTransactions(t *testing.T) {
	h, svc := newCreditsHandler(t)
	user := &middleware.User{ID: uuid.New(), Role: auth.RoleUser}
	ctx := context.Background()
	if _, err := svc.Credit(ctx, ledger.CreditRequest{SubjectID: user.ID, Amount: 5, Kind: models.CreditKindPurchase, Reason: "starter"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.TryDebit(ctx, ledger.DebitRequest{SubjectID: user.ID, Amount: 1, Reason: "track: shoes"}); err != nil {
		t.Fatal(err)
	}

	rec := do("GET /v1/credits/balance", h.Balance, httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil), user)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", rec.Code)
	}
	var bal balanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &bal); err != nil {
		t.Fatal(err)
	}
	if bal.Credits != 4 {
		t.Errorf("balance: got %d, want 4", bal.Credits)
	}

	rec = do("GET /v1/credits/transactions", h.Transactions, httptest.NewRequest(http.MethodGet, "/v1/credits/transactions?limit=1", nil), user)
	var txns []models.CreditTransaction
	if err := json.Unmarshal(rec.Body.Bytes(), &txns); err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 || txns[0].Amount != -1 {
		t.Errorf("transactions: %+v", txns)
	}
}

func TestCredits_BalanceForNewUserIsZero(t *testing.T) {
	h, _ := newCreditsHandler(t)
	rec := do("GET /v1/credits/balance", h.Balance, httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil), &middleware.User{ID: uuid.New()})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"credits":0`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestCredits_Grant(t *testing.T) {
	h, svc := newCreditsHandler(t)
	admin := &middleware.User{ID: uuid.New(), Role: auth.RoleAdmin}
	subject := uuid.New()
	body := fmt.Sprintf(`{"subject_id":%q,"amount":25,"idempotency_key":"order-991"}`, subject)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/credits/grant", strings.NewReader(body))
		rec := do("POST /v1/credits/grant", h.Grant, req, admin)
		if rec.Code != http.StatusCreated {
			t.Fatalf("grant %d: expected 201, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}
	got, err := svc.Balance(context.Background(), subject)
	if err != nil {
		t.Fatal(err)
	}
	if got != 25 {
		t.Fatalf("replayed grant must credit once: balance %d", got)
	}
}

func TestCredits_GrantRejects(t *testing.T) {
	h, _ := newCreditsHandler(t)
	admin := &middleware.User{ID: uuid.New(), Role: auth.RoleAdmin}
	subject := uuid.NewString()

	cases := []struct {
		name string
		user *middleware.User
		body string
		want int
	}{
		{"not admin", &middleware.User{ID: uuid.New(), Role: auth.RoleUser}, `{"subject_id":"` + subject + `","amount":5}`, http.StatusForbidden},
		{"zero amount", admin, `{"subject_id":"` + subject + `","amount":0}`, http.StatusUnprocessableEntity},
		{"bad uuid", admin, `{"subject_id":"nope","amount":5}`, http.StatusUnprocessableEntity},
		{"consume kind", admin, `{"subject_id":"` + subject + `","amount":5,"kind":"consume"}`, http.StatusUnprocessableEntity},
		{"extra field", admin, `{"subject_id":"` + subject + `","amount":5,"balance":9}`, http.StatusUnprocessableEntity},
		{"not json", admin, `amount=5`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/credits/grant", strings.NewReader(tc.body))
			if rec := do("POST /v1/credits/grant", h.Grant, req, tc.user); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCredits_GrantKeyReusedForOtherSubject(t *testing.T) {
	h, _ := newCreditsHandler(t)
	admin := &middleware.User{ID: uuid.New(), Role: auth.RoleAdmin}
	first := fmt.Sprintf(`{"subject_id":%q,"amount":5,"idempotency_key":"k1"}`, uuid.New())
	second := fmt.Sprintf(`{"subject_id":%q,"amount":5,"idempotency_key":"k1"}`, uuid.New())

	do("POST /v1/credits/grant", h.Grant, httptest.NewRequest(http.MethodPost, "/v1/credits/grant", strings.NewReader(first)), admin)
	rec := do("POST /v1/credits/grant", h.Grant, httptest.NewRequest(http.MethodPost, "/v1/credits/grant", strings.NewReader(second)), admin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}
