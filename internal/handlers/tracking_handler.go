package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rankwatch/backend/internal/lock"
	"github.com/rankwatch/backend/internal/middleware"
	"github.com/rankwatch/backend/internal/models"
	"github.com/rankwatch/backend/internal/repository"
	"github.com/rankwatch/backend/internal/tracking"
)

const (
	defaultResultsLimit = 30
	maxResultsLimit     = 500
)

// Tracker is implemented by *tracking.Orchestrator.
type Tracker interface {
	RunPass(ctx context.Context, opts tracking.PassOptions) (*tracking.PassReport, error)
	TrackKeyword(ctx context.Context, keywordID uuid.UUID) (tracking.Outcome, *models.RankCheckResult, error)
}

// CatalogReader resolves keyword ownership and project membership.
type CatalogReader interface {
	GetKeyword(ctx context.Context, id uuid.UUID) (*models.Keyword, error)
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	IsProjectMember(ctx context.Context, projectID, userID uuid.UUID) (bool, error)
}

type ResultLister interface {
	ListByKeyword(ctx context.Context, keywordID uuid.UUID, limit int) ([]*models.RankCheckResult, error)
}

// TrackingHandler serves /v1/tracking and /v1/keywords endpoints.
type TrackingHandler struct {
	Tracker  Tracker
	Catalog  CatalogReader
	Results  ResultLister
	TestPass bool
	// PassTimeout bounds a triggered pass. The pass outlives the caller's
	// connection so a dropped cron request does not abort it halfway.
	PassTimeout time.Duration
	Logger      *slog.Logger
}

// --- POST /v1/tracking/process ---

// ProcessPass runs one tracking pass and returns its report.
func (h *TrackingHandler) ProcessPass(w http.ResponseWriter, r *http.Request) {
	h.runPass(w, r, tracking.PassOptions{})
}

// --- POST /v1/tracking/test-process ---

// TestProcessPass runs a pass that also picks up debug-cadence keywords.
// It is hidden unless enabled in configuration.
func (h *TrackingHandler) TestProcessPass(w http.ResponseWriter, r *http.Request) {
	if !h.TestPass {
		http.NotFound(w, r)
		return
	}
	h.runPass(w, r, tracking.PassOptions{AllowDebugCadence: true})
}

func (h *TrackingHandler) runPass(w http.ResponseWriter, r *http.Request, opts tracking.PassOptions) {
	ctx := context.WithoutCancel(r.Context())
	if h.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.PassTimeout)
		defer cancel()
	}

	report, err := h.Tracker.RunPass(ctx, opts)
	if err != nil {
		if errors.Is(err, lock.ErrPassInProgress) {
			http.Error(w, `{"error":"a tracking pass is already running"}`, http.StatusConflict)
			return
		}
		h.Logger.Error("tracking pass", "error", err)
		http.Error(w, `{"error":"tracking pass failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- POST /v1/keywords/{id}/track ---

type trackResponse struct {
	Outcome tracking.Outcome        `json:"outcome"`
	Result  *models.RankCheckResult `json:"result,omitempty"`
}

// TrackKeyword checks one keyword now on behalf of its owner.
func (h *TrackingHandler) TrackKeyword(w http.ResponseWriter, r *http.Request) {
	kw, ok := h.ownedKeyword(w, r)
	if !ok {
		return
	}

	out, res, err := h.Tracker.TrackKeyword(r.Context(), kw.ID)
	if err != nil {
		if errors.Is(err, tracking.ErrKeywordNotFound) {
			http.Error(w, `{"error":"keyword not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("track keyword", "keyword_id", kw.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, outcomeStatus(out), trackResponse{Outcome: out, Result: res})
}

func outcomeStatus(out tracking.Outcome) int {
	if out.Status == tracking.StatusSuccess {
		return http.StatusOK
	}
	switch out.Reason {
	case tracking.ReasonInactive:
		return http.StatusBadRequest
	case tracking.ReasonNotFound:
		return http.StatusNotFound
	case tracking.ReasonInsufficientCredits:
		return http.StatusPaymentRequired
	case tracking.ReasonProviderError, tracking.ReasonPersistenceFailure, tracking.ReasonLedgerUnconfirmed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- GET /v1/keywords/{id}/results ---

// ListResults returns the keyword's most recent checks, newest first.
func (h *TrackingHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	kw, ok := h.ownedKeyword(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(r, defaultResultsLimit, maxResultsLimit)
	if !ok {
		http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
		return
	}
	results, err := h.Results.ListByKeyword(r.Context(), kw.ID, limit)
	if err != nil {
		h.Logger.Error("list rank results", "keyword_id", kw.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []*models.RankCheckResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// ownedKeyword loads the keyword named in the path and checks that the caller
// owns its project. It writes the error response itself.
func (h *TrackingHandler) ownedKeyword(w http.ResponseWriter, r *http.Request) (*models.Keyword, bool) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid keyword id"}`, http.StatusBadRequest)
		return nil, false
	}

	kw, err := h.Catalog.GetKeyword(r.Context(), id)
	if err != nil {
		h.catalogError(w, id, err)
		return nil, false
	}
	project, err := h.Catalog.GetProject(r.Context(), kw.ProjectID)
	if err != nil {
		h.catalogError(w, id, err)
		return nil, false
	}
	if project.OwnerID == user.ID || user.IsAdmin() {
		return kw, true
	}
	// Members may act on the project's keywords; checks are still charged
	// to the owner.
	member, err := h.Catalog.IsProjectMember(r.Context(), project.ID, user.ID)
	if err != nil {
		h.Logger.Error("check project membership", "project_id", project.ID, "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return nil, false
	}
	if !member {
		http.Error(w, `{"error":"keyword belongs to another account"}`, http.StatusForbidden)
		return nil, false
	}
	return kw, true
}

func (h *TrackingHandler) catalogError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, `{"error":"keyword not found"}`, http.StatusNotFound)
		return
	}
	h.Logger.Error("load keyword", "keyword_id", id, "error", err)
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

// --- helpers ---

func parseLimit(r *http.Request, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > ceiling {
		n = ceiling
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
