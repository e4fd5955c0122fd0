package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/rankwatch/backend/internal/ledger"
	"github.com/rankwatch/backend/internal/middleware"
	"github.com/rankwatch/backend/internal/models"
	"github.com/rankwatch/backend/internal/services"
)

const (
	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 500
	maxGrantBody             = 16 << 10
)

// SchemaValidator is implemented by *services.Validator.
type SchemaValidator interface {
	Validate(ctx context.Context, name string, body json.RawMessage) error
}

// CreditsHandler serves /v1/credits endpoints.
type CreditsHandler struct {
	Ledger    ledger.Service
	Validator SchemaValidator
	Logger    *slog.Logger
}

type balanceResponse struct {
	SubjectID uuid.UUID `json:"subject_id"`
	Credits   int64     `json:"credits"`
}

// Balance handles GET /v1/credits/balance.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	credits, err := h.Ledger.Balance(r.Context(), user.ID)
	if err != nil {
		h.Logger.Error("read balance", "subject_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{SubjectID: user.ID, Credits: credits})
}

// Transactions handles GET /v1/credits/transactions, newest first.
func (h *CreditsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit, ok := parseLimit(r, defaultTransactionsLimit, maxTransactionsLimit)
	if !ok {
		http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
		return
	}
	txns, err := h.Ledger.Transactions(r.Context(), user.ID, limit)
	if err != nil {
		h.Logger.Error("list transactions", "subject_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []*models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

type grantRequest struct {
	SubjectID      uuid.UUID `json:"subject_id"`
	Amount         int64     `json:"amount"`
	Kind           string    `json:"kind"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// Grant handles POST /v1/credits/grant (admin only).
func (h *CreditsHandler) Grant(w http.ResponseWriter, r *http.Request) {
	admin := middleware.UserFromCtx(r.Context())
	if !admin.IsAdmin() {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxGrantBody))
	if err != nil {
		http.Error(w, `{"error":"request body too large or unreadable"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(r.Context(), services.SchemaCreditGrant, body); err != nil {
		if errors.Is(err, services.ErrValidation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		h.Logger.Error("validate grant", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	var req grantRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = models.CreditKindPurchase
	}
	if req.Reason == "" {
		req.Reason = "admin grant"
	}

	txn, err := h.Ledger.Credit(r.Context(), ledger.CreditRequest{
		SubjectID:      req.SubjectID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidKind):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	default:
		h.Logger.Error("grant credits", "subject_id", req.SubjectID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	h.Logger.Info("credits granted",
		"admin_id", admin.ID,
		"subject_id", req.SubjectID,
		"amount", req.Amount,
		"kind", req.Kind,
	)
	writeJSON(w, http.StatusCreated, txn)
}
