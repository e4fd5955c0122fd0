package tracking

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Reason explains a skipped or failed check.
type Reason string

const (
	ReasonInactive            Reason = "inactive"
	ReasonNotFound            Reason = "not_found"
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonProviderError       Reason = "provider_error"
	ReasonPersistenceFailure  Reason = "persistence_failure"
	ReasonLedgerUnconfirmed   Reason = "ledger_unconfirmed"
	ReasonCatalogError        Reason = "catalog_error"
	ReasonCancelled           Reason = "cancelled"
)

// State is the furthest step a check reached.
type State string

const (
	StateDue            State = "due"
	StateCreditReserved State = "credit_reserved"
	StateFetched        State = "fetched"
	StateMatched        State = "matched"
	StateRecorded       State = "recorded"
	StateDebited        State = "debited"
	StateFailed         State = "failed"
)

// Outcome describes what happened to one keyword.
type Outcome struct {
	KeywordID      uuid.UUID  `json:"keyword_id"`
	Status         Status     `json:"status"`
	Reason         Reason     `json:"reason,omitempty"`
	State          State      `json:"state"`
	Position       *int       `json:"position,omitempty"`
	CreditsCharged int64      `json:"credits_charged"`
	TransactionID  *uuid.UUID `json:"transaction_id,omitempty"`
	ResultID       *uuid.UUID `json:"result_id,omitempty"`
	Refunded       bool       `json:"refunded,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// PassReport summarises one pass. Outcomes are in due-set order.
type PassReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Due        int       `json:"due"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes"`
}

func (r *PassReport) tally() {
	r.Processed, r.Succeeded, r.Skipped, r.Failed = 0, 0, 0, 0
	for _, o := range r.Outcomes {
		r.Processed++
		switch o.Status {
		case StatusSuccess:
			r.Succeeded++
		case StatusSkipped:
			r.Skipped++
		default:
			r.Failed++
		}
	}
}
