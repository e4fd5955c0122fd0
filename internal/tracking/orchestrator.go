// Package tracking runs rank-tracking passes: it picks the due keywords,
// charges a credit per check, fetches rankings and records the results.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rankwatch/backend/internal/ledger"
	"github.com/rankwatch/backend/internal/lock"
	"github.com/rankwatch/backend/internal/metrics"
	"github.com/rankwatch/backend/internal/models"
	"github.com/rankwatch/backend/internal/repository"
	"github.com/rankwatch/backend/internal/services"
)

// ErrKeywordNotFound is returned by TrackKeyword for unknown keywords.
var ErrKeywordNotFound = errors.New("tracking: keyword not found")

const (
	passLockKey    = "tracking-pass"
	refundTimeout  = 10 * time.Second
	refundReason   = "refund: failed check"
	defaultLockTTL = 55 * time.Minute
)

// Catalog reads keywords and projects.
type Catalog interface {
	ListSchedules(ctx context.Context) ([]models.KeywordSchedule, error)
	GetKeyword(ctx context.Context, id uuid.UUID) (*models.Keyword, error)
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// ResultStore persists rank check results.
type ResultStore interface {
	Create(ctx context.Context, res *models.RankCheckResult) error
}

// Provider fetches organic results for a search term.
type Provider interface {
	Fetch(ctx context.Context, term, country, language string) ([]models.SerpEntry, error)
}

type Options struct {
	Catalog  Catalog
	Results  ResultStore
	Ledger   ledger.Service
	Provider Provider

	// Locker serialises passes. Nil disables pass locking.
	Locker  lock.Locker
	LockTTL time.Duration

	Now             func() time.Time
	Workers         int
	Pacing          time.Duration
	CreditsPerCheck int64

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type PassOptions struct {
	// AllowDebugCadence includes keywords on the every-pass debug interval.
	AllowDebugCadence bool
}

type Orchestrator struct {
	catalog  Catalog
	results  ResultStore
	ledger   ledger.Service
	provider Provider
	locker   lock.Locker
	lockTTL  time.Duration
	now      func() time.Time
	workers  int
	cost     int64
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Catalog == nil || opts.Results == nil || opts.Ledger == nil || opts.Provider == nil {
		return nil, errors.New("tracking: catalog, results, ledger and provider are required")
	}
	o := &Orchestrator{
		catalog:  opts.Catalog,
		results:  opts.Results,
		ledger:   opts.Ledger,
		provider: opts.Provider,
		locker:   opts.Locker,
		lockTTL:  opts.LockTTL,
		now:      opts.Now,
		workers:  opts.Workers,
		cost:     opts.CreditsPerCheck,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.cost < 1 {
		o.cost = 1
	}
	if o.lockTTL <= 0 {
		o.lockTTL = defaultLockTTL
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.limiter = rate.NewLimiter(rate.Inf, 1)
	if opts.Pacing > 0 {
		o.limiter = rate.NewLimiter(rate.Every(opts.Pacing), 1)
	}
	return o, nil
}

// RunPass checks every keyword due at the start of the pass. The due set is
// computed once; keywords that become due while the pass runs wait for the
// next one. A failing keyword never stops the pass. With a locker, the pass is
// cut off when the lock TTL runs out; unstarted keywords fail as cancelled. The returned error is
// lock.ErrPassInProgress when another pass holds the lock, or a catalog error
// when the due set could not be computed.
func (o *Orchestrator) RunPass(ctx context.Context, opts PassOptions) (*PassReport, error) {
	started := o.now()

	if o.locker != nil {
		release, err := o.locker.Acquire(ctx, passLockKey, o.lockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrPassInProgress) {
				o.metrics.ObservePass("locked", 0)
				o.logger.Info("tracking pass skipped, another pass is running")
			} else {
				o.metrics.ObservePass("error", 0)
			}
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn("release pass lock", "error", err)
			}
		}()
		// A pass never outlives its lock, otherwise a second pass could
		// rebuild the due set and charge unrecorded keywords again.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.lockTTL)
		defer cancel()
	}

	schedules, err := o.catalog.ListSchedules(ctx)
	if err != nil {
		o.metrics.ObservePass("error", o.now().Sub(started))
		return nil, fmt.Errorf("load keyword schedules: %w", err)
	}
	due := services.ComputeDue(schedules, started, services.DueOptions{AllowDebugCadence: opts.AllowDebugCadence})
	o.logger.Info("tracking pass started", "keywords", len(schedules), "due", len(due), "debug_cadence", opts.AllowDebugCadence)

	report := &PassReport{StartedAt: started, Due: len(due), Outcomes: make([]Outcome, len(due))}

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, id := range due {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out := fail(Outcome{KeywordID: id, State: StateDue}, ReasonCancelled, err)
				o.metrics.ObserveCheck(string(out.Status), string(out.Reason))
				report.Outcomes[i] = out
				return nil
			}
			out, _ := o.check(ctx, id)
			report.Outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	report.tally()
	report.FinishedAt = o.now()
	o.metrics.ObservePass("ok", report.FinishedAt.Sub(started))
	o.logger.Info("tracking pass finished",
		"due", report.Due,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.FinishedAt.Sub(started).String(),
	)
	return report, nil
}

// TrackKeyword checks a single keyword now, regardless of its schedule.
func (o *Orchestrator) TrackKeyword(ctx context.Context, keywordID uuid.UUID) (Outcome, *models.RankCheckResult, error) {
	out, res := o.check(ctx, keywordID)
	if out.Reason == ReasonNotFound {
		return out, nil, ErrKeywordNotFound
	}
	return out, res, nil
}

// check walks one keyword through debit, fetch, match and record. Every exit
// after a successful debit either records the result or refunds the debit.
func (o *Orchestrator) check(ctx context.Context, keywordID uuid.UUID) (out Outcome, res *models.RankCheckResult) {
	out = Outcome{KeywordID: keywordID, State: StateDue}
	log := o.logger.With("keyword_id", keywordID)
	defer func() {
		o.metrics.ObserveCheck(string(out.Status), string(out.Reason))
	}()

	kw, err := o.catalog.GetKeyword(ctx, keywordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return skip(out, ReasonNotFound), nil
		}
		log.Error("load keyword", "error", err)
		return fail(out, ReasonCatalogError, err), nil
	}
	if !kw.IsActive {
		return skip(out, ReasonInactive), nil
	}
	project, err := o.catalog.GetProject(ctx, kw.ProjectID)
	if err != nil {
		log.Error("load project", "project_id", kw.ProjectID, "error", err)
		return fail(out, ReasonCatalogError, err), nil
	}
	subject := project.OwnerID
	log = log.With("subject_id", subject)

	attempt := uuid.New()
	txn, err := o.debit(ctx, ledger.DebitRequest{
		SubjectID:      subject,
		Amount:         o.cost,
		Reason:         "track: " + kw.Term,
		IdempotencyKey: "debit:" + attempt.String(),
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			log.Info("keyword skipped, insufficient credits")
			return skip(out, ReasonInsufficientCredits), nil
		}
		log.Error("debit unconfirmed, keyword not checked", "error", err)
		return fail(out, ReasonLedgerUnconfirmed, err), nil
	}
	out.State = StateCreditReserved
	out.TransactionID = &txn.ID
	out.CreditsCharged = o.cost

	fetchStart := time.Now()
	entries, err := o.fetch(ctx, kw)
	o.metrics.ObserveFetch(err, time.Since(fetchStart))
	if err != nil {
		log.Warn("provider fetch failed", "term", kw.Term, "error", err)
		o.refund(ctx, subject, attempt, &out, log)
		return fail(out, ReasonProviderError, err), nil
	}
	out.State = StateFetched

	match := services.MatchRank(entries, project.TargetDomain())
	out.State = StateMatched
	out.Position = match.Position

	res = &models.RankCheckResult{
		ID:             uuid.New(),
		KeywordID:      kw.ID,
		Position:       match.Position,
		Snapshot:       match.Snapshot,
		CreditsCharged: o.cost,
		CheckedAt:      o.now(),
	}
	if match.Match != nil {
		res.URL = &match.Match.URL
		res.Title = &match.Match.Title
		res.Snippet = &match.Match.Snippet
	}
	if err := o.results.Create(ctx, res); err != nil {
		log.Error("save rank result", "error", err)
		o.refund(ctx, subject, attempt, &out, log)
		return fail(out, ReasonPersistenceFailure, err), nil
	}
	out.State = StateRecorded
	out.ResultID = &res.ID

	out.State = StateDebited
	out.Status = StatusSuccess
	log.Info("keyword tracked", "term", kw.Term, "position", positionAttr(match.Position))
	return out, res
}

// debit retries once with the same idempotency key when the outcome of the
// first attempt is unknown. A replay never debits twice.
func (o *Orchestrator) debit(ctx context.Context, req ledger.DebitRequest) (*models.CreditTransaction, error) {
	txn, err := o.ledger.TryDebit(ctx, req)
	if err == nil || errors.Is(err, ledger.ErrInsufficientCredits) || errors.Is(err, ledger.ErrInvalidAmount) {
		return txn, err
	}
	o.logger.Warn("retrying debit", "subject_id", req.SubjectID, "key", req.IdempotencyKey, "error", err)
	return o.ledger.TryDebit(ctx, req)
}

func (o *Orchestrator) fetch(ctx context.Context, kw *models.Keyword) ([]models.SerpEntry, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pacing: %w", err)
	}
	return o.provider.Fetch(ctx, kw.Term, kw.CountryCode, kw.Language)
}

// refund returns the check's debit. It runs detached from ctx cancellation so
// a cancelled pass still settles its debits.
func (o *Orchestrator) refund(ctx context.Context, subject, attempt uuid.UUID, out *Outcome, log *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	req := ledger.CreditRequest{
		SubjectID:      subject,
		Amount:         o.cost,
		Kind:           models.CreditKindRefund,
		Reason:         refundReason,
		IdempotencyKey: "refund:" + attempt.String(),
	}
	_, err := o.ledger.Credit(rctx, req)
	if err != nil {
		_, err = o.ledger.Credit(rctx, req)
	}
	if err != nil {
		log.Error("refund failed, ledger needs reconciliation", "attempt", attempt, "error", err)
		out.Error = fmt.Sprintf("refund failed: %v", err)
		return
	}
	out.Refunded = true
	out.CreditsCharged = 0
}

func skip(out Outcome, reason Reason) Outcome {
	out.Status = StatusSkipped
	out.Reason = reason
	return out
}

func fail(out Outcome, reason Reason, err error) Outcome {
	out.Status = StatusFailed
	out.Reason = reason
	out.State = StateFailed
	if out.Error == "" {
		out.Error = err.Error()
	} else {
		out.Error = err.Error() + "; " + out.Error
	}
	return out
}

func positionAttr(p *int) any {
	if p == nil {
		return "not ranked"
	}
	return *p
}
