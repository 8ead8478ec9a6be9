// Package orchestrator drives a debited job through submission, completion
// watching, finalization, retry and refund.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mediaforge/backend/internal/assets"
	"github.com/mediaforge/backend/internal/callback"
	"github.com/mediaforge/backend/internal/catalog"
	"github.com/mediaforge/backend/internal/events"
	"github.com/mediaforge/backend/internal/ledger"
	"github.com/mediaforge/backend/internal/models"
	"github.com/mediaforge/backend/internal/provider"
)

var (
	ErrJobNotFound      = ledger.ErrJobNotFound
	ErrNotCancellable   = errors.New("job can no longer be cancelled")
	ErrProviderMismatch = errors.New("webhook does not match the job's provider request")
	// ErrNotSubmitted means the callback arrived before the provider request id
	// was recorded. The provider should deliver it again.
	ErrNotSubmitted = errors.New("job submission not recorded yet")
)

// Backoff is the delay before automatic retry n (1-based); the last value repeats.
var Backoff = []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute, 15 * time.Minute}

const (
	sweepBatch = 100
	// stallGrace is how long a queued job may sit past its dispatch time
	// before the sweeper schedules it again.
	stallGrace = 2 * time.Minute
	// finalizeAllowance replaces a job's deadline once it is claimed for
	// finalizing. Only a finalize stalled past it is timed out.
	finalizeAllowance = 10 * time.Minute
)

var (
	cancellableStatuses = []models.JobStatus{models.JobStatusQueued, models.JobStatusProcessing, models.JobStatusPreviewReady}
	awaitingStatuses    = []models.JobStatus{models.JobStatusProcessing, models.JobStatusPreviewReady}
	failableStatuses    = append([]models.JobStatus{models.JobStatusQueued}, models.InFlightStatuses...)
)

// JobStore is the job persistence the orchestrator needs. Every mutation is a
// conditional transition that reports whether it applied.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ResetQueued(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, deadline time.Time) (bool, error)
	SetProviderRequest(ctx context.Context, id uuid.UUID, provider, requestID, model string) (bool, error)
	MarkPreviewReady(ctx context.Context, id uuid.UUID, previewURL string) (bool, error)
	ClaimFinalizing(ctx context.Context, id uuid.UUID, deadline time.Time) (*models.Job, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, finalURLs []string, outputText *string) (bool, error)
	MarkRequeued(ctx context.Context, id uuid.UUID, retryCount int, errMsg string, nextAttempt time.Time) (bool, error)
	SetPollAttempts(ctx context.Context, id uuid.UUID, attempts int) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ListStalledQueued(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
}

// Ledger settles credits together with terminal transitions.
type Ledger interface {
	SettleFailure(ctx context.Context, jobID uuid.UUID, st ledger.Settlement) (*models.Job, error)
	Requeue(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, int, error)
}

type Adapters interface {
	For(m models.Module) (provider.Adapter, error)
}

type Catalog interface {
	Get(m models.Module) (catalog.Spec, error)
}

type History interface {
	Record(ctx context.Context, job *models.Job, sizeBytes int64) error
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*assets.Download, error)
}

// Scheduler runs orchestrator steps later, durably.
type Scheduler interface {
	ScheduleDispatch(ctx context.Context, jobID uuid.UUID, module models.Module, at time.Time) error
	SchedulePoll(ctx context.Context, jobID uuid.UUID, attempt int, at time.Time) error
}

type Orchestrator struct {
	Jobs      JobStore
	Ledger    Ledger
	Adapters  Adapters
	Catalog   Catalog
	History   History
	Assets    assets.Store
	Fetcher   Fetcher
	Events    events.Publisher
	Scheduler Scheduler
	Guard     *Guard
	Logger    *slog.Logger

	// WebhookBaseURL is the public origin providers call back on.
	WebhookBaseURL string

	now func() time.Time
}

type Deps struct {
	Jobs           JobStore
	Ledger         Ledger
	Adapters       Adapters
	Catalog        Catalog
	History        History
	Assets         assets.Store
	Fetcher        Fetcher
	Events         events.Publisher
	Scheduler      Scheduler
	Guard          *Guard
	Logger         *slog.Logger
	WebhookBaseURL string
}

func New(d Deps) *Orchestrator {
	if d.Guard == nil {
		d.Guard = NewGuard()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		Jobs:           d.Jobs,
		Ledger:         d.Ledger,
		Adapters:       d.Adapters,
		Catalog:        d.Catalog,
		History:        d.History,
		Assets:         d.Assets,
		Fetcher:        d.Fetcher,
		Events:         d.Events,
		Scheduler:      d.Scheduler,
		Guard:          d.Guard,
		Logger:         d.Logger,
		WebhookBaseURL: d.WebhookBaseURL,
		now:            time.Now,
	}
}

func (o *Orchestrator) load(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := o.Jobs.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// publish re-reads the job and publishes its current state.
func (o *Orchestrator) publish(ctx context.Context, id uuid.UUID) {
	job, err := o.Jobs.GetByID(ctx, id)
	if err != nil {
		o.Logger.Warn("reload job for event failed", "job_id", id, "error", err)
		return
	}
	o.publishJob(ctx, job)
}

func (o *Orchestrator) publishJob(ctx context.Context, job *models.Job) {
	if err := o.Events.Publish(ctx, events.FromJob(job)); err != nil {
		o.Logger.Warn("publish job event failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

// Enqueue re-arms a queued job (retry counter reset) and schedules its dispatch now.
func (o *Orchestrator) Enqueue(ctx context.Context, jobID uuid.UUID, module models.Module) error {
	if _, err := o.Jobs.ResetQueued(ctx, jobID); err != nil {
		return fmt.Errorf("reset queued: %w", err)
	}
	if err := o.Scheduler.ScheduleDispatch(ctx, jobID, module, o.now()); err != nil {
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	return nil
}

// Dispatch submits a queued job to its provider at most once. The guard is
// taken before any I/O; the stored status and the queued→processing
// transition are the durable check.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID uuid.UUID, module models.Module) error {
	if !o.Guard.TryAdd(jobID) {
		o.Logger.Debug("dispatch skipped, job already in flight", "job_id", jobID)
		return nil
	}

	job, err := o.load(ctx, jobID)
	if err != nil {
		o.Guard.Remove(jobID)
		return err
	}
	if job.Status != models.JobStatusQueued || job.Submitted() {
		o.Guard.Remove(jobID)
		o.Logger.Debug("dispatch skipped", "job_id", jobID, "status", job.Status)
		return nil
	}
	if module == "" {
		module = job.Module
	}

	spec, err := o.Catalog.Get(module)
	if err != nil {
		return o.HandleFailure(ctx, jobID, err.Error(), false)
	}
	adapter, err := o.Adapters.For(module)
	if err != nil {
		return o.HandleFailure(ctx, jobID, err.Error(), true)
	}

	deadline := o.now().Add(spec.Deadline)
	ok, err := o.Jobs.MarkProcessing(ctx, jobID, deadline)
	if err != nil {
		o.Guard.Remove(jobID)
		return fmt.Errorf("mark processing: %w", err)
	}
	if !ok {
		o.Guard.Remove(jobID)
		return nil
	}
	o.publish(ctx, jobID)

	req := provider.SubmitRequest{JobID: jobID, Module: module, Model: spec.Model, Params: job.Params}
	if spec.Mode == catalog.ModeWebhook && o.WebhookBaseURL != "" {
		req.WebhookURL = callback.WebhookURL(o.WebhookBaseURL, adapter.Name(), jobID.String())
	}
	sub, err := adapter.Submit(ctx, req)
	if err != nil {
		o.Logger.Warn("provider submit failed", "job_id", jobID, "provider", adapter.Name(), "retryable", provider.IsRetryable(err), "error", err)
		return o.HandleFailure(ctx, jobID, err.Error(), provider.IsRetryable(err))
	}

	ok, err = o.Jobs.SetProviderRequest(ctx, jobID, adapter.Name(), sub.RequestID, sub.Model)
	if err != nil {
		// The provider holds the job; without its request id the deadline sweeper settles it.
		o.Logger.Error("persist provider request failed", "job_id", jobID, "request_id", sub.RequestID, "error", err)
		return nil
	}
	if !ok {
		o.Logger.Info("job left processing during submit", "job_id", jobID, "request_id", sub.RequestID)
		return nil
	}
	o.Logger.Info("job submitted", "job_id", jobID, "module", module, "provider", adapter.Name(), "request_id", sub.RequestID)

	if spec.Mode == catalog.ModePoll {
		if err := o.Scheduler.SchedulePoll(ctx, jobID, 1, o.now().Add(spec.PollInterval)); err != nil {
			o.Logger.Error("schedule first poll failed", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// Poll runs one polling step. A provider failure is final; exhausting the
// attempt budget times the job out. Neither resubmits.
func (o *Orchestrator) Poll(ctx context.Context, jobID uuid.UUID, attempt int) error {
	job, err := o.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing && job.Status != models.JobStatusPreviewReady {
		return nil
	}
	if !job.Submitted() {
		return nil
	}
	spec, err := o.Catalog.Get(job.Module)
	if err != nil {
		return err
	}
	adapter, err := o.Adapters.For(job.Module)
	if err != nil {
		return err
	}
	if err := o.Jobs.SetPollAttempts(ctx, jobID, attempt); err != nil {
		o.Logger.Warn("record poll attempt failed", "job_id", jobID, "error", err)
	}

	requestID := *job.ProviderRequestID
	st, err := adapter.PollStatus(ctx, requestID)
	if err != nil {
		o.Logger.Warn("poll status failed", "job_id", jobID, "attempt", attempt, "error", err)
		st = &provider.Status{State: provider.StateProcessing}
	}

	switch st.State {
	case provider.StateCompleted:
		result, err := adapter.FetchResult(ctx, requestID)
		if err == nil {
			return o.Finalize(ctx, jobID, result)
		}
		o.Logger.Warn("fetch result failed", "job_id", jobID, "attempt", attempt, "error", err)
	case provider.StateFailed:
		msg := "provider reported failure"
		if st.Error != "" {
			msg += ": " + st.Error
		}
		return o.HandleFailure(ctx, jobID, msg, false)
	default:
		if st.PreviewURL != "" && job.Status == models.JobStatusProcessing {
			o.markPreview(ctx, jobID, st.PreviewURL)
		}
	}

	if attempt >= spec.PollAttempts {
		return o.timeout(ctx, jobID, fmt.Sprintf("provider did not finish within %d polls", spec.PollAttempts))
	}
	if err := o.Scheduler.SchedulePoll(ctx, jobID, attempt+1, o.now().Add(spec.PollInterval)); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	return nil
}

func (o *Orchestrator) markPreview(ctx context.Context, jobID uuid.UUID, url string) {
	ok, err := o.Jobs.MarkPreviewReady(ctx, jobID, url)
	if err != nil {
		o.Logger.Warn("mark preview ready failed", "job_id", jobID, "error", err)
		return
	}
	if ok {
		o.publish(ctx, jobID)
	}
}

// HandleWebhook applies a provider callback. Callbacks for terminal jobs are
// acknowledged without effect, so redelivery and races with polling are safe.
func (o *Orchestrator) HandleWebhook(ctx context.Context, jobID uuid.UUID, ev *provider.WebhookEvent) error {
	job, err := o.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == models.JobStatusGeneratingFinal {
		o.Logger.Debug("webhook for settled job ignored", "job_id", jobID, "status", job.Status)
		return nil
	}
	if !job.Submitted() && job.Status == models.JobStatusProcessing {
		return ErrNotSubmitted
	}
	if !job.Submitted() || *job.ProviderRequestID != ev.RequestID {
		return ErrProviderMismatch
	}

	switch ev.State {
	case provider.StateCompleted:
		result := ev.Result
		if result == nil {
			adapter, err := o.Adapters.For(job.Module)
			if err != nil {
				return err
			}
			if result, err = adapter.FetchResult(ctx, ev.RequestID); err != nil {
				return fmt.Errorf("fetch result: %w", err)
			}
		}
		return o.Finalize(ctx, jobID, result)
	case provider.StateFailed:
		msg := "provider reported failure"
		if ev.Error != "" {
			msg += ": " + ev.Error
		}
		return o.HandleFailure(ctx, jobID, msg, false)
	default:
		if ev.PreviewURL != "" && job.Status == models.JobStatusProcessing {
			o.markPreview(ctx, jobID, ev.PreviewURL)
		}
		return nil
	}
}

// Finalize stores the artifacts and completes the job. The generating_final
// claim makes the first of webhook and poll win; the other returns here.
func (o *Orchestrator) Finalize(ctx context.Context, jobID uuid.UUID, result *provider.Result) error {
	job, err := o.Jobs.ClaimFinalizing(ctx, jobID, o.now().Add(finalizeAllowance))
	if err != nil {
		return fmt.Errorf("claim finalizing: %w", err)
	}
	if job == nil {
		return nil
	}
	o.publishJob(ctx, job)

	if result == nil || (len(result.Artifacts) == 0 && result.Text == "") {
		return o.HandleFailure(ctx, jobID, "provider returned no output", false)
	}

	urls := make([]string, 0, len(result.Artifacts))
	var size int64
	for i, art := range result.Artifacts {
		url, n := o.storeArtifact(ctx, job, i, art)
		urls = append(urls, url)
		size += n
	}
	var text *string
	if result.Text != "" {
		text = &result.Text
		size += int64(len(result.Text))
	}

	ok, err := o.Jobs.MarkCompleted(ctx, jobID, urls, text)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	o.Guard.Remove(jobID)
	if !ok {
		o.Logger.Warn("job settled while finalizing, result discarded", "job_id", jobID)
		return nil
	}
	job.Status = models.JobStatusCompleted
	job.FinalURLs = urls
	job.OutputText = text
	if err := o.History.Record(ctx, job, size); err != nil {
		o.Logger.Error("record history failed", "job_id", jobID, "error", err)
	}
	o.Logger.Info("job completed", "job_id", jobID, "module", job.Module, "outputs", len(urls))
	o.publish(ctx, jobID)
	return nil
}

// storeArtifact copies one provider artifact into the asset store. On any
// failure the provider URL is kept so the job still completes.
func (o *Orchestrator) storeArtifact(ctx context.Context, job *models.Job, n int, art provider.Artifact) (string, int64) {
	fallback := func(err error) (string, int64) {
		o.Logger.Warn("asset upload failed, keeping provider url", "job_id", job.ID, "index", n, "url", art.URL, "error", err)
		return art.URL, 0
	}
	dl, err := o.Fetcher.Fetch(ctx, art.URL)
	if err != nil {
		return fallback(err)
	}
	defer dl.Body.Close()

	contentType := art.ContentType
	if contentType == "" {
		contentType = dl.ContentType
	}
	counter := &countingReader{r: dl.Body}
	key := assets.JobKey(job.UserID, job.ID, n, assets.Ext(contentType, art.URL))
	url, err := o.Assets.Put(ctx, key, contentType, counter)
	if err != nil {
		return fallback(err)
	}
	return url, counter.n
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// HandleFailure always releases the guard. A retryable failure of a job the
// provider never accepted is rescheduled with backoff while retries remain;
// anything else fails the job and refunds its cost.
func (o *Orchestrator) HandleFailure(ctx context.Context, jobID uuid.UUID, errMsg string, shouldRetry bool) error {
	o.Guard.Remove(jobID)

	job, err := o.load(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if shouldRetry && !job.Submitted() && job.RetryCount < job.MaxRetries {
		attempt := job.RetryCount + 1
		next := o.now().Add(Backoff[min(attempt-1, len(Backoff)-1)])
		ok, err := o.Jobs.MarkRequeued(ctx, jobID, attempt, errMsg, next)
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		if ok {
			o.Logger.Warn("job requeued", "job_id", jobID, "retry", attempt, "max_retries", job.MaxRetries, "next_attempt_at", next, "error", errMsg)
			o.publish(ctx, jobID)
			if err := o.Scheduler.ScheduleDispatch(ctx, jobID, job.Module, next); err != nil {
				return fmt.Errorf("schedule retry: %w", err)
			}
			return nil
		}
		// Status moved under us; settle whatever is left below.
	}

	settled, err := o.Ledger.SettleFailure(ctx, jobID, ledger.Settlement{
		From:  failableStatuses,
		To:    models.JobStatusFailed,
		Error: errMsg,
	})
	if err != nil {
		return fmt.Errorf("settle failure: %w", err)
	}
	if settled != nil {
		o.Logger.Warn("job failed, credits refunded", "job_id", jobID, "user_id", settled.UserID, "refund", settled.Cost, "error", errMsg)
		o.publishJob(ctx, settled)
	}
	return nil
}

func (o *Orchestrator) timeout(ctx context.Context, jobID uuid.UUID, reason string) error {
	settled, err := o.Ledger.SettleFailure(ctx, jobID, ledger.Settlement{
		From:  models.InFlightStatuses,
		To:    models.JobStatusTimeout,
		Error: reason,
	})
	if err != nil {
		return fmt.Errorf("settle timeout: %w", err)
	}
	o.Guard.Remove(jobID)
	if settled != nil {
		o.Logger.Warn("job timed out, credits refunded", "job_id", jobID, "user_id", settled.UserID, "refund", settled.Cost, "reason", reason)
		o.publishJob(ctx, settled)
	}
	return nil
}

// Cancel stops waiting on a job the provider has not finished and refunds it.
// The provider request itself is not cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, error) {
	job, err := o.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	settled, err := o.Ledger.SettleFailure(ctx, jobID, ledger.Settlement{
		From:   cancellableStatuses,
		To:     models.JobStatusCancelled,
		Reason: models.ReasonJobCancelled,
		Error:  "cancelled by user",
	})
	if err != nil {
		return nil, fmt.Errorf("settle cancel: %w", err)
	}
	if settled == nil {
		return nil, ErrNotCancellable
	}
	o.Guard.Remove(jobID)
	o.Logger.Info("job cancelled", "job_id", jobID, "user_id", userID, "refund", settled.Cost)
	o.publishJob(ctx, settled)
	return settled, nil
}

// Retry re-debits a failed job and enqueues it again. It returns the balance
// after the debit.
func (o *Orchestrator) Retry(ctx context.Context, userID, jobID uuid.UUID) (*models.Job, int, error) {
	job, balance, err := o.Ledger.Requeue(ctx, userID, jobID)
	if err != nil {
		return nil, 0, err
	}
	o.publishJob(ctx, job)
	if err := o.Enqueue(ctx, job.ID, job.Module); err != nil {
		// The job is queued and paid for; the stall sweep picks it up.
		o.Logger.Error("enqueue retried job failed", "job_id", jobID, "error", err)
	}
	return job, balance, nil
}

// SweepResult summarises one sweep.
type SweepResult struct {
	TimedOut    int
	Rescheduled int
}

// SweepTimeouts times out in-flight jobs past their deadline, without retry,
// and reschedules queued jobs whose dispatch never ran. A job listed while
// awaiting the provider is settled only if it is still awaiting it, so a
// concurrent Finalize keeps the result.
func (o *Orchestrator) SweepTimeouts(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := o.now()

	expired, err := o.Jobs.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list expired: %w", err)
	}
	for _, job := range expired {
		from := awaitingStatuses
		if job.Status == models.JobStatusGeneratingFinal {
			from = []models.JobStatus{models.JobStatusGeneratingFinal}
		}
		settled, err := o.Ledger.SettleFailure(ctx, job.ID, ledger.Settlement{
			From:  from,
			To:    models.JobStatusTimeout,
			Error: "deadline exceeded",
		})
		if err != nil {
			o.Logger.Error("timeout settlement failed", "job_id", job.ID, "error", err)
			continue
		}
		if settled == nil {
			continue
		}
		o.Guard.Remove(job.ID)
		o.Logger.Warn("job deadline exceeded, credits refunded", "job_id", job.ID, "module", job.Module, "refund", settled.Cost)
		o.publishJob(ctx, settled)
		res.TimedOut++
	}

	stalled, err := o.Jobs.ListStalledQueued(ctx, now.Add(-stallGrace), sweepBatch)
	if err != nil {
		return res, fmt.Errorf("list stalled: %w", err)
	}
	for _, job := range stalled {
		if err := o.Scheduler.ScheduleDispatch(ctx, job.ID, job.Module, now); err != nil {
			o.Logger.Error("reschedule stalled job failed", "job_id", job.ID, "error", err)
			continue
		}
		res.Rescheduled++
	}
	if res.TimedOut > 0 || res.Rescheduled > 0 {
		o.Logger.Info("sweep finished", "timed_out", res.TimedOut, "rescheduled", res.Rescheduled)
	}
	return res, nil
}
