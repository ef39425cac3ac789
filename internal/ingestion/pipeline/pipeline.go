// Package pipeline drives one work item through the per-file state machine:
// stub, root detection, idempotency check, parse, header checks, business
// validation, persist, verify and acknowledgement. Each stage failure is
// classified and recorded; the pipeline itself never returns an error.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/ack"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/audit"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/parser"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/persist"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/verify"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/tracing"
)

// Persister writes a parsed document in one transaction.
type Persister interface {
	Persist(ctx context.Context, ingestionFileID int64, doc *parser.Document) (persist.Outcome, error)
}

// Verifier checks what was committed for a file.
type Verifier interface {
	Verify(ctx context.Context, ingestionFileID int64, exp verify.Expectation) ([]ingestion.VerificationResult, bool, error)
}

// Deps are the collaborators of a Pipeline. Metrics may be nil.
type Deps struct {
	Store     *Store
	Parser    *parser.Parser
	Persister Persister
	Verifier  Verifier
	Audit     *audit.Recorder
	Errors    *audit.ErrorRecorder
	Acker     ack.Acker
	Metrics   *metrics.Metrics
}

// Pipeline processes single work items. It is safe for concurrent use.
type Pipeline struct {
	store     *Store
	parser    *parser.Parser
	persister Persister
	verifier  Verifier
	audit     *audit.Recorder
	errors    *audit.ErrorRecorder
	acker     ack.Acker
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(d Deps) *Pipeline {
	if d.Acker == nil {
		d.Acker = ack.NoopAcker{}
	}
	if d.Parser == nil {
		d.Parser = parser.New(nil)
	}
	return &Pipeline{
		store:     d.Store,
		parser:    d.Parser,
		persister: d.Persister,
		verifier:  d.Verifier,
		audit:     d.Audit,
		errors:    d.Errors,
		acker:     d.Acker,
		metrics:   d.Metrics,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// NewDefault wires a pipeline on one database client.
func NewDefault(db *postgres.Client, acker ack.Acker, m *metrics.Metrics) *Pipeline {
	return New(Deps{
		Store:     NewStore(db),
		Persister: persist.New(db),
		Verifier:  verify.New(db, m),
		Audit:     audit.NewRecorder(db),
		Errors:    audit.NewErrorRecorder(db),
		Acker:     acker,
		Metrics:   m,
	})
}

// run carries the state of one Process call.
type run struct {
	res    ingestion.Result
	header parser.Header
	runID  int64
}

func (r *run) fail(stage string, err error) {
	r.res.State = ingestion.StateFailed
	r.res.Stage = stage
	r.res.Err = err
}

// Process runs item through every stage and returns its result. runID ties
// the file audit row to the current batch and may be zero.
func (p *Pipeline) Process(ctx context.Context, runID int64, item ingestion.WorkItem) ingestion.Result {
	r := &run{
		runID: runID,
		res: ingestion.Result{
			FileID:    item.FileID,
			Source:    item.Source,
			Root:      ingestion.RootUnknown,
			State:     ingestion.StateReceived,
			StartedAt: time.Now(),
		},
	}
	ctx = logger.WithFileID(ctx, item.FileID)
	log := logger.FromContext(ctx).With("component", "pipeline")
	ctx, span := tracing.StartSpan(ctx, "file", item.Key(), p.observeStage)

	p.process(ctx, item, r)

	r.res.Duration = time.Since(r.res.StartedAt)
	span.SetAttr("state", string(r.res.State))
	span.End(r.res.Err)
	span.Log(log)
	p.finish(ctx, r)
	return r.res
}

func (p *Pipeline) process(ctx context.Context, item ingestion.WorkItem, r *run) {
	var id int64
	err := p.stage(ctx, "stub", func(ctx context.Context) error {
		var err error
		id, err = p.store.InsertStub(ctx, item)
		return err
	})
	if err != nil {
		se := apperrors.Wrap(apperrors.ErrPersistence, apperrors.StageStub, apperrors.CodeStubFail, err)
		if postgres.IsTransient(err) {
			se = se.AsRetryable()
		}
		r.fail(apperrors.StageStub, se)
		return
	}
	r.res.IngestionFileID = id
	r.res.State = ingestion.StateStubbed

	data, err := item.Bytes()
	if err != nil {
		r.fail(apperrors.StageDetect, apperrors.Wrap(apperrors.ErrSystem, apperrors.StageDetect, apperrors.CodeParseFail, err))
		return
	}

	root, err := parser.DetectRoot(data)
	if err != nil {
		r.fail(apperrors.StageDetect, err)
		return
	}
	r.res.Root = root
	r.res.State = ingestion.StateRootDetected

	prior, err := p.store.Prior(ctx, id)
	if err != nil {
		r.fail(apperrors.StagePipeline, apperrors.Wrap(apperrors.ErrPersistence, apperrors.StagePipeline, apperrors.CodePipelineFail, err))
		return
	}
	if prior.Claims > 0 {
		r.res.AlreadyProcessed = true
		r.res.PriorClaims = prior.Claims
		if !prior.Verified() {
			// Persisted data that never verified stays failed until ReVerify passes.
			r.fail(apperrors.StageVerify, apperrors.New(apperrors.ErrVerification, apperrors.StageVerify,
				apperrors.CodeNotVerified, fmt.Sprintf("file was persisted earlier but is %s, re-verify it", priorLabel(prior))))
			return
		}
		r.res.State = prior.Status
		return
	}

	var doc *parser.Document
	err = p.stage(ctx, "parse", func(ctx context.Context) error {
		var err error
		doc, err = p.parser.Parse(data)
		return err
	})
	if err != nil {
		r.fail(apperrors.StageParse, err)
		return
	}
	r.header = doc.Header()
	r.res.Parsed = doc.Counts()
	r.res.TxAt = r.header.TransactionDate
	r.res.State = ingestion.StateParsed

	if err := validator.CheckHeader(doc); err != nil {
		r.fail(apperrors.StageHeaderValidate, err)
		return
	}
	if err := p.store.UpdateHeader(ctx, id, root, r.header); err != nil {
		se := apperrors.Wrap(apperrors.ErrPersistence, apperrors.StageHeaderValidate, apperrors.CodeHeaderUpdateFail, err)
		if postgres.IsTransient(err) {
			se = se.AsRetryable()
		}
		r.fail(apperrors.StageHeaderValidate, se)
		return
	}
	r.res.State = ingestion.StateHeaderValidated

	if err := p.stage(ctx, "validate", func(context.Context) error { return validator.Validate(doc) }); err != nil {
		r.fail(apperrors.StageValidate, err)
		return
	}
	r.res.State = ingestion.StateBusinessValidated

	var out persist.Outcome
	err = p.stage(ctx, "persist", func(ctx context.Context) error {
		var err error
		out, err = p.persister.Persist(ctx, id, doc)
		return err
	})
	if err != nil {
		r.fail(apperrors.StagePersist, err)
		return
	}
	r.res.Persisted = out.Counts
	r.res.State = ingestion.StatePersisted
	for _, s := range out.Skipped {
		p.errors.ClaimError(ctx, id, apperrors.StagePersist, s.ClaimID, apperrors.CodeDuplicateClaim, s.Reason, false)
	}
	if p.metrics != nil {
		p.metrics.ClaimsPersistedTotal.WithLabelValues(string(root)).Add(float64(out.Counts.Total()))
	}

	var (
		results []ingestion.VerificationResult
		passed  bool
	)
	err = p.stage(ctx, "verify", func(ctx context.Context) error {
		var err error
		results, passed, err = p.verifier.Verify(ctx, id, verify.Expectation{
			Root:              root,
			HeaderRecordCount: r.header.RecordCount,
			Persisted:         out.Counts,
		})
		return err
	})
	r.res.Verification = results
	if err != nil {
		r.fail(apperrors.StageVerify, apperrors.Wrap(apperrors.ErrVerification, apperrors.StageVerify, apperrors.CodeVerifyFail, err))
		return
	}
	if !passed {
		r.fail(apperrors.StageVerify, apperrors.New(apperrors.ErrVerification, apperrors.StageVerify,
			apperrors.CodeVerifyFail, "failed predicates: "+failedPredicates(results)))
		return
	}
	r.res.State = ingestion.StateVerified
}

// finish records the terminal outcome. Stub failures have no file row and
// are only logged.
func (p *Pipeline) finish(ctx context.Context, r *run) {
	res := &r.res
	log := logger.FromContext(ctx).With("component", "pipeline")
	rec := audit.FileRecord{
		RunID:           r.runID,
		IngestionFileID: res.IngestionFileID,
		Header:          r.header,
		Parsed:          res.Parsed,
		Persisted:       res.Persisted,
		Duration:        res.Duration,
	}
	if len(res.Verification) > 0 {
		passed := res.State != ingestion.StateFailed || res.Stage != apperrors.StageVerify
		rec.Verified = &passed
	}

	switch {
	case res.State == ingestion.StateFailed:
		p.errors.Record(ctx, res.IngestionFileID, res.Stage, res.Err)
		if res.IngestionFileID != 0 {
			if err := p.store.MarkStatus(ctx, res.IngestionFileID, ingestion.StateFailed, res.Root, res.Stage); err != nil {
				log.Error("failed to write terminal status", "error", err)
			}
		}
		rec.ErrorClass = apperrors.Class(res.Err)
		rec.ErrorMessage = res.Err.Error()
		p.audit.FileFail(ctx, rec)
		log.Warn("file failed",
			"stage", res.Stage,
			"retryable", apperrors.IsRetryable(res.Err),
			"error", res.Err,
		)
	case res.AlreadyProcessed:
		p.audit.FileAlready(ctx, rec)
		if p.acknowledge(ctx, res) {
			if err := p.store.MarkStatus(ctx, res.IngestionFileID, res.State, res.Root, ""); err != nil {
				log.Error("failed to write terminal status", "error", err)
			}
		}
		log.Info("file already processed", "prior_claims", res.PriorClaims, "state", res.State)
	default:
		p.acknowledge(ctx, res)
		if err := p.store.MarkStatus(ctx, res.IngestionFileID, res.State, res.Root, ""); err != nil {
			log.Error("failed to write terminal status", "error", err)
		}
		p.audit.FileOK(ctx, rec)
		log.Info("file processed",
			"root", res.Root,
			"claims", res.Persisted.Total(),
			"duration", res.Duration,
		)
	}

	if p.metrics != nil {
		p.metrics.FilesTotal.WithLabelValues(res.Outcome(), string(res.Root)).Inc()
		p.metrics.FileDuration.Observe(res.Duration.Seconds())
	}
}

// acknowledge tells the source about a verified file and moves it to ACKED
// only when the acker confirms. It reports whether the state changed.
func (p *Pipeline) acknowledge(ctx context.Context, res *ingestion.Result) bool {
	if !p.acker.Acknowledge(ctx, res.FileID, true) || res.State == ingestion.StateAcked {
		return false
	}
	res.State = ingestion.StateAcked
	return true
}

// ReVerify re-runs the verifier on a file that was already persisted. On a
// full pass the file becomes VERIFIED and is acknowledged; nothing is
// reprocessed.
func (p *Pipeline) ReVerify(ctx context.Context, ingestionFileID int64) (ingestion.Result, error) {
	start := time.Now()
	f, err := p.store.LoadFile(ctx, ingestionFileID)
	if err != nil {
		return ingestion.Result{}, err
	}
	ctx = logger.WithFileID(ctx, f.FileID)
	res := ingestion.Result{
		FileID:          f.FileID,
		IngestionFileID: f.ID,
		Source:          f.Source,
		Root:            f.Root,
		State:           f.Status,
		StartedAt:       start,
	}
	counts, err := p.store.PersistedCounts(ctx, f.ID)
	if err != nil {
		return res, err
	}
	res.Persisted = counts

	results, passed, err := p.verifier.Verify(ctx, f.ID, verify.Expectation{
		Root:              f.Root,
		HeaderRecordCount: f.RecordCount,
		Persisted:         counts,
	})
	res.Verification = results
	res.Duration = time.Since(start)
	if err != nil {
		return res, apperrors.Wrap(apperrors.ErrVerification, apperrors.StageVerify, apperrors.CodeVerifyFail, err)
	}
	if !passed {
		res.State = ingestion.StateFailed
		res.Stage = apperrors.StageVerify
		res.Err = apperrors.New(apperrors.ErrVerification, apperrors.StageVerify, apperrors.CodeVerifyFail,
			"failed predicates: "+failedPredicates(results))
		return res, nil
	}

	if err := p.store.MarkStatus(ctx, f.ID, ingestion.StateVerified, f.Root, ""); err != nil {
		return res, fmt.Errorf("marking file %d verified: %w", f.ID, err)
	}
	res.State = ingestion.StateVerified
	if p.acknowledge(ctx, &res) {
		if err := p.store.MarkStatus(ctx, f.ID, ingestion.StateAcked, f.Root, ""); err != nil {
			return res, fmt.Errorf("marking file %d acked: %w", f.ID, err)
		}
	}
	logger.FromContext(ctx).Info("file re-verified", "component", "pipeline", "ingestion_file_id", f.ID)
	return res, nil
}

// AckerName reports the configured acker for run audit rows.
func (p *Pipeline) AckerName() string {
	return p.acker.Name()
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.StartChildSpan(ctx, name)
	err := fn(ctx)
	span.End(err)
	return err
}

func (p *Pipeline) observeStage(name string, d time.Duration) {
	if p.metrics == nil || name == "file" {
		return
	}
	p.metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
}

func priorLabel(p Prior) string {
	if p.ErrorStage != "" {
		return fmt.Sprintf("%s(%s)", p.Status, p.ErrorStage)
	}
	return string(p.Status)
}

func failedPredicates(results []ingestion.VerificationResult) string {
	var names []string
	for _, r := range results {
		if !r.Passed {
			names = append(names, r.Predicate)
		}
	}
	return strings.Join(names, ",")
}
