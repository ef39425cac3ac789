// Package audit provides the append-only run, file and error records of the
// ingestion core. Recording failures are logged and never returned to the
// pipeline: audit must not change a file's outcome.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/parser"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

// File audit statuses stored in ingestion_file_audit.status.
const (
	StatusAlready = 0
	StatusOK      = 1
	StatusFailed  = 2
)

// RunInfo describes a processing batch.
type RunInfo struct {
	CorrelationID uuid.UUID
	Profile       string
	Fetcher       string
	Acker         string
	Reason        string
}

// RunCounts close a run.
type RunCounts struct {
	Discovered int
	OK         int
	Already    int
	Failed     int
}

// Add folds one file result into the counts.
func (c *RunCounts) Add(r ingestion.Result) {
	switch r.Outcome() {
	case "ok":
		c.OK++
	case "already":
		c.Already++
	default:
		c.Failed++
	}
}

// FileRecord is the per-file audit snapshot.
type FileRecord struct {
	RunID           int64
	IngestionFileID int64
	Header          parser.Header
	Parsed          ingestion.ParsedCounts
	Persisted       ingestion.PersistCounts
	Verified        *bool
	ErrorClass      string
	ErrorMessage    string
	Duration        time.Duration
}

// Recorder writes ingestion_run and ingestion_file_audit rows.
type Recorder struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewRecorder(db *postgres.Client) *Recorder {
	return &Recorder{
		db:     db,
		logger: slog.Default().With("component", "audit"),
	}
}

// StartRun opens a run and returns its id, or 0 when it could not be
// recorded.
func (r *Recorder) StartRun(ctx context.Context, info RunInfo) int64 {
	if info.CorrelationID == uuid.Nil {
		info.CorrelationID = uuid.New()
	}
	var id int64
	err := r.db.DB.QueryRowContext(ctx,
		`INSERT INTO ingestion_run (correlation_id, profile, fetcher_name, acker_name, poll_reason)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		info.CorrelationID.String(), info.Profile, info.Fetcher, info.Acker, info.Reason,
	).Scan(&id)
	if err != nil {
		r.logger.Error("failed to start run", "correlation_id", info.CorrelationID, "error", err)
		return 0
	}
	return id
}

// EndRun closes a run with its counters.
func (r *Recorder) EndRun(ctx context.Context, runID int64, counts RunCounts) {
	if runID == 0 {
		return
	}
	_, err := r.db.DB.ExecContext(ctx,
		`UPDATE ingestion_run SET files_discovered = $2, files_processed_ok = $3, files_already = $4,
			files_failed = $5, ended_at = NOW()
		WHERE id = $1`,
		runID, counts.Discovered, counts.OK, counts.Already, counts.Failed)
	if err != nil {
		r.logger.Error("failed to end run", "run_id", runID, "error", err)
	}
}

func (r *Recorder) FileOK(ctx context.Context, rec FileRecord) {
	r.file(ctx, StatusOK, "OK", rec)
}

func (r *Recorder) FileAlready(ctx context.Context, rec FileRecord) {
	r.file(ctx, StatusAlready, "ALREADY", rec)
}

func (r *Recorder) FileFail(ctx context.Context, rec FileRecord) {
	r.file(ctx, StatusFailed, "FAILED", rec)
}

func (r *Recorder) file(ctx context.Context, status int, reason string, rec FileRecord) {
	if rec.IngestionFileID == 0 {
		return
	}
	h := rec.Header
	_, err := r.db.DB.ExecContext(ctx,
		`INSERT INTO ingestion_file_audit (ingestion_run_id, ingestion_file_id, status, reason, error_class,
			error_message, header_sender_id, header_receiver_id, header_transaction_date, header_record_count,
			header_disposition_flag, parsed_claims, parsed_activities, persisted_claims, persisted_activities,
			persisted_remit_claims, persisted_remit_activities, verification_passed, processing_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		sql.NullInt64{Int64: rec.RunID, Valid: rec.RunID != 0},
		rec.IngestionFileID, status, reason,
		nullString(rec.ErrorClass), nullString(rec.ErrorMessage),
		nullString(h.SenderID), nullString(h.ReceiverID), nullTime(h.TransactionDate),
		sql.NullInt64{Int64: int64(h.RecordCount), Valid: h.RecordCount > 0}, nullString(h.DispositionFlag),
		rec.Parsed.Claims, rec.Parsed.Activities,
		rec.Persisted.Claims, rec.Persisted.Activities, rec.Persisted.RemitClaims, rec.Persisted.RemitActivities,
		nullBool(rec.Verified), rec.Duration.Milliseconds(),
	)
	if err != nil {
		r.logger.Error("failed to record file audit",
			"ingestion_file_id", rec.IngestionFileID,
			"status", reason,
			"error", err,
		)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// String renders counts for log lines.
func (c RunCounts) String() string {
	return fmt.Sprintf("discovered=%d ok=%d already=%d failed=%d", c.Discovered, c.OK, c.Already, c.Failed)
}
