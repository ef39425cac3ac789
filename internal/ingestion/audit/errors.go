package audit

import (
	"context"
	"log/slog"

	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

// maxMessage bounds stored error messages.
const maxMessage = 4000

// ErrorRecorder writes one ingestion_error row per stage failure. Failures
// that happen before a file has a stub row are logged only.
type ErrorRecorder struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewErrorRecorder(db *postgres.Client) *ErrorRecorder {
	return &ErrorRecorder{
		db:     db,
		logger: slog.Default().With("component", "error-recorder"),
	}
}

// FileError records a file-level failure.
func (r *ErrorRecorder) FileError(ctx context.Context, ingestionFileID int64, stage, code, message string, retryable bool) {
	r.insert(ctx, ingestionFileID, stage, "FILE", "", code, message, retryable)
}

// ClaimError records a failure scoped to one claim of a file.
func (r *ErrorRecorder) ClaimError(ctx context.Context, ingestionFileID int64, stage, claimID, code, message string, retryable bool) {
	r.insert(ctx, ingestionFileID, stage, "CLAIM", claimID, code, message, retryable)
}

// Record classifies err and records it as a file error. fallbackStage is
// used when err carries no stage.
func (r *ErrorRecorder) Record(ctx context.Context, ingestionFileID int64, fallbackStage string, err error) {
	if err == nil {
		return
	}
	stage, code := apperrors.StageOf(err, fallbackStage, apperrors.CodePipelineFail)
	r.FileError(ctx, ingestionFileID, stage, code, err.Error(), apperrors.IsRetryable(err))
}

func (r *ErrorRecorder) insert(ctx context.Context, ingestionFileID int64, stage, objectType, objectKey, code, message string, retryable bool) {
	if len(message) > maxMessage {
		message = message[:maxMessage]
	}
	log := logger.FromContext(ctx).With("component", "error-recorder")
	if ingestionFileID == 0 {
		log.Error("ingestion failed before stub",
			"stage", stage,
			"code", code,
			"message", message,
		)
		return
	}
	_, err := r.db.DB.ExecContext(ctx,
		`INSERT INTO ingestion_error (ingestion_file_id, stage, object_type, object_key, error_code, error_message, retryable)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ingestionFileID, stage, objectType, nullString(objectKey), code, message, retryable)
	if err != nil {
		r.logger.Error("failed to record ingestion error",
			"ingestion_file_id", ingestionFileID,
			"stage", stage,
			"code", code,
			"error", err,
		)
	}
}
