// Package trigger turns messages on the ingestion command topic into
// operator actions.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/poller"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/orchestrator"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/kafka"
)

const (
	ActionProcess  = "process"
	ActionPoll     = "poll"
	ActionReVerify = "reverify"
)

// Command is the JSON payload of a command message.
type Command struct {
	Action          string `json:"action"`
	IngestionFileID int64  `json:"ingestion_file_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Controls are the actions a command can start.
type Controls interface {
	ProcessNow(ctx context.Context, reason string) (orchestrator.Summary, error)
	PollNow(ctx context.Context) (poller.Report, error)
	ReVerify(ctx context.Context, id int64) (ingestion.Result, error)
}

// HandleMessage returns a Kafka MessageHandler that runs each command.
// Undecodable and unknown commands are logged and dropped.
func HandleMessage(ctrl Controls) kafka.MessageHandler {
	logger := slog.Default().With("component", "command-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		cmd, err := kafka.DecodeJSON[Command](value)
		if err != nil {
			logger.Error("failed to decode command",
				"error", err,
				"key", string(key),
			)
			return nil
		}

		switch cmd.Action {
		case ActionProcess:
			reason := cmd.Reason
			if reason == "" {
				reason = "command"
			}
			sum, err := ctrl.ProcessNow(ctx, reason)
			if err != nil {
				return fmt.Errorf("process command: %w", err)
			}
			logger.Info("process command complete", "run", sum.CorrelationID, "counts", sum.Counts.String())
		case ActionPoll:
			rep, err := ctrl.PollNow(ctx)
			if errors.Is(err, apperrors.ErrAlreadyRunning) {
				logger.Info("poll command skipped, cycle already running")
				return nil
			}
			if err != nil {
				return fmt.Errorf("poll command: %w", err)
			}
			logger.Info("poll command complete", "staged", rep.Staged)
		case ActionReVerify:
			res, err := ctrl.ReVerify(ctx, cmd.IngestionFileID)
			if err != nil {
				return fmt.Errorf("reverify command for file %d: %w", cmd.IngestionFileID, err)
			}
			logger.Info("reverify command complete",
				"ingestion_file_id", cmd.IngestionFileID,
				"state", res.State,
			)
		default:
			logger.Warn("unknown command", "action", cmd.Action, "key", string(key))
		}
		return nil
	}
}
