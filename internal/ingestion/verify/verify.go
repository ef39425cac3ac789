// Package verify runs post-commit consistency predicates against what was
// persisted for one ingestion file and records every outcome.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

// Querier is the read side the predicates need.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Expectation is what the pipeline believes was written for the file.
type Expectation struct {
	Root              ingestion.RootKind
	HeaderRecordCount int
	Persisted         ingestion.PersistCounts
}

// Predicate is one named check. It returns whether the check passed and a
// human-readable reason.
type Predicate struct {
	Name  string
	Check func(ctx context.Context, q Querier, ingestionFileID int64, exp Expectation) (bool, string, error)
}

// Verifier evaluates a fixed list of predicates.
type Verifier struct {
	db         *postgres.Client
	predicates []Predicate
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Verifier using the default predicates. m may be nil.
func New(db *postgres.Client, m *metrics.Metrics) *Verifier {
	return NewWithPredicates(db, m, DefaultPredicates())
}

func NewWithPredicates(db *postgres.Client, m *metrics.Metrics, predicates []Predicate) *Verifier {
	return &Verifier{
		db:         db,
		predicates: predicates,
		metrics:    m,
		logger:     slog.Default().With("component", "verifier"),
	}
}

// Verify evaluates every predicate, records all results and reports whether
// all of them passed. A predicate that errors counts as failed. The returned
// error is only set when the results could not be recorded.
func (v *Verifier) Verify(ctx context.Context, ingestionFileID int64, exp Expectation) ([]ingestion.VerificationResult, bool, error) {
	results := make([]ingestion.VerificationResult, 0, len(v.predicates))
	passed := true
	for _, p := range v.predicates {
		ok, reason, err := p.Check(ctx, v.db.DB, ingestionFileID, exp)
		if err != nil {
			ok = false
			reason = fmt.Sprintf("check failed: %v", err)
		}
		if !ok {
			passed = false
			if v.metrics != nil {
				v.metrics.VerifyFailuresTotal.WithLabelValues(p.Name).Inc()
			}
			v.logger.Warn("verification predicate failed",
				"ingestion_file_id", ingestionFileID,
				"predicate", p.Name,
				"reason", reason,
			)
		}
		results = append(results, ingestion.VerificationResult{Predicate: p.Name, Passed: ok, Reason: reason})
	}

	err := v.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, r := range results {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO verification_result (ingestion_file_id, predicate, passed, reason) VALUES ($1, $2, $3, $4)`,
				ingestionFileID, r.Predicate, r.Passed, r.Reason); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return results, passed, fmt.Errorf("recording verification results: %w", err)
	}
	return results, passed, nil
}
