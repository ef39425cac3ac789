package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/parser"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

// FileRow is the subset of ingestion_file the pipeline reads back.
type FileRow struct {
	ID          int64
	Source      ingestion.Source
	FileID      string
	Root        ingestion.RootKind
	RecordCount int
	Status      ingestion.State
	ErrorStage  string
}

// Store owns the ingestion_file row of each file. Every method is its own
// commit.
type Store struct {
	db *postgres.Client
}

func NewStore(db *postgres.Client) *Store {
	return &Store{db: db}
}

// InsertStub creates the file row, or touches the existing one for a file
// seen before, and returns its id.
func (s *Store) InsertStub(ctx context.Context, item ingestion.WorkItem) (int64, error) {
	var id int64
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO ingestion_file (source, file_id, file_name, source_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, file_id) DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		string(item.Source), item.FileID, item.FileName, nullString(item.SourceID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting ingestion file stub: %w", err)
	}
	return id, nil
}

// UpdateHeader stores the header snapshot, keeping previously known values
// for fields the document leaves empty.
func (s *Store) UpdateHeader(ctx context.Context, id int64, root ingestion.RootKind, h parser.Header) error {
	var recordCount sql.NullInt64
	if h.RecordCount > 0 {
		recordCount = sql.NullInt64{Int64: int64(h.RecordCount), Valid: true}
	}
	var txDate sql.NullTime
	if h.TransactionDate != nil {
		txDate = sql.NullTime{Time: *h.TransactionDate, Valid: true}
	}
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE ingestion_file SET
			root_type = $2,
			sender_id = COALESCE($3, sender_id),
			receiver_id = COALESCE($4, receiver_id),
			transaction_date = COALESCE($5, transaction_date),
			record_count = COALESCE($6, record_count),
			disposition_flag = COALESCE($7, disposition_flag),
			updated_at = NOW()
		WHERE id = $1`,
		id, string(root), nullString(h.SenderID), nullString(h.ReceiverID), txDate, recordCount,
		nullString(h.DispositionFlag))
	if err != nil {
		return fmt.Errorf("updating ingestion file header: %w", err)
	}
	return nil
}

// MarkStatus writes the terminal state of a file.
func (s *Store) MarkStatus(ctx context.Context, id int64, state ingestion.State, root ingestion.RootKind, errorStage string) error {
	_, err := s.db.DB.ExecContext(ctx,
		`UPDATE ingestion_file SET
			status = $2,
			root_type = COALESCE(NULLIF($3, 'UNKNOWN'), root_type),
			error_stage = $4,
			updated_at = NOW()
		WHERE id = $1`,
		id, string(state), string(root), nullString(errorStage))
	if err != nil {
		return fmt.Errorf("updating ingestion file status: %w", err)
	}
	return nil
}

// Prior is what an earlier run left behind for a file row.
type Prior struct {
	Claims     int
	Status     ingestion.State
	ErrorStage string
}

// Verified reports whether the earlier run reached a verified state.
func (p Prior) Verified() bool {
	return p.Status == ingestion.StateVerified || p.Status == ingestion.StateAcked
}

// Prior returns the stored status of the file together with the distinct
// claims already projected from it.
func (s *Store) Prior(ctx context.Context, id int64) (Prior, error) {
	var (
		p          Prior
		status     string
		errorStage sql.NullString
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT f.status, f.error_stage,
			(SELECT COUNT(DISTINCT claim_key_id) FROM claim_event WHERE ingestion_file_id = f.id)
		FROM ingestion_file f WHERE f.id = $1`, id,
	).Scan(&status, &errorStage, &p.Claims)
	if err != nil {
		return Prior{}, fmt.Errorf("loading prior state of ingestion file %d: %w", id, err)
	}
	p.Status = ingestion.State(status)
	p.ErrorStage = errorStage.String
	return p, nil
}

func (s *Store) LoadFile(ctx context.Context, id int64) (FileRow, error) {
	var (
		f           FileRow
		source      string
		root        string
		status      string
		recordCount sql.NullInt64
		errorStage  sql.NullString
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, source, file_id, root_type, record_count, status, error_stage
		FROM ingestion_file WHERE id = $1`, id,
	).Scan(&f.ID, &source, &f.FileID, &root, &recordCount, &status, &errorStage)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRow{}, fmt.Errorf("ingestion file %d: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return FileRow{}, fmt.Errorf("loading ingestion file %d: %w", id, err)
	}
	f.Source = ingestion.Source(source)
	f.Root = ingestion.RootKind(root)
	f.Status = ingestion.State(status)
	f.RecordCount = int(recordCount.Int64)
	f.ErrorStage = errorStage.String
	return f, nil
}

// PersistedCounts recomputes what is stored for the file.
func (s *Store) PersistedCounts(ctx context.Context, id int64) (ingestion.PersistCounts, error) {
	var c ingestion.PersistCounts
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM claim c JOIN submission s ON s.id = c.submission_id
				WHERE s.ingestion_file_id = $1),
			(SELECT COUNT(*) FROM activity a JOIN claim c ON c.id = a.claim_id
				JOIN submission s ON s.id = c.submission_id WHERE s.ingestion_file_id = $1),
			(SELECT COUNT(*) FROM remittance_claim rc JOIN remittance r ON r.id = rc.remittance_id
				WHERE r.ingestion_file_id = $1),
			(SELECT COUNT(*) FROM remittance_activity ra
				JOIN remittance_claim rc ON rc.id = ra.remittance_claim_id
				JOIN remittance r ON r.id = rc.remittance_id WHERE r.ingestion_file_id = $1)`, id,
	).Scan(&c.Claims, &c.Activities, &c.RemitClaims, &c.RemitActivities)
	if err != nil {
		return c, fmt.Errorf("counting persisted rows: %w", err)
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
