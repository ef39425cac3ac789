// Package persist writes a parsed document's full object graph in a single
// transaction. A submission produces claim, encounter, diagnosis, activity
// and observation rows plus one claim event per claim; a remittance produces
// remittance claim and activity rows plus a remittance claim event.
package persist

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/parser"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

// Claim event types stored in claim_event.type.
const (
	EventSubmission   = 1
	EventResubmission = 2
	EventRemittance   = 3
)

// SkippedClaim is a claim that was left out of an otherwise committed
// document.
type SkippedClaim struct {
	ClaimID string
	Reason  string
}

// Outcome is what one Persist call wrote.
type Outcome struct {
	Counts  ingestion.PersistCounts
	Skipped []SkippedClaim
}

// Writer persists documents.
type Writer struct {
	db     *postgres.Client
	logger *slog.Logger
}

func New(db *postgres.Client) *Writer {
	return &Writer{
		db:     db,
		logger: slog.Default().With("component", "persist"),
	}
}

// Persist writes doc for the given ingestion file in one transaction. Any
// statement failure rolls back the whole document. A plain submission of a
// claim that already exists is skipped and reported in Outcome.Skipped; only
// a resubmission may update an existing claim.
func (w *Writer) Persist(ctx context.Context, ingestionFileID int64, doc *parser.Document) (Outcome, error) {
	var out Outcome
	err := w.db.InTx(ctx, func(tx *sql.Tx) error {
		out = Outcome{}
		switch {
		case doc.Submission != nil:
			return w.persistSubmission(ctx, tx, ingestionFileID, doc.Submission, &out)
		case doc.Remittance != nil:
			return w.persistRemittance(ctx, tx, ingestionFileID, doc.Remittance, &out)
		}
		return nil
	})
	if err != nil {
		se := apperrors.Wrap(apperrors.ErrPersistence, apperrors.StagePersist, apperrors.CodePersistFail, err)
		if postgres.IsTransient(err) {
			se = se.AsRetryable()
		}
		return Outcome{}, se
	}
	if len(out.Skipped) > 0 {
		w.logger.Warn("claims skipped during persist",
			"ingestion_file_id", ingestionFileID,
			"skipped", len(out.Skipped),
		)
	}
	return out, nil
}

func (w *Writer) persistSubmission(ctx context.Context, tx *sql.Tx, fileID int64, s *parser.Submission, out *Outcome) error {
	txAt := eventTime(s.Header)
	var submissionID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO submission (ingestion_file_id, tx_at) VALUES ($1, $2) RETURNING id`,
		fileID, txAt).Scan(&submissionID); err != nil {
		return err
	}

	for _, c := range s.Claims {
		keyID, err := upsertClaimKey(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		claimID, ok, err := writeClaim(ctx, tx, keyID, submissionID, c)
		if err != nil {
			return err
		}
		if !ok {
			out.Skipped = append(out.Skipped, SkippedClaim{ClaimID: c.ID, Reason: "claim already exists and is not a resubmission"})
			continue
		}
		out.Counts.Claims++

		if e := c.Encounter; e != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO encounter (claim_id, facility_id, type, patient_id, start_at, end_at,
					start_type, end_type, transfer_source, transfer_destination)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (claim_id) DO UPDATE SET
					facility_id = EXCLUDED.facility_id, type = EXCLUDED.type, patient_id = EXCLUDED.patient_id,
					start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at, start_type = EXCLUDED.start_type,
					end_type = EXCLUDED.end_type, transfer_source = EXCLUDED.transfer_source,
					transfer_destination = EXCLUDED.transfer_destination`,
				claimID, nullString(e.FacilityID), nullString(e.Type), nullString(e.PatientID),
				nullTime(e.Start), nullTime(e.End), nullString(e.StartType), nullString(e.EndType),
				nullString(e.TransferSource), nullString(e.TransferDestination)); err != nil {
				return err
			}
			out.Counts.Encounters++
		}

		for _, d := range c.Diagnoses {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO diagnosis (claim_id, diag_type, code) VALUES ($1, $2, $3)
				ON CONFLICT (claim_id, diag_type, code) DO NOTHING`,
				claimID, d.Type, d.Code)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				out.Counts.Diagnoses++
			}
		}

		for _, a := range c.Activities {
			var activityID int64
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO activity (claim_id, activity_id, start_at, type, code, quantity, net, clinician, prior_authorization_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (claim_id, activity_id) DO UPDATE SET
					start_at = EXCLUDED.start_at, type = EXCLUDED.type, code = EXCLUDED.code,
					quantity = EXCLUDED.quantity, net = EXCLUDED.net, clinician = EXCLUDED.clinician,
					prior_authorization_id = EXCLUDED.prior_authorization_id
				RETURNING id`,
				claimID, a.ID, nullTime(a.Start), a.Type, a.Code, nullDecimal(a.Quantity), nullDecimal(a.Net),
				a.Clinician, nullString(a.PriorAuthorizationID)).Scan(&activityID); err != nil {
				return err
			}
			out.Counts.Activities++
			if _, err := tx.ExecContext(ctx, `DELETE FROM observation WHERE activity_id = $1`, activityID); err != nil {
				return err
			}
			for _, o := range a.Observations {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO observation (activity_id, obs_type, obs_code, value_text, value_type)
					VALUES ($1, $2, $3, $4, $5)`,
					activityID, o.Type, o.Code, nullString(o.Value), nullString(o.ValueType)); err != nil {
					return err
				}
				out.Counts.Observations++
			}
		}

		eventType := EventSubmission
		if c.Resubmission != nil {
			eventType = EventResubmission
		}
		eventID, ok, err := insertEvent(ctx, tx, keyID, fileID, txAt, eventType, sql.NullInt64{Int64: submissionID, Valid: true}, sql.NullInt64{})
		if err != nil {
			return err
		}
		if !ok {
			out.Skipped = append(out.Skipped, SkippedClaim{ClaimID: c.ID, Reason: "claim event already recorded"})
			continue
		}
		for _, a := range c.Activities {
			eaID, ok, err := insertEventActivity(ctx, tx, eventID, eventActivity{
				ID: a.ID, Start: a.Start, Type: a.Type, Code: a.Code,
				Quantity: a.Quantity, Net: a.Net, Clinician: a.Clinician,
			})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			for _, o := range a.Observations {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO event_observation (claim_event_activity_id, obs_type, obs_code, value_text, value_type)
					VALUES ($1, $2, $3, $4, $5)`,
					eaID, o.Type, o.Code, nullString(o.Value), nullString(o.ValueType)); err != nil {
					return err
				}
			}
		}
		if r := c.Resubmission; r != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO claim_resubmission (claim_event_id, resubmission_type, comment, attachment)
				VALUES ($1, $2, $3, $4)`,
				eventID, r.Type, nullString(r.Comment), r.Attachment); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeClaim inserts a new claim or, for a resubmission, updates the
// existing one. ok is false when a plain submission hits an existing claim.
func writeClaim(ctx context.Context, tx *sql.Tx, keyID, submissionID int64, c parser.SubmissionClaim) (int64, bool, error) {
	args := []any{
		keyID, submissionID, nullString(c.IDPayer), nullString(c.MemberID), c.PayerID, c.ProviderID,
		c.EmiratesIDNumber, nullDecimal(c.Gross), nullDecimal(c.PatientShare), nullDecimal(c.Net), nullString(c.Comments),
	}
	const insert = `INSERT INTO claim (claim_key_id, submission_id, id_payer, member_id, payer_id, provider_id,
			emirates_id_number, gross, patient_share, net, comments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var claimID int64
	if c.Resubmission == nil {
		err := tx.QueryRowContext(ctx, insert+` ON CONFLICT (claim_key_id) DO NOTHING RETURNING id`, args...).Scan(&claimID)
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return claimID, err == nil, err
	}
	err := tx.QueryRowContext(ctx, insert+` ON CONFLICT (claim_key_id) DO UPDATE SET
			submission_id = EXCLUDED.submission_id, id_payer = EXCLUDED.id_payer, member_id = EXCLUDED.member_id,
			payer_id = EXCLUDED.payer_id, provider_id = EXCLUDED.provider_id,
			emirates_id_number = EXCLUDED.emirates_id_number, gross = EXCLUDED.gross,
			patient_share = EXCLUDED.patient_share, net = EXCLUDED.net, comments = EXCLUDED.comments,
			updated_at = NOW()
		RETURNING id`, args...).Scan(&claimID)
	return claimID, err == nil, err
}

func (w *Writer) persistRemittance(ctx context.Context, tx *sql.Tx, fileID int64, r *parser.Remittance, out *Outcome) error {
	txAt := eventTime(r.Header)
	var remittanceID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO remittance (ingestion_file_id, tx_at) VALUES ($1, $2) RETURNING id`,
		fileID, txAt).Scan(&remittanceID); err != nil {
		return err
	}

	for _, c := range r.Claims {
		keyID, err := upsertClaimKey(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		var rcID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO remittance_claim (remittance_id, claim_key_id, id_payer, provider_id, denial_code,
				payment_reference, date_settlement, facility_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (remittance_id, claim_key_id) DO NOTHING
			RETURNING id`,
			remittanceID, keyID, c.IDPayer, nullString(c.ProviderID), nullString(c.DenialCode),
			c.PaymentReference, nullTime(c.DateSettlement), nullString(c.FacilityID)).Scan(&rcID)
		if err == sql.ErrNoRows {
			out.Skipped = append(out.Skipped, SkippedClaim{ClaimID: c.ID, Reason: "claim repeated within remittance"})
			continue
		}
		if err != nil {
			return err
		}
		out.Counts.RemitClaims++

		for _, a := range c.Activities {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO remittance_activity (remittance_claim_id, activity_id, start_at, type, code, quantity,
					net, list_price, clinician, prior_authorization_id, gross, patient_share, payment_amount, denial_code)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				ON CONFLICT (remittance_claim_id, activity_id) DO UPDATE SET
					payment_amount = EXCLUDED.payment_amount, denial_code = EXCLUDED.denial_code`,
				rcID, a.ID, nullTime(a.Start), a.Type, a.Code, nullDecimal(a.Quantity), nullDecimal(a.Net),
				nullDecimal(a.List), a.Clinician, nullString(a.PriorAuthorizationID), nullDecimal(a.Gross),
				nullDecimal(a.PatientShare), nullDecimal(a.PaymentAmount), nullString(a.DenialCode)); err != nil {
				return err
			}
			out.Counts.RemitActivities++
		}

		eventID, ok, err := insertEvent(ctx, tx, keyID, fileID, txAt, EventRemittance, sql.NullInt64{}, sql.NullInt64{Int64: remittanceID, Valid: true})
		if err != nil {
			return err
		}
		if !ok {
			out.Skipped = append(out.Skipped, SkippedClaim{ClaimID: c.ID, Reason: "claim event already recorded"})
			continue
		}
		for _, a := range c.Activities {
			if _, _, err := insertEventActivity(ctx, tx, eventID, eventActivity{
				ID: a.ID, Start: a.Start, Type: a.Type, Code: a.Code, Quantity: a.Quantity, Net: a.Net,
				Clinician: a.Clinician, PaymentAmount: a.PaymentAmount, DenialCode: a.DenialCode,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func upsertClaimKey(ctx context.Context, tx *sql.Tx, claimID string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO claim_key (claim_id) VALUES ($1)
		ON CONFLICT (claim_id) DO UPDATE SET claim_id = EXCLUDED.claim_id
		RETURNING id`, claimID).Scan(&id)
	return id, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, keyID, fileID int64, at time.Time, eventType int, submissionID, remittanceID sql.NullInt64) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO claim_event (claim_key_id, ingestion_file_id, event_time, type, submission_id, remittance_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (claim_key_id, type, event_time) DO NOTHING
		RETURNING id`,
		keyID, fileID, at, eventType, submissionID, remittanceID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

type eventActivity struct {
	ID            string
	Start         *time.Time
	Type          string
	Code          string
	Quantity      parser.Decimal
	Net           parser.Decimal
	Clinician     string
	PaymentAmount parser.Decimal
	DenialCode    string
}

func insertEventActivity(ctx context.Context, tx *sql.Tx, eventID int64, a eventActivity) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO claim_event_activity (claim_event_id, activity_id_at_event, start_at, type, code, quantity,
			net, clinician, payment_amount, denial_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (claim_event_id, activity_id_at_event) DO NOTHING
		RETURNING id`,
		eventID, a.ID, nullTime(a.Start), nullString(a.Type), nullString(a.Code), nullDecimal(a.Quantity),
		nullDecimal(a.Net), nullString(a.Clinician), nullDecimal(a.PaymentAmount), nullString(a.DenialCode)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

// eventTime is the header transaction date; the header precheck guarantees
// it is present before persistence runs.
func eventTime(h parser.Header) time.Time {
	if h.TransactionDate == nil {
		return time.Time{}
	}
	return h.TransactionDate.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d parser.Decimal) sql.NullString {
	return nullString(string(d))
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
