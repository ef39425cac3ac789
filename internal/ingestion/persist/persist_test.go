package persist

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/parser"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/sample"
	apperrors "github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

func newWriter(t *testing.T) (*Writer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(postgres.FromDB(db)), mock
}

func parse(t *testing.T, data []byte) *parser.Document {
	t.Helper()
	doc, err := parser.New(time.UTC).Parse(data)
	require.NoError(t, err)
	return doc
}

func idRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"}).AddRow(id)
}

func TestPersistSubmissionGraph(t *testing.T) {
	w, mock := newWriter(t)
	doc := parse(t, sample.Submission(sample.Options{Claims: 1, ActivitiesPerClaim: 1}))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO submission`).WithArgs(int64(7), sqlmock.AnyArg()).WillReturnRows(idRow(100))
	mock.ExpectQuery(`INSERT INTO claim_key`).WithArgs("CLM-0001").WillReturnRows(idRow(10))
	mock.ExpectQuery(`INSERT INTO claim \(`).WillReturnRows(idRow(20))
	mock.ExpectExec(`INSERT INTO encounter`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO diagnosis`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`INSERT INTO activity`).WillReturnRows(idRow(30))
	mock.ExpectExec(`DELETE FROM observation`).WithArgs(int64(30)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO observation`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`INSERT INTO claim_event \(`).
		WithArgs(int64(10), int64(7), sqlmock.AnyArg(), EventSubmission, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(idRow(40))
	mock.ExpectQuery(`INSERT INTO claim_event_activity`).WillReturnRows(idRow(50))
	mock.ExpectExec(`INSERT INTO event_observation`).WithArgs(int64(50), "Text", "BP", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	out, err := w.Persist(context.Background(), 7, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Counts.Claims)
	assert.Equal(t, 1, out.Counts.Activities)
	assert.Equal(t, 1, out.Counts.Diagnoses)
	assert.Equal(t, 1, out.Counts.Encounters)
	assert.Equal(t, 1, out.Counts.Observations)
	assert.Empty(t, out.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistSkipsExistingClaimWithoutResubmission(t *testing.T) {
	w, mock := newWriter(t)
	doc := parse(t, sample.Submission(sample.Options{Claims: 1}))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO submission`).WillReturnRows(idRow(100))
	mock.ExpectQuery(`INSERT INTO claim_key`).WillReturnRows(idRow(10))
	mock.ExpectQuery(`INSERT INTO claim \(.*DO NOTHING`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	out, err := w.Persist(context.Background(), 7, doc)
	require.NoError(t, err)
	assert.Zero(t, out.Counts.Claims)
	require.Len(t, out.Skipped, 1)
	assert.Equal(t, "CLM-0001", out.Skipped[0].ClaimID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistResubmissionUpdatesClaim(t *testing.T) {
	w, mock := newWriter(t)
	doc := parse(t, sample.Submission(sample.Options{Claims: 1, Resubmission: true}))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO submission`).WillReturnRows(idRow(100))
	mock.ExpectQuery(`INSERT INTO claim_key`).WillReturnRows(idRow(10))
	mock.ExpectQuery(`INSERT INTO claim \(.*DO UPDATE SET`).WillReturnRows(idRow(20))
	mock.ExpectExec(`INSERT INTO encounter`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO diagnosis`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO activity`).WillReturnRows(idRow(30))
	mock.ExpectExec(`DELETE FROM observation`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO observation`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`INSERT INTO claim_event \(`).
		WithArgs(int64(10), int64(7), sqlmock.AnyArg(), EventResubmission, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(idRow(41))
	mock.ExpectQuery(`INSERT INTO claim_event_activity`).WillReturnRows(idRow(51))
	mock.ExpectExec(`INSERT INTO event_observation`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO claim_resubmission`).
		WithArgs(int64(41), "correction", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	out, err := w.Persist(context.Background(), 7, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Counts.Claims)
	assert.Zero(t, out.Counts.Diagnoses)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistRemittanceGraph(t *testing.T) {
	w, mock := newWriter(t)
	doc := parse(t, sample.Remittance(sample.Options{Claims: 1, ActivitiesPerClaim: 2}))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO remittance \(`).WillReturnRows(idRow(200))
	mock.ExpectQuery(`INSERT INTO claim_key`).WillReturnRows(idRow(10))
	mock.ExpectQuery(`INSERT INTO remittance_claim`).WillReturnRows(idRow(210))
	mock.ExpectExec(`INSERT INTO remittance_activity`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO remittance_activity`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`INSERT INTO claim_event \(`).
		WithArgs(int64(10), int64(9), sqlmock.AnyArg(), EventRemittance, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(idRow(60))
	mock.ExpectQuery(`INSERT INTO claim_event_activity`).WillReturnRows(idRow(61))
	mock.ExpectQuery(`INSERT INTO claim_event_activity`).WillReturnRows(idRow(62))
	mock.ExpectCommit()

	out, err := w.Persist(context.Background(), 9, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Counts.RemitClaims)
	assert.Equal(t, 2, out.Counts.RemitActivities)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistRollsBackOnConstraintViolation(t *testing.T) {
	w, mock := newWriter(t)
	doc := parse(t, sample.Submission(sample.Options{Claims: 1}))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO submission`).WillReturnRows(idRow(100))
	mock.ExpectQuery(`INSERT INTO claim_key`).WillReturnError(&pq.Error{Code: "23502", Message: "null value"})
	mock.ExpectRollback()

	_, err := w.Persist(context.Background(), 7, doc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPersistence))
	stage, code := apperrors.StageOf(err, "", "")
	assert.Equal(t, apperrors.StagePersist, stage)
	assert.Equal(t, apperrors.CodePersistFail, code)
	assert.False(t, apperrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistTransientErrorIsRetryable(t *testing.T) {
	w, mock := newWriter(t)
	doc := parse(t, sample.Submission(sample.Options{Claims: 1}))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO submission`).WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	_, err := w.Persist(context.Background(), 7, doc)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestNullHelpers(t *testing.T) {
	assert.Equal(t, sql.NullString{}, nullString(""))
	assert.Equal(t, sql.NullString{String: "1.5", Valid: true}, nullDecimal("1.5"))
	assert.False(t, nullTime(nil).Valid)
}
