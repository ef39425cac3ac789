package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
)

func newVerifier(t *testing.T) (*Verifier, sqlmock.Sqlmock, *metrics.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	return New(postgres.FromDB(db), m), mock, m
}

func countRow(n int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func expectPredicates(mock sqlmock.Sqlmock, distinctClaims int) {
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM claim_event WHERE`).WithArgs(int64(5)).WillReturnRows(countRow(3))
	mock.ExpectQuery(`SELECT COUNT\(DISTINCT claim_key_id\)`).WithArgs(int64(5)).WillReturnRows(countRow(distinctClaims))
	mock.ExpectQuery(`FROM claim_event_activity cea JOIN claim_event`).WillReturnRows(countRow(6))
	mock.ExpectQuery(`FROM activity a JOIN claim c`).WillReturnRows(countRow(0))
	mock.ExpectQuery(`NOT EXISTS \(SELECT 1 FROM activity a`).WillReturnRows(countRow(0))
	mock.ExpectQuery(`FROM event_observation eo`).WillReturnRows(sqlmock.NewRows([]string{"e", "s"}).AddRow(6, 6))
	mock.ExpectQuery(`GROUP BY claim_key_id, type`).WillReturnRows(countRow(0))
}

func expectRecord(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	for i := 0; i < len(DefaultPredicates()); i++ {
		mock.ExpectExec(`INSERT INTO verification_result`).WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
	}
	mock.ExpectCommit()
}

var exp = Expectation{
	Root:              ingestion.RootSubmission,
	HeaderRecordCount: 3,
	Persisted:         ingestion.PersistCounts{Claims: 3, Activities: 6},
}

func TestVerifyAllPass(t *testing.T) {
	v, mock, _ := newVerifier(t)
	expectPredicates(mock, 3)
	expectRecord(mock)

	results, passed, err := v.Verify(context.Background(), 5, exp)
	require.NoError(t, err)
	assert.True(t, passed)
	require.Len(t, results, 7)
	for _, r := range results {
		assert.True(t, r.Passed, r.Predicate)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyCountMismatchFailsButEvaluatesAll(t *testing.T) {
	v, mock, m := newVerifier(t)
	expectPredicates(mock, 2)
	expectRecord(mock)

	results, passed, err := v.Verify(context.Background(), 5, exp)
	require.NoError(t, err)
	assert.False(t, passed)
	require.Len(t, results, 7)
	assert.False(t, results[1].Passed)
	assert.Equal(t, "header declares 3 claims, 2 persisted", results[1].Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerifyFailuresTotal.WithLabelValues("claim_count_matches_header")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyPredicateErrorCountsAsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	called := false
	v := NewWithPredicates(postgres.FromDB(db), nil, []Predicate{
		{Name: "broken", Check: func(ctx context.Context, q Querier, id int64, e Expectation) (bool, string, error) {
			return false, "", errors.New("relation missing")
		}},
		{Name: "after", Check: func(ctx context.Context, q Querier, id int64, e Expectation) (bool, string, error) {
			called = true
			return true, "", nil
		}},
	})
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO verification_result`).WithArgs(int64(1), "broken", false, "check failed: relation missing").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO verification_result`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	_, passed, err := v.Verify(context.Background(), 1, Expectation{})
	require.NoError(t, err)
	assert.False(t, passed)
	assert.True(t, called)
}

func TestRemittanceActivityExpectation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM claim_event_activity`).WillReturnRows(countRow(2))
	ok, _, err := activityCountAtLeastPersisted(context.Background(), db, 1, Expectation{
		Root:      ingestion.RootRemittance,
		Persisted: ingestion.PersistCounts{RemitActivities: 3},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
