package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTxCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	client := FromDB(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingestion_file").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = client.InTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE ingestion_file SET status = 'FAILED'")
		return err
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	client := FromDB(db)

	boom := errors.New("constraint violation")
	mock.ExpectBegin()
	mock.ExpectRollback()

	err = client.InTx(context.Background(), func(tx *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pq.Error{Code: "40001"}))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &pq.Error{Code: "40P01"})))
	assert.True(t, IsTransient(&pq.Error{Code: "08006"}))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.True(t, IsTransient(driver.ErrBadConn))
	assert.False(t, IsTransient(errors.New("syntax")))
	assert.False(t, IsTransient(nil))
}

func TestMigrationFilesEmbedded(t *testing.T) {
	files, err := MigrationFiles()
	require.NoError(t, err)
	assert.Contains(t, files, "sql/0001_ingestion.sql")
}
