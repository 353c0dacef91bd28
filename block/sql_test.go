package block

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/blocksync/errors"
)

func TestSQLStore_UpsertWrapsDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO blocks").
		WithArgs("b1", "text", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "page",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "kirby").
		WillReturnError(errors.New("disk I/O error"))

	s := NewSQLStore(db)
	err = s.Upsert(context.Background(), newBlock("b1", "page", "", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert block b1")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_BatchRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO blocks")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	s := NewSQLStore(db)
	err = s.UpsertBatch(context.Background(), []*Block{
		newBlock("b1", "page", "", 0),
		newBlock("b2", "page", "", 1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM blocks WHERE id = ?").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewSQLStore(db).Get(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}
