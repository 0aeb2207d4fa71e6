package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/models"
)

func TestTargetRepository_InsertBatchSkipsDuplicates(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	insert := regexp.QuoteMeta("INSERT INTO campaign_targets")
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(insert).
		WithArgs(int64(7), "51918131082", sqlmock.AnyArg(), sqlmock.AnyArg(), models.TargetStatusQueued).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(1), now, now))
	mock.ExpectQuery(insert).
		WithArgs(int64(7), "51999888777", sqlmock.AnyArg(), sqlmock.AnyArg(), models.TargetStatusQueued).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))
	mock.ExpectCommit()

	repo := NewTargetRepository(sqlDB)
	targets := []*models.Target{
		{Phone: "51918131082"},
		{Phone: "51999888777"},
	}

	inserted, err := repo.InsertBatch(context.Background(), 7, targets)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.Equal(t, int64(1), targets[0].ID)
	assert.Zero(t, targets[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTargetRepository_UpdateStatusNotFound(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaign_targets")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewTargetRepository(sqlDB)
	err = repo.UpdateStatus(context.Background(), 99, models.TargetStatusFailed, nil)
	assert.True(t, models.IsNotFound(err))
}
