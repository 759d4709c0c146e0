package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableNestedTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

func TestFileRepository_CompareAndSetStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	from := []models.FileStatus{models.FileStatusUploaded, models.FileStatusParseFailed}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "file_records" SET .* WHERE id = \$\d+ AND status IN \(\$\d+,\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.CompareAndSetStatus(ctx, 7, from, models.FileStatusParsing, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "file_records" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err = repo.CompareAndSetStatus(ctx, 7, from, models.FileStatusParsing, nil)
	require.NoError(t, err)
	assert.False(t, ok, "status already moved on, second writer must lose")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFileRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewFileRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "file_records" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), 42)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskLedger_ResolveOnlyOnce(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewTaskLedger(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "extraction_tasks" SET .* WHERE task_id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "extraction_tasks" SET .* WHERE task_id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	first, err := ledger.Resolve(ctx, "task-1", models.TaskStatusDone, models.FollowUpFollowed, nil)
	require.NoError(t, err)
	second, err := ledger.Resolve(ctx, "task-1", models.TaskStatusDone, models.FollowUpFollowed, nil)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskLedger_FindPendingByFileNone(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewTaskLedger(db)

	mock.ExpectQuery(`SELECT \* FROM "extraction_tasks" WHERE file_id = \$1 AND status = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "file_id", "status"}))

	task, err := ledger.FindPendingByFile(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskLedger_FindStale(t *testing.T) {
	db, mock := newMockDB(t)
	ledger := NewTaskLedger(db)

	rows := sqlmock.NewRows([]string{"id", "task_id", "file_id", "status", "task_status"}).
		AddRow(2, "t-2", 10, 0, 0).
		AddRow(5, "t-5", 11, 0, 2)
	mock.ExpectQuery(`SELECT DISTINCT ON \(file_id\) \* FROM extraction_tasks`).WillReturnRows(rows)

	tasks, err := ledger.FindStale(context.Background(), timeZero, 50)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t-2", tasks[0].TaskID)
	assert.Equal(t, models.FollowUpAwaitEmbed, tasks[1].FollowUp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviewChunkStore_ReplaceAll(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPreviewChunkStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "preview_chunks" WHERE file_record_id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`INSERT INTO "preview_chunks"`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	chunks := []*models.PreviewChunk{
		{ChunkID: "a", Content: models.ChunkContent{Content: "one"}},
		{ChunkID: "b", Content: models.ChunkContent{Content: "two"}},
		{ChunkID: "c", Content: models.ChunkContent{Content: "three"}},
	}
	require.NoError(t, store.ReplaceAll(context.Background(), 9, chunks))
	for _, c := range chunks {
		assert.Equal(t, uint64(9), c.FileRecordID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviewChunkStore_ReplaceAllRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPreviewChunkStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "preview_chunks"`).WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`INSERT INTO "preview_chunks"`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.ReplaceAll(context.Background(), 9, []*models.PreviewChunk{{ChunkID: "a"}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviewChunkStore_CountAndCharCount(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewPreviewChunkStore(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT file_record_id, COUNT\(\*\) AS total FROM "preview_chunks" WHERE file_record_id IN \(\$1,\$2\) GROUP BY "file_record_id"`).
		WillReturnRows(sqlmock.NewRows([]string{"file_record_id", "total"}).AddRow(1, 3))
	mock.ExpectQuery(`SELECT file_record_id, COALESCE\(SUM\(char_count\), 0\) AS total FROM "preview_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"file_record_id", "total"}).AddRow(1, 120).AddRow(2, 7))

	counts, err := store.CountByFile(ctx, []uint64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int64{1: 3, 2: 0}, counts)

	chars, err := store.CharCountByFile(ctx, []uint64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]int64{1: 120, 2: 7}, chars)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFormalChunkStore_IncrementHits(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewFormalChunkStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "formal_chunks" SET "dialog_hit_count"=dialog_hit_count \+ \$1 WHERE chunk_id IN \(\$2,\$3\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.IncrementHits(context.Background(), []string{"a", "b"}, HitKindDialog)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFormalChunkStore_SetEnabledEmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewFormalChunkStore(db)

	require.NoError(t, store.SetEnabled(context.Background(), nil, true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TransactionRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db, &countingRepoStore{})

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "preview_chunks"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := errors.New("status write failed")
	err := store.Transaction(context.Background(), func(tx Store) error {
		if err := tx.Previews().ReplaceAll(context.Background(), 1, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
