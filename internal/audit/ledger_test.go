package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

func TestSQLLedger_AppendFirstEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS classifications").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_classifications_record").WillReturnResult(sqlmock.NewResult(0, 0))

	l, err := NewSQLLedger(db, func() time.Time { return fixedNow })
	require.NoError(t, err)

	mock.ExpectQuery("SELECT hash FROM classifications").
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec("INSERT INTO classifications").
		WithArgs("rec-1", "w1", "w1", "t1", "sub-1", "completion", 0.75, 0.5, int64(1), "",
			fixedNow.Format(time.RFC3339Nano), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(7, 1))

	e, err := l.Append(context.Background(), Entry{
		RecordID:     "rec-1",
		ResponseID:   "w1",
		WorkerID:     "w1",
		TaskID:       "t1",
		SubmissionID: "sub-1",
		Classifier:   "completion",
		Score:        0.75,
		Threshold:    0.5,
		Valid:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.Seq)
	assert.Empty(t, e.PrevHash)
	assert.Len(t, e.Hash, 64)
	assert.Equal(t, fixedNow, e.At)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_AppendInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX").WillReturnResult(sqlmock.NewResult(0, 0))
	l, err := NewSQLLedger(db, nil)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT hash FROM classifications").
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("abc"))
	mock.ExpectExec("INSERT INTO classifications").WillReturnError(errors.New("disk full"))

	_, err = l.Append(context.Background(), Entry{RecordID: "rec-1", ResponseID: "w1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_MigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only"))
	_, err = NewSQLLedger(db, nil)
	require.Error(t, err)
}

func appendN(t *testing.T, l *SQLLedger, recordID string, scores ...float64) {
	t.Helper()
	for i, s := range scores {
		_, err := l.Append(context.Background(), Entry{
			RecordID:   recordID,
			ResponseID: "w" + string(rune('a'+i)),
			Classifier: "completion",
			Score:      s,
			Threshold:  0.5,
			Valid:      s >= 0.5,
			At:         fixedNow.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func TestSQLiteLedger_ChainVerifies(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	appendN(t, l, "rec-1", 0.9, 0.1, 0.5)
	appendN(t, l, "rec-2", 0.2)

	entries, err := l.List(context.Background(), "rec-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
	assert.True(t, entries[0].Valid)
	assert.False(t, entries[1].Valid)
	assert.True(t, entries[2].Valid)
	assert.True(t, entries[1].At.Equal(fixedNow.Add(time.Second)))

	n, err := l.Verify(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	other, err := l.List(context.Background(), "rec-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Empty(t, other[0].PrevHash)
}

func TestSQLiteLedger_DetectsTampering(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	appendN(t, l, "rec-1", 0.9, 0.1)
	_, err = l.db.Exec(`UPDATE classifications SET score = 0.95 WHERE response_id = 'wb'`)
	require.NoError(t, err)

	n, err := l.Verify(context.Background(), "rec-1")
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Equal(t, 1, n)
}

func TestSQLiteLedger_DetectsInconsistentVerdict(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	_, err = l.Append(context.Background(), Entry{RecordID: "rec-1", ResponseID: "w1", Score: 0.1, Threshold: 0.5, Valid: true})
	require.NoError(t, err)

	_, err = l.Verify(context.Background(), "rec-1")
	assert.ErrorIs(t, err, ErrVerdictMismatch)
}
