package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flood-trigger-service/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry(t *testing.T, bucket string) domain.LedgerEntry {
	t.Helper()
	a := domain.ActivationRecord{
		ID:        "act-" + bucket,
		TriggerID: "trg-1",
		RepeatKey: "trg-1",
		Bucket:    bucket,
		Basin:     "karnali",
		Actor:     domain.ActorSystem,
		FiredAt:   time.Date(2024, 7, 1, 10, 30, 0, 0, time.UTC),
	}
	e, err := domain.NewLedgerEntry(a, domain.Trigger{Statement: "water_level[agency:42].value > 10"})
	require.NoError(t, err)
	return e
}

func newTestLedger(t *testing.T) (*FileLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	fl, err := OpenFile(path, clockwork.NewFakeClockAt(time.Date(2024, 7, 1, 11, 0, 0, 0, time.UTC)), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fl.Close() })
	return fl, path
}

func TestFileLedger_SubmitIsIdempotent(t *testing.T) {
	fl, _ := newTestLedger(t)
	ctx := context.Background()
	e := testEntry(t, "daily:2024-07-01")

	first, err := fl.Submit(ctx, e)
	require.NoError(t, err)
	assert.NotEmpty(t, first.TxRef)
	assert.Equal(t, e.ContentHash, first.ContentHash)

	again, err := fl.Submit(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	n, err := fl.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "replayed submit must not append")
}

func TestFileLedger_ConflictIsPermanent(t *testing.T) {
	fl, _ := newTestLedger(t)
	ctx := context.Background()
	e := testEntry(t, "daily:2024-07-01")
	_, err := fl.Submit(ctx, e)
	require.NoError(t, err)

	e.ContentHash = "tampered"
	_, err = fl.Submit(ctx, e)
	require.ErrorIs(t, err, ErrConflict)
	assert.False(t, IsRetryable(err))
}

func TestFileLedger_Lookup(t *testing.T) {
	fl, _ := newTestLedger(t)
	ctx := context.Background()
	e := testEntry(t, "daily:2024-07-01")

	_, err := fl.Lookup(ctx, e.IdempotencyKey)
	require.ErrorIs(t, err, ErrNotFound)

	r, err := fl.Submit(ctx, e)
	require.NoError(t, err)
	got, err := fl.Lookup(ctx, e.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestFileLedger_ChainSurvivesReopen(t *testing.T) {
	fl, path := newTestLedger(t)
	ctx := context.Background()
	first, err := fl.Submit(ctx, testEntry(t, "daily:2024-07-01"))
	require.NoError(t, err)
	_, err = fl.Submit(ctx, testEntry(t, "daily:2024-07-02"))
	require.NoError(t, err)
	require.NoError(t, fl.Close())

	reopened, err := OpenFile(path, clockwork.NewFakeClock(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Lookup(ctx, testEntry(t, "daily:2024-07-01").IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, first.TxRef, got.TxRef)

	_, err = reopened.Submit(ctx, testEntry(t, "daily:2024-07-03"))
	require.NoError(t, err)
	n, err := reopened.Verify()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFileLedger_DetectsTampering(t *testing.T) {
	fl, path := newTestLedger(t)
	_, err := fl.Submit(context.Background(), testEntry(t, "daily:2024-07-01"))
	require.NoError(t, err)
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte("karnali"), []byte("koshi"), 1)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = OpenFile(path, clockwork.NewFakeClock(), discardLogger())
	assert.Error(t, err)
	_, err = VerifyFile(path)
	assert.ErrorContains(t, err, "mismatch")
}

func TestOpenFile_SecondWriterIsRefused(t *testing.T) {
	fl, path := newTestLedger(t)
	ctx := context.Background()
	e := testEntry(t, "daily:2024-07-01")
	first, err := fl.Submit(ctx, e)
	require.NoError(t, err)

	_, err = OpenFile(path, clockwork.NewFakeClock(), discardLogger())
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, fl.Close())
	next, err := OpenFile(path, clockwork.NewFakeClock(), discardLogger())
	require.NoError(t, err, "lock is released on close")
	t.Cleanup(func() { _ = next.Close() })

	again, err := next.Submit(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, first.TxRef, again.TxRef)
	n, err := VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "key recorded once")
}

func TestFileLedger_CloseTwice(t *testing.T) {
	fl, _ := newTestLedger(t)
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close())

	_, err := fl.Submit(context.Background(), testEntry(t, "daily:2024-07-01"))
	require.ErrorIs(t, err, ErrPermanent)
}

// tornWriter writes half of each buffer to the file, like a disk filling up
// mid-line.
type tornWriter struct{ f *os.File }

func (w tornWriter) Write(p []byte) (int, error) {
	n, _ := w.f.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func TestFileLedger_FailedAppendLeavesChainIntact(t *testing.T) {
	fl, path := newTestLedger(t)
	ctx := context.Background()
	_, err := fl.Submit(ctx, testEntry(t, "daily:2024-07-01"))
	require.NoError(t, err)

	fl.writer = bufio.NewWriter(tornWriter{f: fl.file})
	second := testEntry(t, "daily:2024-07-02")
	_, err = fl.Submit(ctx, second)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	_, err = fl.Lookup(ctx, second.IdempotencyKey)
	require.ErrorIs(t, err, ErrNotFound)
	n, err := VerifyFile(path)
	require.NoError(t, err, "partial line was discarded")
	assert.Equal(t, 1, n)

	_, err = fl.Submit(ctx, second)
	require.NoError(t, err, "writer recovers after the failure")
	n, err = VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
