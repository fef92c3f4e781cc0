package sor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jdziat/ecoscan/pkg/core"
	"github.com/jdziat/ecoscan/pkg/reward"
	"github.com/jdziat/ecoscan/pkg/storage"
	"github.com/jdziat/ecoscan/pkg/wal"
)

// newTestStore opens a migrated store. TEST_DATABASE_URL selects PostgreSQL; otherwise
// a fresh SQLite file under t.TempDir() is used.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = filepath.Join(t.TempDir(), "sor.db")
	}
	s, err := Open(dsn, storage.MaxOpenConns(2), storage.MaxIdleConns(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore_GrantOwnershipIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.GrantOwnership(ctx, "user1", "char-pet", "scan")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.GrantOwnership(ctx, "user1", "char-pet", "scan")
	require.NoError(t, err, "conflict is success")
	assert.False(t, created)

	owned, err := s.HasOwnership(ctx, "user1", "char-pet")
	require.NoError(t, err)
	assert.True(t, owned)

	owned, err = s.HasOwnership(ctx, "user2", "char-pet")
	require.NoError(t, err)
	assert.False(t, owned)

	rows, err := s.Ownerships(ctx, "user1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStore_ImportAndListCharacters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.ImportCharacters(ctx, []reward.Character{
		{ID: "char-pet", Name: "Petty", MatchCategory: "pet"},
		{ID: "char-can", Name: "Canny", MatchCategory: "can"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.ImportCharacters(ctx, []reward.Character{{ID: "char-pet", Name: "Petty II", MatchCategory: "pet"}})
	require.NoError(t, err)

	chars, err := s.ListCharacters(ctx)
	require.NoError(t, err)
	require.Len(t, chars, 2)
	assert.Equal(t, "char-can", chars[0].ID)
	assert.Equal(t, "Petty II", chars[1].Name)

	_, err = s.ImportCharacters(ctx, []reward.Character{{ID: "", Name: "anonymous"}})
	assert.Error(t, err)
}

func terminalEntry(t *testing.T, status core.TaskStatus, result string) *wal.Entry {
	t.Helper()
	args, err := json.Marshal(core.TaskMessage{TaskID: "root.vision", RootTaskID: "root", JobID: "job1", UserID: "user1"})
	require.NoError(t, err)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(time.Second)
	e := &wal.Entry{
		TaskID:      "root.vision",
		TaskName:    "vision",
		WorkerName:  "w1",
		Args:        args,
		Status:      status,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
	if result != "" {
		e.Result = []byte(result)
	}
	return e
}

func TestStore_SyncFromWAL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := terminalEntry(t, core.StatusSuccess, `{"classification":{"major_category":"recyclable","middle_category":"plastic","minor_category":"pet","confidence":0.92},"reward":{"received":true,"name":"Petty"}}`)
	require.NoError(t, s.SyncFromWAL(ctx, e))
	require.NoError(t, s.SyncFromWAL(ctx, e), "replay is a no-op")

	rec, err := s.GetTask(ctx, "root.vision")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, rec.Status)
	assert.Equal(t, "root", rec.RootTaskID)
	assert.Equal(t, "job1", rec.JobID)
	require.NotNil(t, rec.Category)
	assert.Equal(t, "pet", *rec.Category)
	require.NotNil(t, rec.Confidence)
	assert.InDelta(t, 0.92, *rec.Confidence, 1e-9)
	assert.JSONEq(t, `{"received":true,"name":"Petty"}`, string(rec.RewardDecision))
	assert.Nil(t, rec.ErrorMessage)

	recs, err := s.TasksByRoot(ctx, "root")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_SyncFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := terminalEntry(t, core.StatusFailure, "")
	e.Error = "vision_failed"
	require.NoError(t, s.SyncFromWAL(ctx, e))

	rec, err := s.GetTask(ctx, "root.vision")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "vision_failed", *rec.ErrorMessage)
	assert.Nil(t, rec.Category)
}

func TestStore_SyncRejectsInFlight(t *testing.T) {
	s := newTestStore(t)
	e := terminalEntry(t, core.StatusRunning, "")
	assert.Error(t, s.SyncFromWAL(context.Background(), e))

	_, err := s.GetTask(context.Background(), "root.vision")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestStore_ReconcilerDrainsWAL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := wal.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	for _, id := range []string{"r1.vision", "r2.vision"} {
		_, err := w.WriteTask(ctx, id, "vision", nil)
		require.NoError(t, err)
		require.NoError(t, w.StartTask(ctx, id))
		require.NoError(t, w.CompleteTask(ctx, id, json.RawMessage(`{"classification":{"major_category":"recyclable"}}`)))
	}

	r := wal.NewReconciler(w, s.SyncFromWAL, wal.SyncRate(0))
	report, err := r.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)

	stats, err := w.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Unsynced)

	rec, err := s.GetTask(ctx, "r2.vision")
	require.NoError(t, err)
	require.NotNil(t, rec.Category)
	assert.Equal(t, "recyclable", *rec.Category)
}

func TestDBError_MarksDuplicates(t *testing.T) {
	err := dbError(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey))
	assert.ErrorIs(t, err, core.ErrDuplicate)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	assert.Equal(t, core.KindIntegrity, core.Classify(err))

	assert.Nil(t, dbError(nil))
	other := errors.New("connection refused")
	assert.Same(t, other, dbError(other))
}
