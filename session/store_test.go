package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/flowdialog/flow"
	"github.com/BaSui01/flowdialog/types"
)

var storeDBSeq int
var storeDBSeqMu sync.Mutex

func newTestStore(t *testing.T) *Store {
	t.Helper()
	storeDBSeqMu.Lock()
	storeDBSeq++
	dsn := fmt.Sprintf("file:sessionstore%d?mode=memory&cache=shared", storeDBSeq)
	storeDBSeqMu.Unlock()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Session{}, &Message{}, &SessionRole{}, &LoopCounter{}))
	return NewStore(db, nil)
}

func snapshotFixture() *flow.Snapshot {
	return &flow.Snapshot{
		TemplateID: "tpl-1",
		Name:       "fixture",
		Steps: []flow.StepSnapshot{
			{StepID: "st-1", Order: 1, SpeakerRoleRef: "A", TaskType: types.TaskAsk},
			{StepID: "st-2", Order: 2, SpeakerRoleRef: "B", TaskType: types.TaskAnswer},
		},
	}
}

func sessionFixture() *Session {
	return &Session{
		Topic:         "persistence",
		TemplateID:    "tpl-1",
		Snapshot:      snapshotFixture(),
		RoleMappings:  RoleMappings{"A": "Alice", "B": "Bob"},
		Status:        StatusNotStarted,
		CurrentStepID: "st-1",
		CurrentOrder:  1,
		CurrentRound:  1,
	}
}

func TestStore_CreateAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	sess := sessionFixture()
	require.NoError(t, store.Create(ctx, sess))
	require.NotEmpty(t, sess.ID, "id assigned on create")

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, got.Status)
	assert.Equal(t, RoleMappings{"A": "Alice", "B": "Bob"}, got.RoleMappings)
	require.NotNil(t, got.Snapshot)
	assert.Len(t, got.Snapshot.Steps, 2)
	assert.Equal(t, "st-1", got.Snapshot.Steps[0].StepID)

	_, err = store.Get(ctx, "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestStore_UpdateCASDetectsConcurrentWriter(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	sess := sessionFixture()
	require.NoError(t, store.Create(ctx, sess))

	sess.Status = StatusRunning
	require.NoError(t, store.UpdateCAS(ctx, nil, sess, StatusNotStarted))

	// A stale writer still expecting not_started must fail.
	stale := sessionFixture()
	stale.ID = sess.ID
	stale.Status = StatusError
	err := store.UpdateCAS(ctx, nil, stale, StatusNotStarted)
	assert.True(t, types.IsCode(err, types.ErrConcurrencyConflict), "got %v", err)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status, "stale write changed nothing")
}

func TestStore_MessagesChronological(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	sess := sessionFixture()
	require.NoError(t, store.Create(ctx, sess))

	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendMessage(ctx, nil, &Message{
			SessionID:  sess.ID,
			RoleRef:    "A",
			Content:    fmt.Sprintf("msg %d", i),
			RoundIndex: 1,
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	msgs, err := store.Messages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("msg %d", i), m.Content)
	}

	latest, err := store.LatestMessageByRole(ctx, sess.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "msg 2", latest.Content)

	silent, err := store.LatestMessageByRole(ctx, sess.ID, "B")
	require.NoError(t, err)
	assert.Nil(t, silent, "unspoken role yields nil, not an error")
}

func TestStore_LoopCounterIncrements(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	count, err := store.LoopCount(ctx, "s1", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "absent counter reads as zero")

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementLoop(ctx, nil, "s1", 2, 1)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Distinct pairs count independently.
	got, err := store.IncrementLoop(ctx, nil, "s1", 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	count, err = store.LoopCount(ctx, "s1", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestStore_SessionRoleBindingIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSessionRole(ctx, "s1", "A")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	first := &SessionRole{SessionID: "s1", RoleRef: "A", RoleID: "r1", RoleName: "Alice"}
	require.NoError(t, store.SaveSessionRole(ctx, first))

	// A concurrent save of the same pair loses quietly.
	dup := &SessionRole{SessionID: "s1", RoleRef: "A", RoleID: "r9", RoleName: "Imposter"}
	require.NoError(t, store.SaveSessionRole(ctx, dup))

	got, err := store.GetSessionRole(ctx, "s1", "A")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RoleID, "first binding wins")
}

func TestStore_TransactionRollsBackOnError(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	sess := sessionFixture()
	require.NoError(t, store.Create(ctx, sess))

	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := store.AppendMessage(ctx, tx, &Message{
			SessionID: sess.ID, RoleRef: "A", Content: "doomed", RoundIndex: 1,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	msgs, err := store.Messages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rolled back message is gone")
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", Summarize("short", 10))

	long := strings.Repeat("a", 250)
	got := Summarize(long, 200)
	assert.Equal(t, strings.Repeat("a", 200)+"…", got)

	cjk := strings.Repeat("知", 250)
	got = Summarize(cjk, 200)
	assert.Equal(t, strings.Repeat("知", 200)+"…", got, "rune-safe truncation")

	assert.Equal(t, strings.Repeat("b", 200)+"…", Summarize(strings.Repeat("b", 300), 0),
		"non-positive limit falls back to the default")
}
