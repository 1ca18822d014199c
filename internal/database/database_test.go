package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowdialog/session"
)

func TestOpen_SqliteAndMigrate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DSN = "file:dbtest?mode=memory&cache=shared"
	db, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	// All engine tables exist after migration.
	for _, model := range []any{
		&session.Session{}, &session.Message{},
		&session.SessionRole{}, &session.LoopCounter{},
	} {
		assert.True(t, db.Migrator().HasTable(model))
	}
}

func TestOpen_Defaults(t *testing.T) {
	t.Parallel()

	// Empty driver and DSN fall back to in-process sqlite.
	db, err := Open(Config{}, nil)
	require.NoError(t, err)
	require.NotNil(t, db)
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "oracle"}, nil)
	assert.ErrorContains(t, err, "unsupported database driver")
}
