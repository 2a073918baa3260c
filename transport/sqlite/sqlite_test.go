package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/queueflow/transport"
)

type mockConfig struct {
	sqliteFile   string
	pollInterval time.Duration
}

func (m *mockConfig) GetTransport() string           { return TransportName }
func (m *mockConfig) GetSQLiteFile() string          { return m.sqliteFile }
func (m *mockConfig) GetPostgresURL() string         { return "" }
func (m *mockConfig) GetPollInterval() time.Duration { return m.pollInterval }

func TestRegister(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "sqlite", caps.Name)
	assert.True(t, caps.SupportsReliableRouting())
	assert.True(t, caps.Durable)
	assert.True(t, caps.RequiresPolling())
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.SQLiteCapabilities, caps)
	assert.Equal(t, "sqlite", caps.Name)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, "queueflow_queue.db", result.FilePath)
		assert.Equal(t, DefaultPollInterval, result.PollInterval)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			FilePath:     "custom.db",
			PollInterval: 200 * time.Millisecond,
		}
		result := cfg.withDefaults()

		assert.Equal(t, "custom.db", result.FilePath)
		assert.Equal(t, 200*time.Millisecond, result.PollInterval)
	})

	t.Run("negative poll interval gets default", func(t *testing.T) {
		result := Config{PollInterval: -1}.withDefaults()
		assert.Equal(t, DefaultPollInterval, result.PollInterval)
	})
}

func TestNew(t *testing.T) {
	t.Run("creates transport with in-memory db", func(t *testing.T) {
		tr, err := New(context.Background(), Config{FilePath: ":memory:"}, watermill.NopLogger{})
		require.NoError(t, err)
		require.NotNil(t, tr)

		var count int
		err = tr.GetDB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='queue_messages'").Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		require.NoError(t, tr.Close())
	})

	t.Run("messages survive reopening a file db", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.db")
		ctx := context.Background()

		tr, err := New(ctx, Config{FilePath: path, Queues: []string{"orders"}}, nil)
		require.NoError(t, err)
		out, err := tr.Open("orders", transport.SendAccess, transport.ShareAll)
		require.NoError(t, err)
		require.NoError(t, out.Write(ctx, &transport.Message{Label: "durable"}, nil))
		require.NoError(t, tr.Close())

		_, err = os.Stat(path)
		require.NoError(t, err)

		tr, err = New(ctx, Config{FilePath: path}, nil)
		require.NoError(t, err)
		defer tr.Close()
		in, err := tr.Open("orders", transport.ReceiveAccess, transport.ShareAll)
		require.NoError(t, err)
		msg, err := in.Read(ctx, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, "durable", msg.Label)
	})
}

func TestBuild(t *testing.T) {
	cfg := &mockConfig{sqliteFile: ":memory:", pollInterval: 10 * time.Millisecond}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.NoError(t, tr.Close())

	_, err = tr.Begin(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}
