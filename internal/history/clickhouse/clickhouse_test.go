package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/kerneld/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its native address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() { _ = c.Terminate(ctx) }()

	sink, err := New(Options{Addr: addr, Table: "daemon_history_test"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	started := time.Now().Add(-time.Minute).UTC()
	ended := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventStart, OccurredAt: started,
		Record: history.Record{DaemonID: "d-1", OwnerID: "u", ChatID: "c", State: "running", StartedAt: started},
	}))
	require.NoError(t, sink.Send(ctx, history.Event{
		Type: history.EventError, OccurredAt: ended,
		Record: history.Record{DaemonID: "d-1", OwnerID: "u", ChatID: "c", State: "error", Reason: "script raised an error", StartedAt: started, EndedAt: &ended},
	}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT count() FROM daemon_history_test WHERE daemon_id = 'd-1'").Scan(&count))
	assert.Equal(t, uint64(2), count)
}

func TestClickHouseSink_Unreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	_, err := New(Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
