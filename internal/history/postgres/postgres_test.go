package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/kerneld/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	started := time.Now().Add(-time.Minute).UTC()
	ended := time.Now().UTC()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: started, Record: history.Record{
			DaemonID: "d-1", OwnerID: "u-1", ChatID: "c-1", MessageID: "m-1", KernelID: "k-1",
			Engine: "jupyter", State: "running", StartedAt: started,
		}},
		{Type: history.EventTimeout, OccurredAt: ended, Record: history.Record{
			DaemonID: "d-1", OwnerID: "u-1", ChatID: "c-1", MessageID: "m-1", KernelID: "k-1",
			Engine: "jupyter", State: "stopped", Reason: "timeout", StartedAt: started, EndedAt: &ended,
		}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daemon_history WHERE daemon_id = $1`, "d-1").Scan(&count))
	assert.Equal(t, 2, count)

	var reason string
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT reason FROM daemon_history WHERE event = 'timeout'`).Scan(&reason))
	assert.Equal(t, "timeout", reason)
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
