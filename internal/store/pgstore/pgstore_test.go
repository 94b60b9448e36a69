package pgstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"banksync-backend/internal/store"
	"banksync-backend/internal/store/storetest"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	ctx := context.Background()

	// suppress logging
	testcontainers.Logger = log.New(io.Discard, "", 0)

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "banksync",
				"POSTGRES_PASSWORD": "banksync",
				"POSTGRES_DB":       "banksync",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
	})
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(context.Background()))
	})

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://banksync:banksync@%s:%s/banksync?sslmode=disable", host, port.Port())
}

func TestSuite(t *testing.T) {
	url := startPostgres(t)
	ctx := context.Background()

	shared, err := Open(ctx, Config{URL: url, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	// opening a second time must find the schema already migrated
	again, err := Open(ctx, Config{URL: url})
	require.NoError(t, err)
	again.Close()

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := shared.pool.Exec(ctx, `TRUNCATE handoff_outbox, balances, transactions`)
		require.NoError(t, err)
		return shared
	})
}
