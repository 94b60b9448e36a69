package storeutil

import (
	"context"
	"path/filepath"
	"testing"

	"banksync-backend/internal/fault"

	"github.com/stretchr/testify/require"
)

func TestOpenSqlite(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, Config{DSN: filepath.Join(t.TempDir(), "banksync.db")})
	require.NoError(t, err)
	defer st.Close()

	accounts, err := st.Accounts(ctx)
	require.NoError(t, err)
	require.Empty(t, accounts)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{Driver: "mysql", DSN: "x"})
	require.True(t, fault.Is(err, fault.Config))

	_, err = Open(ctx, Config{})
	require.True(t, fault.Is(err, fault.Config))
}
