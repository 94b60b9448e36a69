package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatMinor(t *testing.T) {
	require.Equal(t, "1234567", FormatMinor(1234567, 0))
	require.Equal(t, "1234.56", FormatMinor(123456, 2))
	require.Equal(t, "-0.05", FormatMinor(-5, 2))
}

func TestAccountKey(t *testing.T) {
	require.Equal(t, "bci-main", Account{Label: "bci-main", Institution: "bci", ID: "1"}.Key())
	require.Equal(t, "bci:1", Account{Institution: "bci", ID: "1"}.Key())
}
