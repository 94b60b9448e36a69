package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("cycle: %w", New(DriverFatal, "page.navigate", ErrClosed))
	require.Equal(t, DriverFatal, KindOf(wrapped))
	require.True(t, Is(wrapped, DriverFatal))
	require.ErrorIs(t, wrapped, ErrClosed)

	require.Equal(t, TransientUI, KindOf(errors.New("something odd")))
	require.False(t, Is(nil, TransientUI))
}

func TestErrorMessage(t *testing.T) {
	err := Newf(DataRejected, "normalize.amount", "malformed amount %q", "12,3,4")
	require.Equal(t, `normalize.amount: data_rejected: malformed amount "12,3,4"`, err.Error())
}

