package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	require.Equal(t, "bloqueado por nuestra politica de seguridad", Fold("  Bloqueado por nuestra\n Política de   Seguridad "))
}

func TestMatchAny(t *testing.T) {
	matched, ok := MatchAny("Estimado usuario, su acceso fue BLOQUEADO", []string{"captcha", "bloqueado"})
	require.True(t, ok)
	require.Equal(t, "bloqueado", matched)

	_, ok = MatchAny("Bienvenido", []string{"", "captcha"})
	require.False(t, ok)
}
