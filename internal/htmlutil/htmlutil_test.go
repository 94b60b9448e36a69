package htmlutil

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestSelectionText(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<html><body>
		<div id="saldo">Saldo&nbsp;disponible:
			<b>$1.234.567</b><script>var x = 1;</script></div>
	</body></html>`))
	require.NoError(t, err)

	require.Equal(t, "Saldo disponible: $1.234.567", SelectionText(doc.Find("#saldo")))
}

func TestIsDisabled(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<ul>
		<li class="disabled"><a id="a" href="#">Siguiente</a></li>
		<li><a id="b" href="?p=2">Siguiente</a></li>
		<li><button id="c" disabled>Siguiente</button></li>
		<li><a id="d" aria-disabled="true">Siguiente</a></li>
	</ul>`))
	require.NoError(t, err)

	require.True(t, IsDisabled(doc.Find("#a")))
	require.False(t, IsDisabled(doc.Find("#b")))
	require.True(t, IsDisabled(doc.Find("#c")))
	require.True(t, IsDisabled(doc.Find("#d")))
}
