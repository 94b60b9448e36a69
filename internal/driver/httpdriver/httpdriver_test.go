package httpdriver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"banksync-backend/internal/fault"
	"banksync-backend/internal/telemetry"

	"github.com/stretchr/testify/require"
)

const loginPage = `<html><body>
<form action="/login" method="post">
	<input type="hidden" name="token" value="abc">
	<input name="rut" type="text">
	<input name="clave" type="password">
	<button id="ingresar" type="submit">Ingresar</button>
</form>
</body></html>`

func movementsPage(page int, last bool) string {
	next := fmt.Sprintf(`<a class="next" href="/movimientos?p=%d">Siguiente</a>`, page+1)
	if last {
		next = `<li class="disabled"><a class="next" href="#">Siguiente</a></li>`
	}
	return fmt.Sprintf(`<html><body>
<div id="saldo">Saldo disponible $1.234.567</div>
<table id="movs">
	<tr><th>Fecha</th><th>Monto</th></tr>
	<tr><td>01/03/2024</td><td>$%d.000</td></tr>
</table>
<ul>%s</ul>
<a id="cartola" href="/cartola.pdf">Descargar</a>
</body></html>`, page, next)
}

func newPortal(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, loginPage)
			return
		}
		require.NoError(t, r.ParseForm())
		if r.Form.Get("token") != "abc" || r.Form.Get("clave") != "secret" {
			fmt.Fprint(w, `<html><body>Clave incorrecta</body></html>`+loginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/movimientos?p=1", http.StatusFound)
	})
	mux.HandleFunc("/movimientos", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err != nil || c.Value != "ok" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		var page int
		fmt.Sscanf(r.URL.Query().Get("p"), "%d", &page)
		fmt.Fprint(w, movementsPage(page, page >= 2))
	})
	mux.HandleFunc("/cartola.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4 cartola"))
	})
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<html><body>Su acceso ha sido bloqueado por nuestra Política de Seguridad</body></html>`)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, "<html></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newBrowser(t *testing.T, baseURL string) *Browser {
	b, err := New(Config{
		BaseURL:           baseURL,
		RequestTimeout:    time.Second * 5,
		RequestsPerSecond: 1000,
		PollInterval:      time.Millisecond * 10,
		ArtifactRoot:      t.TempDir(),
	}, telemetry.NewRecorder())
	require.NoError(t, err)
	return b
}

func TestLoginAndPaginate(t *testing.T) {
	srv := newPortal(t)
	ctx := context.Background()
	b := newBrowser(t, srv.URL)

	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Navigate(ctx, "/movimientos"))
	require.True(t, p.IsOnPage(ctx, "/login"))

	require.NoError(t, p.Fill(ctx, "rut", "11.111.111-1"))
	require.NoError(t, p.Fill(ctx, "input[name=clave]", "secret"))
	require.NoError(t, p.Click(ctx, "#ingresar"))
	require.True(t, p.IsOnPage(ctx, "SALDO DISPONIBLE"))
	require.True(t, p.WaitFor(ctx, "#movs", time.Second))

	rows, err := p.ReadRows(ctx, "#movs")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"01/03/2024", "$1.000"}, rows[0].Cells)

	balance, err := p.Text(ctx, "#saldo")
	require.NoError(t, err)
	require.Equal(t, "Saldo disponible $1.234.567", balance)

	require.NoError(t, p.Click(ctx, "a.next"))
	rows, err = p.ReadRows(ctx, "#movs")
	require.NoError(t, err)
	require.Equal(t, "$2.000", rows[0].Cells[1])

	err = p.Click(ctx, "a.next")
	require.ErrorIs(t, err, fault.ErrControlUnavailable)
	require.True(t, fault.Is(err, fault.TransientUI))
}

func TestClickByVisibleText(t *testing.T) {
	srv := newPortal(t)
	ctx := context.Background()
	b := newBrowser(t, srv.URL)
	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Navigate(ctx, "/login"))
	require.NoError(t, p.Fill(ctx, "clave", "secret"))
	require.NoError(t, p.Click(ctx, "Ingresar"))
	require.Contains(t, p.URL(), "/movimientos")
}

func TestCookiesSurvivePageCloseButNotClear(t *testing.T) {
	srv := newPortal(t)
	ctx := context.Background()
	b := newBrowser(t, srv.URL)

	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Navigate(ctx, "/login"))
	require.NoError(t, p.Fill(ctx, "clave", "secret"))
	require.NoError(t, p.Click(ctx, "#ingresar"))
	require.NoError(t, p.Close())

	p, err = b.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Navigate(ctx, "/movimientos?p=1"))
	require.False(t, p.IsOnPage(ctx, "/login"))

	require.NoError(t, p.ClearCookies(ctx))
	require.NoError(t, p.Navigate(ctx, "/movimientos?p=1"))
	require.True(t, p.IsOnPage(ctx, "/login"))
	require.NoError(t, p.Close())
}

func TestDownloadArtifactsRemovedOnClose(t *testing.T) {
	srv := newPortal(t)
	ctx := context.Background()
	b := newBrowser(t, srv.URL)
	p, err := b.NewPage(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Navigate(ctx, "/login"))
	require.NoError(t, p.Fill(ctx, "clave", "secret"))
	require.NoError(t, p.Click(ctx, "#ingresar"))

	data, err := p.DownloadFile(ctx, "#cartola")
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4 cartola", string(data))

	dir := p.(*page).ArtifactDir()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, p.Close())
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestBlockPageIsStillRendered(t *testing.T) {
	srv := newPortal(t)
	ctx := context.Background()
	b := newBrowser(t, srv.URL)
	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Navigate(ctx, "/blocked"))
	require.True(t, p.IsOnPage(ctx, "politica de seguridad"))
	require.True(t, p.IsOnPage(ctx, "blocked"))
}

func TestFailureClassification(t *testing.T) {
	srv := newPortal(t)
	ctx := context.Background()
	b, err := New(Config{
		BaseURL:           srv.URL,
		RequestTimeout:    time.Millisecond * 50,
		RequestsPerSecond: 1000,
		ArtifactRoot:      t.TempDir(),
	}, telemetry.NewRecorder())
	require.NoError(t, err)

	p, err := b.NewPage(ctx)
	require.NoError(t, err)

	err = p.Navigate(ctx, "/slow")
	require.True(t, fault.Is(err, fault.TransientUI))
	require.ErrorIs(t, err, fault.ErrTimeout)

	require.False(t, p.WaitFor(ctx, "#never", 0))

	require.NoError(t, p.Close())
	err = p.Navigate(ctx, "/login")
	require.True(t, fault.Is(err, fault.DriverFatal))

	require.NoError(t, b.Close())
	_, err = b.NewPage(ctx)
	require.True(t, fault.Is(err, fault.DriverFatal))

	require.NoError(t, b.Restart(ctx))
	_, err = b.NewPage(ctx)
	require.NoError(t, err)
}

func TestNewRejectsRelativeBase(t *testing.T) {
	_, err := New(Config{BaseURL: "/relative"}, telemetry.NewRecorder())
	require.True(t, fault.Is(err, fault.Config))
}

func TestDumpRedactsCredentials(t *testing.T) {
	srv := newPortal(t)
	ctx := context.Background()
	dir := t.TempDir()
	b, err := New(Config{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		ArtifactRoot:      t.TempDir(),
		DumpDir:           dir,
	}, telemetry.NewRecorder())
	require.NoError(t, err)

	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Navigate(ctx, "/login"))
	require.NoError(t, p.Fill(ctx, "rut", "11.111.111-1"))
	require.NoError(t, p.Fill(ctx, "clave", "secret"))
	require.NoError(t, p.Click(ctx, "#ingresar"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var post string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "-post.txt") {
			post = e.Name()
		}
	}
	require.NotEmpty(t, post)

	data, err := os.ReadFile(filepath.Join(dir, post))
	require.NoError(t, err)
	require.Contains(t, string(data), "---- RESPONSE ----")
	require.NotContains(t, string(data), "secret")
	require.NotContains(t, string(data), "11.111.111-1")
}
