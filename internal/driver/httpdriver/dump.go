package httpdriver

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

// sensitiveFields are form keys whose values never reach a dump file.
var sensitiveFields = []string{"pass", "clave", "pin", "rut", "user", "token", "otp"}

// dump writes every exchange of a browser to a directory, it is used to
// debug portal markup changes.
type dump struct {
	directory string
	counter   *uint64
	onError   func(err error)
}

func newDump(dir string, onError func(err error)) (dump, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return dump{}, err
	}
	var counter uint64
	return dump{directory: dir, counter: &counter, onError: onError}, nil
}

func (d dump) attach(client *resty.Client) {
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		id := atomic.AddUint64(d.counter, 1)
		name := fmt.Sprintf("%05d-%s.txt", id, strings.ToLower(res.Request.Method))
		err := os.WriteFile(filepath.Join(d.directory, name), []byte(formatExchange(res)), 0600)
		if err != nil {
			d.onError(err)
		}
		return nil
	})
}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveFields {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

func formatHeaders(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out strings.Builder
	for _, k := range keys {
		for _, v := range headers[k] {
			if strings.EqualFold(k, "cookie") || strings.EqualFold(k, "set-cookie") || strings.EqualFold(k, "authorization") {
				v = "***"
			}
			fmt.Fprintf(&out, "%s: %s\n", k, v)
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}

// redactBody blanks sensitive values of a form encoded body.
func redactBody(body string) string {
	values, err := url.ParseQuery(body)
	if err != nil || len(values) == 0 {
		return body
	}
	for k := range values {
		if sensitive(k) {
			values.Set(k, "***")
		}
	}
	return values.Encode()
}

func formatRequestBody(req *http.Request) string {
	if req == nil || req.GetBody == nil {
		return ""
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Sprintf("failed to get request body: %s", err.Error())
	}
	readBody, err := io.ReadAll(body)
	if err != nil {
		return fmt.Sprintf("failed to read request body: %s", err.Error())
	}
	return redactBody(string(readBody))
}

// 1: request method
// 2: request url
// 3: request headers in ("Key: Value" format)
// 4: request body
// 5: response status
// 6: response headers in ("Key: Value" format)
// 7: response body
const exchangeTemplate = `---- REQUEST ----

%s %s

%s

%s

---- RESPONSE ----

%s

%s

%s`

func formatExchange(res *resty.Response) string {
	var requestHeaders string
	if res.Request.RawRequest != nil {
		requestHeaders = formatHeaders(res.Request.RawRequest.Header)
	}
	return fmt.Sprintf(
		exchangeTemplate,
		res.Request.Method, res.Request.URL,
		requestHeaders,
		formatRequestBody(res.Request.RawRequest),
		strconv.Itoa(res.StatusCode()),
		formatHeaders(res.Header()),
		res.String(),
	)
}
