package blackhole_test

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ella.to/blackhole"
)

func startServer(t *testing.T, handler *blackhole.Server) string {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		handler.Close()
	})

	return server.URL
}

func createServer(t *testing.T) (*blackhole.Server, string, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "request_log")

	handler, err := blackhole.NewServer(blackhole.WithLogPath(logPath))
	require.NoError(t, err)

	return handler, startServer(t, handler), logPath
}

func makeCall(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(b)
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestCaptureRequest(t *testing.T) {
	server, url, logPath := createServer(t)

	resp, body := makeCall(t, http.MethodPost, url+"/hello", "ping")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, blackhole.SuccessMessage, body)

	records := server.Store().Snapshot()
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, http.MethodPost, rec.Method)
	assert.Equal(t, "/hello", rec.Path)
	assert.Equal(t, "ping", rec.Body)
	assert.Equal(t, rec.ID, resp.Header.Get("X-Blackhole-Id"))

	assert.Contains(t, rec.String(), "Method: POST\t")
	assert.Contains(t, rec.String(), "Path: /hello\t")
	assert.True(t, strings.HasSuffix(rec.String(), "Body: ping\n"))

	assert.Equal(t, server.Store().Text(), readFile(t, logPath))
}

func TestCaptureAnyMethodAndPath(t *testing.T) {
	server, url, _ := createServer(t)

	calls := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/"},
		{http.MethodPut, "/a/b/c?x=1&y=2"},
		{http.MethodDelete, "/users/1"},
		{http.MethodPatch, "/ui/nested"},
		{"PURGE", "/cache"},
	}

	for _, call := range calls {
		resp, body := makeCall(t, call.method, url+call.path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, blackhole.SuccessMessage, body)
	}

	records := server.Store().Snapshot()
	require.Len(t, records, len(calls))

	for i, call := range calls {
		assert.Equal(t, call.method, records[i].Method)
		assert.Equal(t, call.path, records[i].Path)
		assert.Equal(t, "", records[i].Body)
	}
}

func TestConcurrentCaptures(t *testing.T) {
	server, url, logPath := createServer(t)

	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			resp, err := http.Post(fmt.Sprintf("%s/concurrent/%d", url, i), "text/plain", strings.NewReader(fmt.Sprintf("body-%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}(i)
	}
	wg.Wait()

	records := server.Store().Snapshot()
	require.Len(t, records, n)

	content := readFile(t, logPath)
	lines := strings.SplitAfter(content, "\n")
	lines = lines[:len(lines)-1] // trailing empty element
	require.Len(t, lines, n)

	bodies := make([]string, 0, n)
	for i, rec := range records {
		assert.Equal(t, rec.String(), lines[i])
		bodies = append(bodies, rec.Body)
	}

	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("body-%d", i))
	}
	sort.Strings(bodies)
	sort.Strings(want)
	assert.Equal(t, want, bodies)

	assert.Equal(t, int64(len(content)), server.Store().Size())
}

func TestReservedPathsAreNotCaptured(t *testing.T) {
	server, url, logPath := createServer(t)

	calls := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/ui"},
		{http.MethodPut, "/api"},
		{http.MethodDelete, "/download"},
		{http.MethodPost, "/ws"},
	}

	for _, call := range calls {
		resp, body := makeCall(t, call.method, url+call.path, "ignored")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, blackhole.SuccessMessage, body)
	}

	assert.Equal(t, 0, server.Store().Len())
	assert.Equal(t, "", readFile(t, logPath))
}

func TestReservedPathWithQueryIsCaptured(t *testing.T) {
	server, url, logPath := createServer(t)

	resp, body := makeCall(t, http.MethodPost, url+"/api?x=1", "kept")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, blackhole.SuccessMessage, body)

	records := server.Store().Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "/api?x=1", records[0].Path)
	assert.Equal(t, "kept", records[0].Body)
	assert.Equal(t, records[0].String(), readFile(t, logPath))
}

func TestCustomReservedPaths(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "request_log")

	handler, err := blackhole.NewServer(
		blackhole.WithLogPath(logPath),
		blackhole.WithReservedPaths("/healthz"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { handler.Close() })

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, handler.Store().Len())

	// /ui is no longer reserved, so only GET renders the page
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/ui", strings.NewReader("x")))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, handler.Store().Len())
}

func TestBodyTooLarge(t *testing.T) {
	server, err := blackhole.NewServer(
		blackhole.WithLogPath(filepath.Join(t.TempDir(), "request_log")),
		blackhole.WithMaxBodySize(8),
	)
	require.NoError(t, err)
	url := startServer(t, server)

	resp, _ := makeCall(t, http.MethodPost, url+"/big", "this body is longer than eight bytes")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, 0, server.Store().Len())

	resp, body := makeCall(t, http.MethodPost, url+"/small", "tiny")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, blackhole.SuccessMessage, body)
	assert.Equal(t, 1, server.Store().Len())
}

func TestUI(t *testing.T) {
	server, url, _ := createServer(t)

	for i := 0; i < 3; i++ {
		makeCall(t, http.MethodPost, fmt.Sprintf("%s/ui-test/%d", url, i), `{"quote":"<b>&'"}`)
	}

	resp, body := makeCall(t, http.MethodGet, url+"/ui", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	assert.Contains(t, body, `href="/download"`)
	assert.Contains(t, body, `href="/ui"`)
	assert.Contains(t, body, "3 requests captured")
	assert.Contains(t, body, "/ws?since=3")

	start := strings.Index(body, `<pre id="log">`)
	end := strings.Index(body, "</pre>")
	require.True(t, start >= 0 && end > start)

	pre := body[start+len(`<pre id="log">`) : end]
	assert.NotContains(t, pre, "<b>")
	assert.Equal(t, server.Store().Text(), html.UnescapeString(pre))

	// viewing the log does not add to it
	assert.Equal(t, 3, server.Store().Len())
}

func TestAPI(t *testing.T) {
	server, url, _ := createServer(t)

	resp, body := makeCall(t, http.MethodGet, url+"/api", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", body)

	for i := 0; i < 4; i++ {
		makeCall(t, http.MethodPost, fmt.Sprintf("%s/api-test/%d", url, i), fmt.Sprintf("payload %d", i))
	}

	resp, body = makeCall(t, http.MethodGet, url+"/api", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, server.Store().Text(), body)
	assert.Equal(t, 4, strings.Count(body, "\n"))
	assert.Equal(t, 4, server.Store().Len())
}

func TestAPIJSON(t *testing.T) {
	server, url, _ := createServer(t)

	makeCall(t, http.MethodPost, url+"/one", "1")
	makeCall(t, http.MethodPut, url+"/two", "2")

	for _, path := range []string{"/api", "/api?pretty"} {
		req, err := http.NewRequest(http.MethodGet, url+path, nil)
		require.NoError(t, err)
		req.Header.Set("Accept", "application/json")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		var records []blackhole.Record
		err = json.NewDecoder(resp.Body).Decode(&records)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		snapshot := server.Store().Snapshot()
		require.Len(t, records, len(snapshot))
		for i := range snapshot {
			assert.Equal(t, snapshot[i].ID, records[i].ID)
			assert.Equal(t, snapshot[i].Method, records[i].Method)
			assert.Equal(t, snapshot[i].Path, records[i].Path)
			assert.Equal(t, snapshot[i].Body, records[i].Body)
			assert.Equal(t, snapshot[i].String(), records[i].String())
		}
	}
}

func TestAPIETag(t *testing.T) {
	_, url, _ := createServer(t)

	makeCall(t, http.MethodPost, url+"/etag", "v1")

	resp, _ := makeCall(t, http.MethodGet, url+"/api", "")
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, url+"/api", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	makeCall(t, http.MethodPost, url+"/etag", "v2")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, etag, resp.Header.Get("ETag"))
}

func TestDownload(t *testing.T) {
	_, url, logPath := createServer(t)

	makeCall(t, http.MethodPost, url+"/a", "first")
	makeCall(t, http.MethodPost, url+"/b", "second")

	resp, body := makeCall(t, http.MethodGet, url+"/download", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="request_log"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, readFile(t, logPath), body)
}

func TestDownloadMissingFile(t *testing.T) {
	_, url, logPath := createServer(t)

	makeCall(t, http.MethodPost, url+"/a", "first")
	require.NoError(t, os.Remove(logPath))

	resp, _ := makeCall(t, http.MethodGet, url+"/download", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRestartTruncatesLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "request_log")

	first, err := blackhole.NewServer(blackhole.WithLogPath(logPath))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	first.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/before-restart", strings.NewReader("x")))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, first.Close())
	require.NotEmpty(t, readFile(t, logPath))

	second, err := blackhole.NewServer(blackhole.WithLogPath(logPath))
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	assert.Equal(t, 0, second.Store().Len())
	assert.Equal(t, "", readFile(t, logPath))
}

func TestCaptureAfterClose(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "request_log")

	handler, err := blackhole.NewServer(blackhole.WithLogPath(logPath))
	require.NoError(t, err)
	require.NoError(t, handler.Close())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/late", strings.NewReader("x")))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestLiveStream(t *testing.T) {
	server, url, _ := createServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	makeCall(t, http.MethodPost, url+"/streamed", "live")

	typ, msg, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	records := server.Store().Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, records[0].String(), string(msg))

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestLiveStreamSince(t *testing.T) {
	server, url, _ := createServer(t)

	makeCall(t, http.MethodPost, url+"/first", "1")
	makeCall(t, http.MethodPost, url+"/second", "2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a page rendered with one record catches up from the second one
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http")+"/ws?since=1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	makeCall(t, http.MethodPost, url+"/third", "3")

	records := server.Store().Snapshot()
	require.Len(t, records, 3)

	for _, want := range records[1:] {
		_, msg, err := conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.String(), string(msg))
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

func TestLiveStreamInvalidSince(t *testing.T) {
	_, url, _ := createServer(t)

	resp, _ := makeCall(t, http.MethodGet, url+"/ws?since=-3", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
