package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Agent/internal/errors"
	"OpenMCP-Agent/internal/tools"
	"OpenMCP-Agent/pkg/logger"
)

const homePage = `<!doctype html>
<html><head><title>Docs Home</title><script>var x = 1;</script></head>
<body>
<header><a href="/">Logo</a></header>
<nav><ul><li><a href="/guide">Guide</a></li><li><a href="/api">API</a></li></ul></nav>
<main>
<h1>Welcome</h1>
<p>The install command is <code>make install</code>.</p>
<p>Read the <a href="/guide#intro">guide</a> next.</p>
</main>
<aside>Related posts</aside>
<footer>Copyright 2026</footer>
</body></html>`

const guidePage = `<html><head><title>Guide</title></head><body><article><h2>Intro</h2><p>Step one.</p></article></body></html>`

func newTestServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(homePage))
	})
	mux.HandleFunc("/guide", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(guidePage))
	})
	mux.HandleFunc("/notes.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain notes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(t *testing.T, start string) *Session {
	t.Helper()
	s, err := NewSession(Config{StartURL: start, CacheSize: 4}, WithLogger(logger.Discard()))
	require.NoError(t, err)
	return s
}

func TestObserveSplitsFocusSections(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	s := newTestSession(t, srv.URL+"/")

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)

	byTitle := map[string]bool{}
	var mainText string
	for _, section := range obs.Sections {
		byTitle[section.Title] = section.OutsideFocus
		if section.Title == "Main" {
			mainText = section.Text
		}
	}
	assert.False(t, byTitle["Main"])
	assert.False(t, byTitle["Page"])
	for _, title := range []string{"Header", "Navigation", "Sidebar", "Footer", "Links"} {
		outside, ok := byTitle[title]
		require.True(t, ok, title)
		assert.True(t, outside, title)
	}
	assert.Contains(t, mainText, "Welcome")
	assert.Contains(t, mainText, "make install")
	assert.NotContains(t, obs.Render(), "var x")

	page := s.Current()
	require.NotNil(t, page)
	assert.Equal(t, "Docs Home", page.Title)
	require.Len(t, page.Links, 1)
	assert.Equal(t, srv.URL+"/guide", page.Links[0].URL)
}

func TestNavigateUsesCacheAndRelativeURLs(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	s := newTestSession(t, "")
	ctx := context.Background()

	_, err := s.Navigate(ctx, srv.URL+"/")
	require.NoError(t, err)
	page, err := s.Navigate(ctx, "guide")
	require.NoError(t, err)
	assert.Equal(t, "Guide", page.Title)

	_, err = s.Navigate(ctx, srv.URL+"/#top")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	_, err = s.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestNavigateErrors(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	s := newTestSession(t, "")
	ctx := context.Background()

	_, err := s.Navigate(ctx, "relative")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = s.Navigate(ctx, "ftp://example.com/file")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = s.Navigate(ctx, srv.URL+"/missing")
	assert.True(t, xerrors.HasCode(err, CodeFetchFailure))
	assert.Nil(t, s.Current())
}

func TestForkIsolatesCurrentPageAndSharesCache(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	base := newTestSession(t, srv.URL+"/")
	first, second := base.Fork(), base.Fork()
	ctx := context.Background()

	_, err := first.Navigate(ctx, srv.URL+"/guide")
	require.NoError(t, err)
	assert.Nil(t, second.Current())
	assert.Nil(t, base.Current())

	obs, err := second.Observe(ctx)
	require.NoError(t, err)
	assert.Contains(t, obs.Render(), "make install")
	assert.Equal(t, srv.URL+"/guide", first.Current().URL)

	_, err = first.Navigate(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "forks share the page cache")
}

func TestPlainTextPage(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	s := newTestSession(t, "")

	page, err := s.Navigate(context.Background(), srv.URL+"/notes.txt")
	require.NoError(t, err)
	require.Len(t, page.Sections, 1)
	assert.Equal(t, "plain notes", page.Sections[0].Text)
}

func TestObserveWithoutStartURL(t *testing.T) {
	s := newTestSession(t, "")
	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	assert.True(t, obs.Empty())
}

func TestToolsThroughRegistry(t *testing.T) {
	var hits int32
	srv := newTestServer(t, &hits)
	s := newTestSession(t, "")
	registry, err := tools.NewRegistry(s.Tools()...)
	require.NoError(t, err)
	ctx := context.Background()

	res := registry.Dispatch(ctx, "c0", FindTextToolName, map[string]any{"query": "x"})
	assert.False(t, res.OK)

	res = registry.Dispatch(ctx, "c1", NavigateToolName, map[string]any{"url": srv.URL + "/"})
	require.True(t, res.OK, res.Error)
	nav := res.Payload.(NavigateResult)
	assert.Equal(t, "Docs Home", nav.Title)
	assert.Contains(t, nav.Sections, "Footer")

	res = registry.Dispatch(ctx, "c2", FindTextToolName, map[string]any{"query": "COPYRIGHT"})
	require.True(t, res.OK, res.Error)
	matches := res.Payload.([]Match)
	require.Len(t, matches, 1)
	assert.Equal(t, "Footer", matches[0].Section)

	res = registry.Dispatch(ctx, "c3", ReadPageToolName, map[string]any{"section": "navigation"})
	require.True(t, res.OK, res.Error)
	assert.True(t, strings.Contains(res.Payload.(string), "Guide"))

	res = registry.Dispatch(ctx, "c4", ReadPageToolName, map[string]any{"section": "comments"})
	assert.False(t, res.OK)
}
