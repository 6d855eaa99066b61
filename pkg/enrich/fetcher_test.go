package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func TestLookup_TitleAndIconLink(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!doctype html><html><head>
<title>  Jupyter Lab </title>
<link rel="apple-touch-icon" href="/touch.png">
<link rel="shortcut icon" href="static/fav.png">
</head><body></body></html>`))
	}))
	defer srv.Close()

	meta := NewFetcher(time.Second).Lookup(context.Background(), srv.URL+"/lab/", "python3")
	assert.Equal(t, "Jupyter Lab", meta.Title)
	assert.Equal(t, srv.URL+"/lab/static/fav.png", meta.FaviconURL)
}

func TestLookup_FaviconIcoProbe(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/favicon.ico" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Grafana</title></head></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	meta := NewFetcher(time.Second).Lookup(context.Background(), srv.URL+"/", "grafana")
	assert.Equal(t, "Grafana", meta.Title)
	assert.Equal(t, srv.URL+"/favicon.ico", meta.FaviconURL)
}

func TestLookup_FallsBackToLanguageIcon(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/favicon.ico" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	meta := NewFetcher(time.Second).Lookup(context.Background(), srv.URL+"/", "node")
	assert.Empty(t, meta.Title)
	assert.Equal(t, "https://nodejs.org/favicon.ico", meta.FaviconURL)
}

func TestLookup_UnreachableDegrades(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	meta := NewFetcher(200*time.Millisecond).Lookup(context.Background(), url, "python3.11")
	assert.Empty(t, meta.Title)
	assert.Equal(t, "https://www.python.org/favicon.ico", meta.FaviconURL)

	meta = NewFetcher(200*time.Millisecond).Lookup(context.Background(), url, "postgres")
	assert.Equal(t, Metadata{}, meta)
}

func TestScanDocument_FirstTitleOnly(t *testing.T) {
	t.Parallel()

	doc, err := html.Parse(strings.NewReader(`<title>one</title><svg><title>two</title></svg>`))
	require.NoError(t, err)
	title, icon := scanDocument(doc)
	assert.Equal(t, "one", title)
	assert.Empty(t, icon)
}

func TestDetectLanguage(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"python3":             "Python",
		"/usr/bin/python3.11": "Python",
		"uvicorn":             "Python",
		"node":                "Node.js",
		"npm":                 "Node.js",
		"go":                  "Go",
		"java":                "Java",
		"php-fpm":             "PHP",
		"ruby":                "Ruby",
		"postgres":            "",
		"":                    "",
	}
	for cmd, want := range cases {
		assert.Equal(t, want, DetectLanguage(cmd), "command %q", cmd)
	}
}

func TestLocalURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://localhost:8081/", LocalURL(8081))
}
