// ABOUTME: Tests for the response rewrite engine.
// ABOUTME: Validates header rewrites, HTML injection, and content bookkeeping.

package rewrite

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "/remote/s/abc123/"

func TestLocation(t *testing.T) {
	t.Run("relative path gets prefixed", func(t *testing.T) {
		assert.Equal(t, "/remote/s/abc123/dashboard", Location("/dashboard", prefix))
	})

	t.Run("foreign absolute url passes through", func(t *testing.T) {
		assert.Equal(t, "https://other.example.com/x", Location("https://other.example.com/x", prefix))
		assert.Equal(t, "http://other.example.com/x", Location("http://other.example.com/x", prefix))
	})

	t.Run("already prefixed passes through", func(t *testing.T) {
		assert.Equal(t, "/remote/s/abc123/login", Location("/remote/s/abc123/login", prefix))
	})

	t.Run("idempotent", func(t *testing.T) {
		once := Location("/dashboard", prefix)
		assert.Equal(t, once, Location(once, prefix))
	})

	t.Run("path without leading slash", func(t *testing.T) {
		assert.Equal(t, "/remote/s/abc123/dashboard", Location("dashboard", prefix))
	})

	t.Run("empty value", func(t *testing.T) {
		assert.Equal(t, "", Location("", prefix))
	})
}

func TestSetCookie(t *testing.T) {
	t.Run("root path gets session scoped", func(t *testing.T) {
		got := SetCookie("session=xyz; Path=/; HttpOnly", prefix)
		assert.Equal(t, "session=xyz; Path=/remote/s/abc123/; HttpOnly", got)
	})

	t.Run("non-root path untouched", func(t *testing.T) {
		got := SetCookie("session=xyz; Path=/admin; HttpOnly", prefix)
		assert.Equal(t, "session=xyz; Path=/admin; HttpOnly", got)
	})

	t.Run("case insensitive attribute match", func(t *testing.T) {
		got := SetCookie("session=xyz; path=/", prefix)
		assert.Equal(t, "session=xyz; Path=/remote/s/abc123/", got)
	})

	t.Run("no path attribute", func(t *testing.T) {
		got := SetCookie("session=xyz; HttpOnly", prefix)
		assert.Equal(t, "session=xyz; HttpOnly", got)
	})
}

func TestInjectBase(t *testing.T) {
	t.Run("after opening head tag", func(t *testing.T) {
		got := InjectBase([]byte("<html><head></head><body></body></html>"), prefix)
		assert.Equal(t, "<html><head>\n    <base href=\"/remote/s/abc123/\"></head><body></body></html>", string(got))
	})

	t.Run("head tag with attributes", func(t *testing.T) {
		got := InjectBase([]byte(`<html><head lang="en"><title>x</title></head></html>`), prefix)
		assert.Contains(t, string(got), `<head lang="en">`+"\n    "+`<base href="/remote/s/abc123/">`)
	})

	t.Run("uppercase head tag", func(t *testing.T) {
		got := InjectBase([]byte("<HTML><HEAD></HEAD></HTML>"), prefix)
		assert.Contains(t, string(got), `<base href="/remote/s/abc123/">`)
	})

	t.Run("no head tag prepends", func(t *testing.T) {
		got := InjectBase([]byte("<body>hi</body>"), prefix)
		assert.True(t, len(got) > 0)
		assert.Contains(t, string(got), `<base href="/remote/s/abc123/">`)
		assert.Less(t, indexOf(got, "<base"), indexOf(got, "<body"))
	})

	t.Run("header tag does not match head", func(t *testing.T) {
		got := InjectBase([]byte("<html><header>nav</header><head></head></html>"), prefix)
		assert.Contains(t, string(got), "<head>\n    <base")
		assert.Contains(t, string(got), "<header>nav</header>")
	})
}

func TestInjectControlBar(t *testing.T) {
	t.Run("after opening body tag", func(t *testing.T) {
		got := InjectControlBar([]byte("<html><body><p>hi</p></body></html>"), "<div>bar</div>")
		assert.Equal(t, "<html><body>\n<div>bar</div><p>hi</p></body></html>", string(got))
	})

	t.Run("no body tag unchanged", func(t *testing.T) {
		in := []byte("<p>hi</p>")
		assert.Equal(t, in, InjectControlBar(in, "<div>bar</div>"))
	})

	t.Run("empty fragment unchanged", func(t *testing.T) {
		in := []byte("<html><body></body></html>")
		assert.Equal(t, in, InjectControlBar(in, ""))
	})
}

func TestApply(t *testing.T) {
	t.Run("html response gets full treatment", func(t *testing.T) {
		headers := map[string]string{
			"Content-Type":      "text/html; charset=utf-8",
			"Location":          "/login",
			"Set-Cookie":        "sid=1; Path=/",
			"Content-Encoding":  "gzip",
			"Transfer-Encoding": "chunked",
			"Content-Length":    "9999",
		}
		headers, body := Apply(Context{Prefix: prefix}, headers, []byte("<html><head></head><body></body></html>"))

		assert.Equal(t, "/remote/s/abc123/login", headers["Location"])
		assert.Equal(t, "sid=1; Path=/remote/s/abc123/", headers["Set-Cookie"])
		assert.NotContains(t, headers, "Content-Encoding")
		assert.NotContains(t, headers, "Transfer-Encoding")
		assert.Contains(t, string(body), `<base href="/remote/s/abc123/">`)

		want := len(body)
		assert.Equal(t, strconv.Itoa(want), headers["Content-Length"])
	})

	t.Run("non-html body untouched", func(t *testing.T) {
		headers := map[string]string{"Content-Type": "application/json"}
		in := []byte(`{"ok":true}`)
		headers, body := Apply(Context{Prefix: prefix}, headers, in)
		assert.Equal(t, in, body)
		assert.Equal(t, strconv.Itoa(len(in)), headers["Content-Length"])
	})

	t.Run("lowercase header keys still rewritten", func(t *testing.T) {
		headers := map[string]string{"location": "/x", "content-type": "text/plain"}
		headers, _ = Apply(Context{Prefix: prefix}, headers, nil)
		assert.Equal(t, "/remote/s/abc123/x", headers["location"])
	})

	t.Run("response without headers gets a map", func(t *testing.T) {
		headers, body := Apply(Context{Prefix: prefix}, nil, []byte("ok"))
		require.NotNil(t, headers)
		assert.Equal(t, "2", headers["Content-Length"])
		assert.Equal(t, []byte("ok"), body)
	})
}

func TestHeaderHelpers(t *testing.T) {
	headers := map[string]string{"content-type": "text/html"}

	v, ok := HeaderGet(headers, "Content-Type")
	assert.True(t, ok)
	assert.Equal(t, "text/html", v)

	HeaderSet(headers, "Content-Type", "text/plain")
	assert.Equal(t, "text/plain", headers["content-type"])
	assert.Len(t, headers, 1)

	HeaderDel(headers, "CONTENT-TYPE")
	assert.Empty(t, headers)
}

func indexOf(b []byte, sub string) int {
	return bytes.Index(b, []byte(sub))
}
