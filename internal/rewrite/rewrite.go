// ABOUTME: Pure response transformations that keep a proxied device UI
// ABOUTME: working under a session path prefix: headers and HTML injection.

package rewrite

import (
	"bytes"
	"strconv"
	"strings"
)

// Context parameterizes the rewrite of a single response. Prefix always ends
// with a trailing slash, e.g. "/remote/s/abc123/".
type Context struct {
	Prefix     string
	ControlBar string
}

// Location rewrites a redirect target so the browser stays inside the
// session. Absolute URLs to other hosts and values already carrying the
// prefix pass through unchanged; everything else is prefixed.
func Location(value, prefix string) string {
	if value == "" {
		return value
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value
	}
	if strings.HasPrefix(value, prefix) {
		return value
	}
	return prefix + strings.TrimPrefix(value, "/")
}

// SetCookie replaces an exact root cookie path with the session path so the
// cookie does not escape the session scope. Non-root paths are left alone.
// Headers carrying several cookies with mixed paths are rewritten uniformly.
func SetCookie(value, prefix string) string {
	parts := strings.Split(value, ";")
	for i, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), "Path=/") {
			parts[i] = "Path=" + prefix
		} else {
			parts[i] = strings.TrimSpace(part)
		}
	}
	return strings.Join(parts, "; ")
}

// InjectBase inserts a <base href> element right after the opening <head>
// tag so relative asset references the header rewrites never see still
// resolve under the session path. Documents without a head tag get the
// element prepended.
func InjectBase(body []byte, prefix string) []byte {
	tag := []byte("\n    <base href=\"" + prefix + "\">")
	return injectAfterTag(body, "head", tag, true)
}

// InjectControlBar inserts the session control-bar fragment right after the
// opening <body> tag. Documents without a body tag are returned unchanged.
func InjectControlBar(body []byte, fragment string) []byte {
	if fragment == "" {
		return body
	}
	return injectAfterTag(body, "body", []byte("\n"+fragment), false)
}

// injectAfterTag finds the first opening <name ...> tag, case-insensitively,
// and splices content just past its closing ">".
func injectAfterTag(body []byte, name string, content []byte, prependIfMissing bool) []byte {
	lower := bytes.ToLower(body)
	open := []byte("<" + name)
	idx := 0
	for {
		pos := bytes.Index(lower[idx:], open)
		if pos < 0 {
			if prependIfMissing {
				return append(append([]byte{}, content...), body...)
			}
			return body
		}
		pos += idx
		after := pos + len(open)
		// Require a real tag boundary so <header> does not match <head>.
		if after < len(lower) && lower[after] != '>' && lower[after] != ' ' && lower[after] != '\t' && lower[after] != '\n' && lower[after] != '\r' {
			idx = after
			continue
		}
		end := bytes.IndexByte(body[pos:], '>')
		if end < 0 {
			if prependIfMissing {
				return append(append([]byte{}, content...), body...)
			}
			return body
		}
		cut := pos + end + 1
		out := make([]byte, 0, len(body)+len(content))
		out = append(out, body[:cut]...)
		out = append(out, content...)
		out = append(out, body[cut:]...)
		return out
	}
}

// Apply rewrites a reconstructed response for delivery to the browser:
// Location and Set-Cookie headers always, HTML injection for text/html
// bodies. The body may change size, so transfer-framing headers are dropped
// and Content-Length recomputed. A response that arrived with no headers at
// all gets a fresh map, so callers must use the returned one.
func Apply(ctx Context, headers map[string]string, body []byte) (map[string]string, []byte) {
	if headers == nil {
		headers = make(map[string]string)
	}
	if v, ok := HeaderGet(headers, "Location"); ok {
		HeaderSet(headers, "Location", Location(v, ctx.Prefix))
	}
	if v, ok := HeaderGet(headers, "Set-Cookie"); ok {
		HeaderSet(headers, "Set-Cookie", SetCookie(v, ctx.Prefix))
	}

	if ct, _ := HeaderGet(headers, "Content-Type"); strings.Contains(strings.ToLower(ct), "text/html") {
		body = InjectBase(body, ctx.Prefix)
		body = InjectControlBar(body, ctx.ControlBar)
	}

	HeaderDel(headers, "Content-Encoding")
	HeaderDel(headers, "Transfer-Encoding")
	HeaderSet(headers, "Content-Length", strconv.Itoa(len(body)))
	return headers, body
}

// HeaderGet looks a header up case-insensitively in a flat header map.
func HeaderGet(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// HeaderSet replaces a header case-insensitively, keeping the existing key's
// spelling when one is present.
func HeaderSet(headers map[string]string, name, value string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			headers[k] = value
			return
		}
	}
	headers[name] = value
}

// HeaderDel removes every case variant of a header.
func HeaderDel(headers map[string]string, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}
