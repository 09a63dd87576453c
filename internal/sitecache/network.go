package sitecache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
}

// network is the fetch side of the worker: it resolves request URLs against
// the site origin and performs single-attempt requests.
type network struct {
	base   string
	origin *url.URL
	client *http.Client

	// scheme://host keys of other origins that absolute-form requests may
	// reach.
	allowed map[string]struct{}
}

type fetched struct {
	ent CacheEntry
	typ ResponseType
}

func newNetwork(origin *url.URL, client *http.Client) *network {
	return &network{
		base:   strings.TrimRight(origin.String(), "/"),
		origin:  origin,
		client:  client,
		allowed: map[string]struct{}{},
	}
}

func (n *network) allowOrigins(origins []string) {
	for _, o := range origins {
		n.allowed[strings.ToLower(o)] = struct{}{}
	}
}

// permitted reports whether target is the site origin or an allowed
// cross origin. Anything else would turn the server into an open proxy.
func (n *network) permitted(target *url.URL) bool {
	if !isHTTPScheme(target) {
		return false
	}
	if n.responseType(target) == ResponseBasic {
		return true
	}
	_, ok := n.allowed[originKey(target)]
	return ok
}

func originKey(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// resolve returns the absolute URL a request targets. Absolute-form requests
// (forward proxy style) keep their own host.
func (n *network) resolve(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u, nil
	}
	return url.Parse(n.base + r.URL.RequestURI())
}

func (n *network) resolvePath(p string) (*url.URL, error) {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return url.Parse(n.base + p)
}

// fetch sends one request to target. When src is non-nil its headers are
// forwarded, and its body too for methods that carry one.
func (n *network) fetch(ctx context.Context, method string, target *url.URL, src *http.Request) (fetched, error) {
	var body io.Reader
	if src != nil && src.Body != nil && method != http.MethodGet && method != http.MethodHead {
		body = src.Body
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fetched{}, err
	}
	if src != nil {
		copyHeaders(req.Header, src.Header)
		if body != nil {
			req.ContentLength = src.ContentLength
		}
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return fetched{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetched{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return fetched{ent: ent, typ: n.responseType(final)}, nil
}

func (n *network) responseType(u *url.URL) ResponseType {
	if strings.EqualFold(u.Scheme, n.origin.Scheme) && strings.EqualFold(u.Host, n.origin.Host) {
		return ResponseBasic
	}
	return ResponseCORS
}

func (n *network) closeIdle() {
	n.client.CloseIdleConnections()
}

// storable reports whether a response may be shared between visitors.
func storable(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(d), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}

// sharedCopy drops the per-visitor parts of a response before it is stored.
func sharedCopy(ent CacheEntry) CacheEntry {
	ent.Header = ent.Header.Clone()
	ent.Header.Del("Set-Cookie")
	return ent
}

func isHTTPScheme(u *url.URL) bool {
	return u.Scheme == "http" || u.Scheme == "https"
}

// isNavigation reports whether r loads a full document.
func isNavigation(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
