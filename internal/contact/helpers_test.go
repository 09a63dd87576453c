package contact

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	o := NewOutbox(db)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

// endpoint is a fake contact endpoint answering with a settable status.
type endpoint struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	received [][]byte
	headers  []http.Header
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()
	e := &endpoint{status: status}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.received = append(e.received, body)
		e.headers = append(e.headers, r.Header.Clone())
		code := e.status
		e.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *endpoint) setStatus(code int) {
	e.mu.Lock()
	e.status = code
	e.mu.Unlock()
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

// request returns the body and headers of the i-th request received.
func (e *endpoint) request(i int) ([]byte, http.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received[i], e.headers[i]
}

func (e *endpoint) forwarder() *Forwarder {
	return &Forwarder{URL: e.URL, Client: e.Client()}
}

// deadForwarder points at a closed server.
func deadForwarder(t *testing.T) *Forwarder {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return &Forwarder{URL: srv.URL, Client: &http.Client{}}
}
