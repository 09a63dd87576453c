package sitecache

import (
	"fmt"
	"net/http"
)

// CacheEntry is a captured response stored in a cache generation.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64  // unix seconds
	Hash32   uint32 // CRC32 of Body, stamped on write
}

// ResponseType follows the fetch response types that matter for caching.
type ResponseType string

const (
	// ResponseBasic is a same-origin response.
	ResponseBasic ResponseType = "basic"
	ResponseCORS  ResponseType = "cors"
)

// Record pairs a request URL with the entry stored under it.
type Record struct {
	URL   string
	Entry CacheEntry
}

// Manifest describes what a worker precaches while installing.
type Manifest struct {
	// Required paths abort a strict install when they fail.
	Required []string
	// Optional paths are cached when reachable and skipped otherwise.
	Optional []string
	// Offline is the document served for failed navigations.
	Offline  string
	Sitemaps []string
	Strict   bool
	Parallel int
}

// StatusError reports a precache fetch that did not return a 2xx status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Status)
}
