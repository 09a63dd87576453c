package contact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrRejected means the endpoint answered with a 4xx; replaying the same
// payload will not help.
var ErrRejected = errors.New("submission rejected")

// Forwarder delivers submission payloads to the contact endpoint.
type Forwarder struct {
	URL    string
	Client *http.Client
}

func (f *Forwarder) Send(ctx context.Context, payload []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return fmt.Errorf("contact endpoint: status %d", resp.StatusCode)
}
