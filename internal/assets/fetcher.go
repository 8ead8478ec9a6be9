package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultMaxDownload = 512 << 20
	fetchTimeout       = 5 * time.Minute
)

var ErrTooLarge = errors.New("assets: artifact exceeds size limit")

// Download is an artifact body being streamed from a provider.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Fetcher downloads provider artifacts with a size cap.
type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{Client: client, MaxBytes: DefaultMaxDownload}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}
	if f.MaxBytes > 0 && resp.ContentLength > f.MaxBytes {
		resp.Body.Close()
		return nil, ErrTooLarge
	}
	body := resp.Body
	if f.MaxBytes > 0 {
		body = &cappedReader{rc: resp.Body, remaining: f.MaxBytes}
	}
	return &Download{Body: body, ContentType: resp.Header.Get("Content-Type"), ContentLength: resp.ContentLength}, nil
}

type cappedReader struct {
	rc        io.ReadCloser
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		// One extra byte tells a body that is exactly at the cap from one that is over it.
		var one [1]byte
		if n, _ := c.rc.Read(one[:]); n > 0 {
			return 0, ErrTooLarge
		}
		return 0, io.EOF
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.rc.Read(p)
	c.remaining -= int64(n)
	return n, err
}

func (c *cappedReader) Close() error { return c.rc.Close() }
