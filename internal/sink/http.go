package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPSink POSTs every segment to <baseURL>/<recording>.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink validates baseURL and returns a sink with a 30 second request
// timeout.
func NewHTTPSink(baseURL, recording string) (*HTTPSink, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upload URL %q", baseURL)
	}
	return &HTTPSink{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/" + url.PathEscape(recording),
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (h *HTTPSink) Name() string { return "http" }

func (h *HTTPSink) Write(ctx context.Context, seg Segment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(seg.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", seg.Format.MimeType())
	req.Header.Set("X-Segment", seg.FileName())
	req.Header.Set("X-Segment-Seq", strconv.Itoa(seg.Seq))
	req.Header.Set("X-Sample-Rate", strconv.Itoa(seg.SampleRate))
	req.Header.Set("X-Channels", strconv.Itoa(seg.Channels))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTPSink) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
