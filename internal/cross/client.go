package cross

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aselect/pkg/platform/sentinel"
)

// PeerCaller performs the server-to-server leg of federation: a signed form
// POST to a peer's protocol endpoint, answered with a urlencoded key=value
// body. HTTP status is always 200 on protocol errors; transport failures map
// to sentinel.ErrUnavailable.
type PeerCaller interface {
	Call(ctx context.Context, endpoint string, params map[string]string) (map[string]string, error)
}

// HTTPCaller is the production PeerCaller.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller builds a caller with the configured per-call timeout.
func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	return &HTTPCaller{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPCaller) Call(ctx context.Context, endpoint string, params map[string]string) (map[string]string, error) {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: peer answered status %d", sentinel.ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read peer response: %v", sentinel.ErrUnavailable, err)
	}
	return ParseResponse(string(body))
}

// ParseResponse decodes the urlencoded key=value protocol body.
func ParseResponse(body string) (map[string]string, error) {
	values, err := url.ParseQuery(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("malformed peer response: %w", err)
	}
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out, nil
}
