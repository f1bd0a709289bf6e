package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ecobin/internal/services"
)

const (
	defaultHTTPTimeout = 2 * time.Second
	maxResponseBytes   = 1 << 20
)

// HTTPSource polls an inference sidecar that answers GET requests with
// {"detections":[{"label":..., "confidence":..., "box":[x1,y1,x2,y2]}]}.
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

// Option customizes the source.
type Option func(*HTTPSource)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSource) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// NewHTTPSource builds a source for the sidecar at url.
func NewHTTPSource(url string, timeout time.Duration, opts ...Option) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	source := &HTTPSource{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(source)
	}
	return source
}

type detectionResponse struct {
	Detections []Detection `json:"detections"`
}

// Next fetches the detections for the current frame. Any failure to reach
// the sidecar or decode its answer is marked services.ErrDeviceUnavailable.
func (s *HTTPSource) Next(ctx context.Context) ([]Detection, error) {
	if s.url == "" {
		return nil, services.Wrap(services.ErrDeviceUnavailable, "vision", "next", "classifier url not configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrDeviceUnavailable, "vision", "build request", s.url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrDeviceUnavailable, "vision", "request", "classifier unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, services.Wrap(services.ErrDeviceUnavailable, "vision", "read response", "classifier response truncated", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, services.Wrap(services.ErrDeviceUnavailable, "vision", "request",
			fmt.Sprintf("classifier returned http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var decoded detectionResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, services.Wrap(services.ErrDeviceUnavailable, "vision", "decode response", "classifier response is not json", err)
	}
	return decoded.Detections, nil
}
