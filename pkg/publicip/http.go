package publicip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/observability"
	"go.uber.org/zap"
)

// DefaultURL answers with the caller's address as plain text
const DefaultURL = "https://ident.me"

// HTTPResolver asks a plain-text "what is my IP" service
type HTTPResolver struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPResolver creates a resolver for url. A zero timeout means none.
func NewHTTPResolver(url string, timeout time.Duration, logger *zap.Logger) *HTTPResolver {
	if url == "" {
		url = DefaultURL
	}
	return &HTTPResolver{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Resolve implements Resolver
func (r *HTTPResolver) Resolve(ctx context.Context) (string, error) {
	ip, err := r.resolve(ctx)
	if err != nil {
		observability.PublicIPLookupsTotal.WithLabelValues("http", "failure").Inc()
		return "", err
	}
	observability.PublicIPLookupsTotal.WithLabelValues("http", "success").Inc()
	r.logger.Debug("Public address resolved", zap.String("method", "http"), zap.String("ip", ip))
	return ip, nil
}

func (r *HTTPResolver) resolve(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("address service returned %d", resp.StatusCode)
	}
	return normalize(string(body))
}
