package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/identity"
	"github.com/kumulus/kumulus-agent/pkg/observability"
	"go.uber.org/zap"
)

const (
	endpointProviders   = "providers"
	endpointHealthstats = "healthstats"

	// maxResponseBytes bounds how much of a control plane response is read
	maxResponseBytes = 1 << 20
)

// Config configures the control plane client
type Config struct {
	ProvidersURL   string
	HealthstatsURL string

	// Timeout applies to every request. Zero means no timeout.
	Timeout time.Duration

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the remote control plane that tracks provider
// registration and ingests signed reports
type Client struct {
	providersURL   string
	healthstatsURL string
	httpClient     *http.Client
	logger         *zap.Logger
}

// NewClient creates a control plane client
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if config.ProvidersURL == "" {
		return nil, fmt.Errorf("providers URL is required")
	}
	if config.HealthstatsURL == "" {
		return nil, fmt.Errorf("healthstats URL is required")
	}
	for _, raw := range []string{config.ProvidersURL, config.HealthstatsURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid control plane URL %q", raw)
		}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		providersURL:   strings.TrimRight(config.ProvidersURL, "/"),
		healthstatsURL: config.HealthstatsURL,
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// ProviderRecord is the control plane's view of one provider
type ProviderRecord struct {
	// HasAddress reports whether the response carried an address field at all
	HasAddress bool
	Address    string

	// Validated is nil when the control plane did not say
	Validated *bool
}

// Registered reports whether the record names a provider
func (r ProviderRecord) Registered() bool {
	return r.HasAddress && r.Address != ""
}

// LookupProvider fetches the provider record for address
func (c *Client) LookupProvider(ctx context.Context, address string) (ProviderRecord, error) {
	target := c.providersURL + "/" + url.PathEscape(address)

	body, err := c.get(ctx, endpointProviders, target)
	if err != nil {
		return ProviderRecord{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ProviderRecord{}, &NetworkError{Op: "lookup provider", URL: target, Err: fmt.Errorf("decode response: %w", err)}
	}

	var record ProviderRecord
	if raw, ok := fields["address"]; ok {
		var addr *string
		if err := json.Unmarshal(raw, &addr); err != nil {
			return ProviderRecord{}, &NetworkError{Op: "lookup provider", URL: target, Err: fmt.Errorf("decode address: %w", err)}
		}
		record.HasAddress = true
		if addr != nil {
			record.Address = *addr
		}
	}
	if raw, ok := fields["validated"]; ok {
		var validated bool
		if err := json.Unmarshal(raw, &validated); err == nil {
			record.Validated = &validated
		}
	}
	return record, nil
}

// SignedEnvelope is a message together with its signature and the
// signer's address. Health reports travel in Message; address
// announcements travel in IPAddress.
type SignedEnvelope struct {
	Message   string `json:"message,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// NewMessageEnvelope pairs a message with its signature
func NewMessageEnvelope(message string, sig identity.Signature) SignedEnvelope {
	return SignedEnvelope{Message: message, Signature: sig.Signature, Address: sig.Address}
}

// NewIPEnvelope pairs a public address announcement with its signature
func NewIPEnvelope(ip string, sig identity.Signature) SignedEnvelope {
	return SignedEnvelope{IPAddress: ip, Signature: sig.Signature, Address: sig.Address}
}

// PostEnvelope submits a signed envelope to the healthstats endpoint
func (c *Client) PostEnvelope(ctx context.Context, envelope SignedEnvelope) error {
	_, err := c.post(ctx, endpointHealthstats, c.healthstatsURL, envelope)
	return err
}

func (c *Client) get(ctx context.Context, endpoint, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.doRequest(req, endpoint, "GET "+endpoint)
}

func (c *Client) post(ctx context.Context, endpoint, target string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, endpoint, "POST "+endpoint)
}

func (c *Client) doRequest(req *http.Request, endpoint, op string) ([]byte, error) {
	observability.InjectCorrelation(req.Context(), req)
	target := req.URL.String()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.ControlPlaneRequestDurationSeconds.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &NetworkError{Op: op, URL: target, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Op: op, URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{
			Op:         op,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	c.logger.Debug("Control plane request completed",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return body, nil
}
