// Package publicip discovers the address under which this host is reachable
// from the internet.
package publicip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
)

// Resolver returns the public IP address of the host
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// ErrNoAddress is returned when no resolver produced an address
var ErrNoAddress = errors.New("public address could not be resolved")

// FallbackResolver tries each resolver in order and returns the first
// address found
type FallbackResolver struct {
	resolvers []Resolver
	logger    *zap.Logger
}

// NewFallbackResolver creates a resolver chain
func NewFallbackResolver(logger *zap.Logger, resolvers ...Resolver) *FallbackResolver {
	return &FallbackResolver{resolvers: resolvers, logger: logger}
}

// Resolve implements Resolver
func (f *FallbackResolver) Resolve(ctx context.Context) (string, error) {
	var errs []error
	for i, r := range f.resolvers {
		ip, err := r.Resolve(ctx)
		if err == nil {
			return ip, nil
		}
		f.logger.Warn("Public address resolver failed",
			zap.Int("resolver", i),
			zap.Error(err),
		)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", ErrNoAddress
	}
	return "", fmt.Errorf("%w: %w", ErrNoAddress, errors.Join(errs...))
}

// normalize trims and checks a textual IP address
func normalize(raw string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return "", fmt.Errorf("not an IP address: %q", truncate(strings.TrimSpace(raw), 64))
	}
	return ip.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
