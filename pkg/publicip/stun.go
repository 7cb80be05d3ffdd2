package publicip

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/observability"
	"github.com/pion/stun"
	"go.uber.org/zap"
)

// DefaultSTUNServers are queried when no servers are configured
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
}

// STUNResolver learns the public address from the XOR-MAPPED-ADDRESS of a
// STUN binding response
type STUNResolver struct {
	servers []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewSTUNResolver creates a resolver querying servers in order
func NewSTUNResolver(servers []string, timeout time.Duration, logger *zap.Logger) *STUNResolver {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &STUNResolver{servers: servers, timeout: timeout, logger: logger}
}

// Resolve implements Resolver
func (r *STUNResolver) Resolve(ctx context.Context) (string, error) {
	for _, server := range r.servers {
		r.logger.Debug("Attempting STUN discovery", zap.String("server", server))

		ip, err := r.query(ctx, server)
		if err != nil {
			r.logger.Warn("STUN discovery failed",
				zap.String("server", server),
				zap.Error(err),
			)
			continue
		}

		observability.PublicIPLookupsTotal.WithLabelValues("stun", "success").Inc()
		r.logger.Debug("Public address resolved",
			zap.String("method", "stun"),
			zap.String("server", server),
			zap.String("ip", ip),
		)
		return ip, nil
	}

	observability.PublicIPLookupsTotal.WithLabelValues("stun", "failure").Inc()
	return "", fmt.Errorf("all STUN servers failed")
}

func (r *STUNResolver) query(ctx context.Context, server string) (string, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return "", fmt.Errorf("failed to resolve STUN server: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to STUN server: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(r.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("failed to set deadline: %w", err)
	}

	request := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(request.Raw); err != nil {
		return "", fmt.Errorf("failed to send STUN request: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to receive STUN response: %w", err)
	}

	response := &stun.Message{Raw: buf[:n]}
	if err := response.Decode(); err != nil {
		return "", fmt.Errorf("failed to decode STUN response: %w", err)
	}
	if response.TransactionID != request.TransactionID {
		return "", fmt.Errorf("STUN transaction ID mismatch")
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err != nil {
		return "", fmt.Errorf("failed to get mapped address: %w", err)
	}
	return xorAddr.IP.String(), nil
}
