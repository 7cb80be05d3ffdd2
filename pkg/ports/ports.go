package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultStart is the first host port handed out for SSH
	DefaultStart = 2222

	// DefaultCount is the size of the SSH port range
	DefaultCount = 100
)

// ErrNoPortAvailable is returned when every port in the range is taken
var ErrNoPortAvailable = errors.New("no available ports for SSH")

// ProbeFunc reports whether a TCP port can currently be bound
type ProbeFunc func(port int) bool

// BindProbe tries a transient bind on all interfaces and releases it
func BindProbe(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// FindFreePort linearly probes start..start+count-1 and returns the first
// port that can be bound. The result is not reserved: another process may
// bind it before the caller does.
func FindFreePort(start, count int) (int, error) {
	return findFree(start, count, BindProbe, nil)
}

func findFree(start, count int, probe ProbeFunc, skip func(int) bool) (int, error) {
	for port := start; port < start+count; port++ {
		if skip != nil && skip(port) {
			continue
		}
		if probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, start, start+count-1)
}

// Allocator hands out ports from a fixed range and remembers which ones
// are claimed by in-flight allocations, so concurrent callers never
// receive the same port. A claim should be released once the consumer
// holds its own bind on the port (or gave up on it).
type Allocator struct {
	start  int
	count  int
	probe  ProbeFunc
	logger *zap.Logger

	mu      sync.Mutex
	claimed map[int]struct{}

	onChange func(claimed int)
}

// Config configures an Allocator
type Config struct {
	Start int
	Count int

	// Probe overrides the bind probe, mainly for tests
	Probe ProbeFunc

	// OnChange is called with the number of claimed ports after every change
	OnChange func(claimed int)
}

// NewAllocator creates an allocator over [Start, Start+Count)
func NewAllocator(config Config, logger *zap.Logger) *Allocator {
	if config.Start <= 0 {
		config.Start = DefaultStart
	}
	if config.Count <= 0 {
		config.Count = DefaultCount
	}
	if config.Probe == nil {
		config.Probe = BindProbe
	}

	return &Allocator{
		start:    config.Start,
		count:    config.Count,
		probe:    config.Probe,
		logger:   logger,
		claimed:  make(map[int]struct{}),
		onChange: config.OnChange,
	}
}

// Range returns the first and last port of the allocator
func (a *Allocator) Range() (int, int) {
	return a.start, a.start + a.count - 1
}

// Allocate claims the first free, unclaimed port in the range. Ports in
// reserved are skipped even when they can be bound, which keeps the ports
// of stopped containers out of circulation.
func (a *Allocator) Allocate(reserved ...int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	skipped := make(map[int]struct{}, len(reserved))
	for _, p := range reserved {
		skipped[p] = struct{}{}
	}

	port, err := findFree(a.start, a.count, a.probe, func(p int) bool {
		if _, taken := a.claimed[p]; taken {
			return true
		}
		_, held := skipped[p]
		return held
	})
	if err != nil {
		a.logger.Warn("SSH port range exhausted",
			zap.Int("start", a.start),
			zap.Int("count", a.count),
			zap.Int("claimed", len(a.claimed)),
			zap.Int("reserved", len(skipped)),
		)
		return 0, err
	}

	a.claimed[port] = struct{}{}
	a.notify()

	a.logger.Debug("Claimed SSH port", zap.Int("port", port))
	return port, nil
}

// Release drops the claim on port. Releasing an unclaimed port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.claimed[port]; !ok {
		return
	}
	delete(a.claimed, port)
	a.notify()

	a.logger.Debug("Released SSH port", zap.Int("port", port))
}

// Claimed returns the number of ports currently claimed
func (a *Allocator) Claimed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claimed)
}

func (a *Allocator) notify() {
	if a.onChange != nil {
		a.onChange(len(a.claimed))
	}
}
