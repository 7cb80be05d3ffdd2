package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kumulus/kumulus-agent/pkg/controlplane"
	"github.com/kumulus/kumulus-agent/pkg/identity"
	"github.com/kumulus/kumulus-agent/pkg/telemetry"
	"github.com/kumulus/kumulus-agent/test/testutil"
	"github.com/kumulus/kumulus-agent/test/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakePlane records every call made to the control plane
type fakePlane struct {
	mu        sync.Mutex
	record    controlplane.ProviderRecord
	lookupErr error
	postErr   error
	lookups   int
	posts     []controlplane.SignedEnvelope
}

func (f *fakePlane) LookupProvider(ctx context.Context, address string) (controlplane.ProviderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.record, f.lookupErr
}

func (f *fakePlane) PostEnvelope(ctx context.Context, envelope controlplane.SignedEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posts = append(f.posts, envelope)
	return nil
}

func (f *fakePlane) set(record controlplane.ProviderRecord, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record = record
	f.lookupErr = err
}

func (f *fakePlane) counts() (int, []controlplane.SignedEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups, append([]controlplane.SignedEnvelope(nil), f.posts...)
}

type fakeCollector struct {
	calls int
}

func (c *fakeCollector) Collect(ctx context.Context) telemetry.HealthReport {
	c.calls++
	return telemetry.HealthReport{
		CPUUsage:          3.1,
		MemoryFree:        "8123 MB",
		DiskFree:          "244G",
		DockerStatus:      telemetry.EngineRunning,
		RunningContainers: 2,
		TimestampUnix:     1714566600,
		TimestampHuman:    "2024-05-01T12:30:00.000Z",
	}
}

type fakeResolver struct {
	ip  string
	err error
}

func (r fakeResolver) Resolve(ctx context.Context) (string, error) {
	return r.ip, r.err
}

// countTicker fires a fixed number of ticks and returns
type countTicker struct {
	ticks    int
	interval time.Duration
}

func (c *countTicker) OnTick(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	c.interval = interval
	for i := 0; i < c.ticks; i++ {
		fn(ctx)
	}
}

func registered(validated *bool) controlplane.ProviderRecord {
	return controlplane.ProviderRecord{HasAddress: true, Address: "5Grw", Validated: validated}
}

type fixture struct {
	agent     *Agent
	plane     *fakePlane
	collector *fakeCollector
	signer    *identity.Signer
	logs      *observer.ObservedLogs
}

func newFixture(t *testing.T, seed string, resolver fakeResolver, ticker Ticker) *fixture {
	t.Helper()

	logger, logs := mocks.NewObservedLogger(zapcore.WarnLevel)
	f := &fixture{
		plane:     &fakePlane{},
		collector: &fakeCollector{},
		signer:    identity.NewSigner(seed, mocks.NewNoOpLogger()),
		logs:      logs,
	}
	a, err := New(&Config{Logger: logger}, Dependencies{
		Signer:       f.signer,
		ControlPlane: f.plane,
		Collector:    f.collector,
		Resolver:     resolver,
		Ticker:       ticker,
	})
	require.NoError(t, err)
	f.agent = a
	return f
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(&Config{Logger: zap.NewNop()}, Dependencies{})
	assert.Error(t, err)

	_, err = New(&Config{}, Dependencies{})
	assert.Error(t, err)
}

func TestTick_UnvalidatedPollsAndDoesNotSend(t *testing.T) {
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{ip: "203.0.113.7"}, nil)
	f.plane.set(registered(nil), nil)
	f.plane.record.Address = ""

	f.agent.Tick(context.Background())

	lookups, posts := f.plane.counts()
	assert.Equal(t, 1, lookups)
	assert.Empty(t, posts)
	assert.Equal(t, 0, f.collector.calls)
	assert.False(t, f.agent.State().IsValidated)
}

func TestTick_ValidatedSendsOneSignedReport(t *testing.T) {
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{ip: "203.0.113.7"}, nil)
	f.agent.state.SetValidated(true)

	f.agent.Tick(context.Background())

	lookups, posts := f.plane.counts()
	assert.Equal(t, 0, lookups)
	require.Len(t, posts, 1)
	assert.Equal(t, 1, f.collector.calls)

	envelope := posts[0]
	address, err := f.signer.Address()
	require.NoError(t, err)
	assert.Equal(t, address, envelope.Address)
	assert.Empty(t, envelope.IPAddress)

	var report telemetry.HealthReport
	require.NoError(t, json.Unmarshal([]byte(envelope.Message), &report))
	assert.Equal(t, "8123 MB", report.MemoryFree)

	ok, err := identity.Verify([]byte(envelope.Message), envelope.Signature, envelope.Address)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.agent.State().LastReportAt.IsZero())
}

func TestTick_BecomesValidated(t *testing.T) {
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{ip: "203.0.113.7"}, nil)
	ctx := context.Background()

	f.plane.set(controlplane.ProviderRecord{}, nil)
	f.agent.Tick(ctx)
	assert.False(t, f.agent.State().IsValidated)

	f.plane.set(registered(nil), nil)
	f.agent.Tick(ctx)
	assert.True(t, f.agent.State().IsValidated)
	_, posts := f.plane.counts()
	assert.Empty(t, posts, "the validating tick only polls")

	f.agent.Tick(ctx)
	lookups, posts := f.plane.counts()
	assert.Equal(t, 2, lookups)
	assert.Len(t, posts, 1)
}

func TestTick_PostFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{ip: "203.0.113.7"}, nil)
	f.agent.state.SetValidated(true)
	f.plane.postErr = errors.New("control plane down")

	assert.NotPanics(t, func() { f.agent.Tick(context.Background()) })
	assert.True(t, f.agent.State().LastReportAt.IsZero())
	assert.Equal(t, 1, f.logs.FilterMessage("Failed to send health report").Len())
}

func TestTick_WithoutIdentity(t *testing.T) {
	f := newFixture(t, "", fakeResolver{ip: "203.0.113.7"}, nil)
	f.agent.state.SetValidated(true)

	f.agent.Tick(context.Background())

	_, posts := f.plane.counts()
	assert.Empty(t, posts)
}

func TestBootstrap_Registered(t *testing.T) {
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{ip: "203.0.113.7"}, nil)
	f.plane.set(registered(nil), nil)

	f.agent.Bootstrap(context.Background())

	state := f.agent.State()
	assert.True(t, state.IsRegistered)
	assert.Equal(t, "203.0.113.7", state.IPAddress)

	_, posts := f.plane.counts()
	require.Len(t, posts, 2)
	assert.Equal(t, "203.0.113.7", posts[0].IPAddress)
	ok, err := identity.Verify([]byte(posts[0].IPAddress), posts[0].Signature, posts[0].Address)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, posts[1].Message)
}

func TestBootstrap_Unregistered(t *testing.T) {
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{ip: "203.0.113.7"}, nil)
	f.plane.set(controlplane.ProviderRecord{}, nil)

	f.agent.Bootstrap(context.Background())

	lookups, posts := f.plane.counts()
	assert.Equal(t, 1, lookups)
	assert.Empty(t, posts)
	assert.False(t, f.agent.State().IsRegistered)
}

func TestBootstrap_ResolverFailureStillReports(t *testing.T) {
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{err: errors.New("no route")}, nil)
	f.plane.set(registered(nil), nil)

	f.agent.Bootstrap(context.Background())

	_, posts := f.plane.counts()
	require.Len(t, posts, 1)
	assert.NotEmpty(t, posts[0].Message)
	assert.Empty(t, f.agent.State().IPAddress)
}

func TestBootstrap_WithoutIdentity(t *testing.T) {
	f := newFixture(t, "", fakeResolver{ip: "203.0.113.7"}, nil)

	f.agent.Bootstrap(context.Background())

	lookups, posts := f.plane.counts()
	assert.Equal(t, 0, lookups)
	assert.Empty(t, posts)
	assert.Equal(t, 1, f.logs.FilterMessage("Signing identity unavailable, reports will not be sent").Len())
}

func TestRun(t *testing.T) {
	ticker := &countTicker{ticks: 3}
	f := newFixture(t, testutil.TestMnemonic, fakeResolver{ip: "203.0.113.7"}, ticker)
	f.plane.set(registered(nil), nil)

	require.NoError(t, f.agent.Run(context.Background()))

	assert.Equal(t, DefaultTelemetryInterval, ticker.interval)

	// bootstrap: registration lookup, ip + health posts
	// tick 1: validation lookup
	// ticks 2 and 3: one health post each
	lookups, posts := f.plane.counts()
	assert.Equal(t, 2, lookups)
	assert.Len(t, posts, 4)
}

func TestIntervalTicker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	go func() {
		IntervalTicker{}.OnTick(ctx, 5*time.Millisecond, func(context.Context) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ticker did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3)
}
