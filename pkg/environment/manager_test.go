package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/kumulus/kumulus-agent/pkg/executor"
	"github.com/kumulus/kumulus-agent/pkg/ports"
	"github.com/kumulus/kumulus-agent/test/testutil"
	"github.com/kumulus/kumulus-agent/test/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// boundPorts simulates the engine's host port binds: a run or start binds
// the published port, a stop gives the bind up while the container keeps
// its port mapping
type boundPorts struct {
	mu         sync.Mutex
	ports      map[int]bool
	containers map[string]int
	order      []string
}

func (b *boundPorts) probe(port int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.ports[port]
}

func (b *boundPorts) run(args []string) {
	hostPort, _, _ := strings.Cut(argValue(args, "-p"), ":")
	port, err := strconv.Atoi(hostPort)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ports[port] = true
	if name := argValue(args, "--name"); name != "" {
		b.containers[name] = port
		b.order = append(b.order, name)
	}
}

func (b *boundPorts) setBound(id string, bound bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if port, ok := b.containers[id]; ok {
		b.ports[port] = bound
	}
}

func (b *boundPorts) list() executor.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return executor.Result{Stdout: strings.Join(b.order, "\n")}
}

func (b *boundPorts) inspect(args []string) executor.Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out strings.Builder
	for _, id := range args[3:] {
		fmt.Fprintf(&out, `{"22/tcp":[{"HostIp":"","HostPort":"%d"}]}`+"\n", b.containers[id])
	}
	return executor.Result{Stdout: out.String()}
}

type fixture struct {
	manager *Manager
	engine  *mocks.Engine
	ports   *ports.Allocator
	bound   *boundPorts
	config  Config
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	bound := &boundPorts{ports: make(map[int]bool), containers: make(map[string]int)}
	engine := mocks.NewEngine()
	engine.Handle("docker run", func(name string, args []string) executor.Result {
		bound.run(args)
		return executor.Result{Stdout: "c0ffee\n"}
	})
	engine.Handle("docker stop", func(name string, args []string) executor.Result {
		bound.setBound(args[1], false)
		return executor.Result{Stdout: args[1] + "\n"}
	})
	engine.Handle("docker start", func(name string, args []string) executor.Result {
		bound.setBound(args[1], true)
		return executor.Result{Stdout: args[1] + "\n"}
	})
	engine.Handle("docker ps -a --filter label="+ManagedLabel+"=true -q", func(name string, args []string) executor.Result {
		return bound.list()
	})
	engine.Handle("docker inspect --format", func(name string, args []string) executor.Result {
		return bound.inspect(args)
	})

	allocator := ports.NewAllocator(ports.Config{Probe: bound.probe}, zap.NewNop())

	config := DefaultConfig()
	config.BuildDir = t.TempDir()
	if mutate != nil {
		mutate(&config)
	}

	manager, err := NewManager(config, engine, allocator, zap.NewNop())
	require.NoError(t, err)

	return &fixture{manager: manager, engine: engine, ports: allocator, bound: bound, config: config}
}

func validRequest(t *testing.T) Request {
	return Request{
		Username:     "alice",
		SSHPublicKey: testutil.NewAuthorizedKey(t),
		CPULimit:     1,
		MemoryLimit:  "512m",
		DiskLimit:    "5g",
	}
}

func argValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestCreate_Success(t *testing.T) {
	f := newFixture(t, nil)

	var specSeen string
	var contextDir string
	f.engine.Handle("docker build", func(name string, args []string) executor.Result {
		data, err := os.ReadFile(argValue(args, "-f"))
		require.NoError(t, err)
		specSeen = string(data)
		contextDir = args[len(args)-1]
		return executor.Result{}
	})

	env, err := f.manager.Create(context.Background(), validRequest(t))
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, 2222, env.SSHPort)
	assert.Equal(t, "alice", env.Owner)
	assert.Equal(t, StatusRunning, env.Status)
	assert.Equal(t, "ubuntu-vm-"+env.ID, env.ImageName)

	assert.Contains(t, specSeen, "AllowUsers alice")
	_, statErr := os.Stat(contextDir)
	assert.True(t, os.IsNotExist(statErr), "build context should be removed")

	builds := f.engine.CallsTo("docker build")
	require.Len(t, builds, 1)
	assert.Equal(t, env.ImageName, argValue(builds[0].Args, "-t"))

	runs := f.engine.CallsTo("docker run")
	require.Len(t, runs, 1)
	args := runs[0].Args
	assert.Equal(t, []string{"run", "-d"}, args[:2])
	assert.Contains(t, args, "--cpus=1")
	assert.Contains(t, args, "--memory=512m")
	assert.Equal(t, "2222:22", argValue(args, "-p"))
	assert.Equal(t, env.ID, argValue(args, "--name"))
	assert.Contains(t, args, OwnerLabel+"=alice")
	assert.Contains(t, args, ManagedLabel+"=true")
	assert.NotContains(t, args, "--storage-opt")
	assert.Equal(t, env.ImageName, args[len(args)-1])

	assert.Equal(t, 0, f.ports.Claimed())
}

func TestCreate_SequentialCreatesGetDistinctPorts(t *testing.T) {
	f := newFixture(t, nil)

	seen := make(map[string]bool)
	for want := 2222; want < 2225; want++ {
		env, err := f.manager.Create(context.Background(), validRequest(t))
		require.NoError(t, err)
		assert.Equal(t, want, env.SSHPort)
		assert.False(t, seen[env.ID])
		seen[env.ID] = true
	}
}

func TestCreate_ConcurrentCreatesGetDistinctPorts(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	got := make(map[int]int)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := f.manager.Create(context.Background(), validRequest(t))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got[env.SSHPort]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, got, 10)
	for port := range got {
		assert.GreaterOrEqual(t, port, 2222)
		assert.LessOrEqual(t, port, 2321)
	}
}

func TestCreate_DiskLimitOption(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ApplyDiskLimit = true })

	_, err := f.manager.Create(context.Background(), validRequest(t))
	require.NoError(t, err)

	runs := f.engine.CallsTo("docker run")
	require.Len(t, runs, 1)
	assert.Equal(t, "size=5g", argValue(runs[0].Args, "--storage-opt"))
}

func TestCreate_MissingFields(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Request)
	}{
		{"username", func(r *Request) { r.Username = "" }},
		{"sshKey", func(r *Request) { r.SSHPublicKey = "" }},
		{"cpu", func(r *Request) { r.CPULimit = 0 }},
		{"memory", func(r *Request) { r.MemoryLimit = "" }},
		{"disk", func(r *Request) { r.DiskLimit = "" }},
		{"username", func(r *Request) { *r = Request{} }},
		{"memory", func(r *Request) { r.MemoryLimit = ""; r.DiskLimit = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			f := newFixture(t, nil)
			req := validRequest(t)
			tt.mutate(&req)

			env, err := f.manager.Create(context.Background(), req)
			assert.Nil(t, env)

			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr), "got %v", err)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Equal(t, "Missing required parameter: "+tt.field, validationErr.Error())
			assert.Empty(t, f.engine.Calls())
		})
	}
}

func TestCreate_MalformedFields(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		mutate func(*Request)
	}{
		{"uppercase username", "username", func(r *Request) { r.Username = "Alice" }},
		{"reserved username", "username", func(r *Request) { r.Username = "root" }},
		{"injected username", "username", func(r *Request) { r.Username = "a && reboot" }},
		{"bad key", "sshKey", func(r *Request) { r.SSHPublicKey = "ssh-ed25519 AAAA..." }},
		{"negative cpu", "cpu", func(r *Request) { r.CPULimit = -1 }},
		{"flag as memory", "memory", func(r *Request) { r.MemoryLimit = "--privileged" }},
		{"words as disk", "disk", func(r *Request) { r.DiskLimit = "lots" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := validRequest(t)
			tt.mutate(&req)

			_, err := f.manager.Create(context.Background(), req)
			var validationErr *ValidationError
			require.True(t, errors.As(err, &validationErr), "got %v", err)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Empty(t, f.engine.Calls())
		})
	}
}

func TestCreate_BuildFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Respond("docker build", executor.Result{ExitCode: 1, Stdout: "Step 1/7", Stderr: "no space left on device"})

	env, err := f.manager.Create(context.Background(), validRequest(t))
	assert.Nil(t, env)

	var procErr *ExternalProcessError
	require.True(t, errors.As(err, &procErr), "got %v", err)
	assert.Equal(t, "build", procErr.Op)
	assert.Equal(t, "Failed to build Docker image", procErr.Message)
	assert.Equal(t, "Step 1/7", procErr.Stdout)
	assert.Equal(t, "no space left on device", procErr.Stderr)
	assert.Contains(t, err.Error(), "no space left on device")

	assert.Empty(t, f.engine.CallsTo("docker run"))
	assert.Equal(t, 0, f.ports.Claimed())
}

func TestCreate_RunFailureReleasesPort(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Fail("docker run", 125, "port is already allocated")

	_, err := f.manager.Create(context.Background(), validRequest(t))

	var procErr *ExternalProcessError
	require.True(t, errors.As(err, &procErr), "got %v", err)
	assert.Equal(t, "run", procErr.Op)
	assert.Equal(t, "Failed to start Docker container", procErr.Message)
	assert.Equal(t, 125, procErr.ExitCode)

	assert.Equal(t, 0, f.ports.Claimed())
	assert.Len(t, f.engine.CallsTo("docker build"), 1)
	assert.Empty(t, f.engine.CallsTo("docker rmi"), "built image is not rolled back")
}

func TestCreate_EngineMissing(t *testing.T) {
	f := newFixture(t, nil)
	startErr := &executor.ExecutionError{Command: "docker", Err: os.ErrNotExist}
	f.engine.Respond("docker build", executor.Result{ExitCode: 1, Stderr: startErr.Error(), Err: startErr})

	_, err := f.manager.Create(context.Background(), validRequest(t))

	var execErr *executor.ExecutionError
	assert.True(t, errors.As(err, &execErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCreate_NoPortAvailable(t *testing.T) {
	f := newFixture(t, nil)
	f.bound.mu.Lock()
	for p := ports.DefaultStart; p < ports.DefaultStart+ports.DefaultCount; p++ {
		f.bound.ports[p] = true
	}
	f.bound.mu.Unlock()

	_, err := f.manager.Create(context.Background(), validRequest(t))
	assert.True(t, errors.Is(err, ports.ErrNoPortAvailable))
	assert.Empty(t, f.engine.CallsTo("docker build"), "no image is built without a port")
	assert.Empty(t, f.engine.CallsTo("docker run"))
}

func TestCreate_StoppedEnvironmentKeepsItsPort(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stopped, err := f.manager.Create(ctx, validRequest(t))
	require.NoError(t, err)
	require.NoError(t, f.manager.Stop(ctx, stopped.ID))
	require.True(t, f.bound.probe(stopped.SSHPort), "a stopped container no longer holds its bind")

	next, err := f.manager.Create(ctx, validRequest(t))
	require.NoError(t, err)
	assert.NotEqual(t, stopped.SSHPort, next.SSHPort)
	assert.Equal(t, 2223, next.SSHPort)

	inspects := f.engine.CallsTo("docker inspect")
	require.Len(t, inspects, 1, "the first create has no managed containers to inspect")
	assert.Equal(t, stopped.ID, inspects[0].Args[len(inspects[0].Args)-1])

	require.NoError(t, f.manager.Start(ctx, stopped.ID))
	assert.False(t, f.bound.probe(stopped.SSHPort))
}

func TestCreate_PortLookupFailureFallsBackToProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Fail("docker ps -a --filter label="+ManagedLabel+"=true -q", 1, "Cannot connect to the Docker daemon")

	env, err := f.manager.Create(context.Background(), validRequest(t))
	require.NoError(t, err)
	assert.Equal(t, 2222, env.SSHPort)
	assert.Empty(t, f.engine.CallsTo("docker inspect"))
}

func TestPublishedPorts(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Respond("docker ps -a --filter label="+ManagedLabel+"=true -q", executor.Result{Stdout: "a1\nb2\nc3\n"})
	f.engine.Respond("docker inspect --format", executor.Result{Stdout: strings.Join([]string{
		`{"22/tcp":[{"HostIp":"","HostPort":"2222"}]}`,
		`{"22/tcp":[{"HostIp":"0.0.0.0","HostPort":"2230"},{"HostIp":"::","HostPort":"2230"}]}`,
		`null`,
		`not json`,
	}, "\n")})

	published := f.manager.publishedPorts(context.Background(), zap.NewNop())
	assert.Equal(t, []int{2222, 2230, 2230}, published)

	inspects := f.engine.CallsTo("docker inspect")
	require.Len(t, inspects, 1)
	assert.Equal(t, []string{"a1", "b2", "c3"}, inspects[0].Args[3:])
}

func TestControlOperations_Lenient(t *testing.T) {
	tests := []struct {
		name    string
		op      func(*Manager, context.Context, string) error
		command string
	}{
		{"stop", (*Manager).Stop, "docker stop vm-1"},
		{"start", (*Manager).Start, "docker start vm-1"},
		{"delete", (*Manager).Delete, "docker rm -f vm-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, tt.op(f.manager, context.Background(), "vm-1"))
			assert.Len(t, f.engine.CallsTo(tt.command), 1)

			f.engine.Fail(tt.command, 1, "No such container: vm-1")
			assert.NoError(t, tt.op(f.manager, context.Background(), "vm-1"))
		})
	}
}

func TestControlOperations_Strict(t *testing.T) {
	tests := []struct {
		name    string
		op      func(*Manager, context.Context, string) error
		command string
		message string
	}{
		{"stop", (*Manager).Stop, "docker stop", "Failed to stop VM"},
		{"start", (*Manager).Start, "docker start", "Failed to start VM"},
		{"delete", (*Manager).Delete, "docker rm", "Failed to delete VM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.StrictErrors = true })
			f.engine.Fail(tt.command, 1, "No such container: vm-1")

			err := tt.op(f.manager, context.Background(), "vm-1")
			var procErr *ExternalProcessError
			require.True(t, errors.As(err, &procErr), "got %v", err)
			assert.Equal(t, tt.message, procErr.Message)
			assert.Equal(t, "No such container: vm-1", procErr.Stderr)
		})
	}
}

func TestDelete_RemovesImage(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.manager.Delete(context.Background(), "vm-1"))

	calls := f.engine.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "docker rm -f vm-1", calls[0].Line())
	assert.Equal(t, "docker rmi -f ubuntu-vm-vm-1", calls[1].Line())

	f.engine.Reset()
	f.engine.Fail("docker rmi", 1, "image is in use")
	assert.NoError(t, f.manager.Delete(context.Background(), "vm-1"))
}

func TestDelete_KeepsImageWhenConfigured(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RemoveImageOnDelete = false })
	require.NoError(t, f.manager.Delete(context.Background(), "vm-1"))

	assert.Len(t, f.engine.Calls(), 1)
	assert.Empty(t, f.engine.CallsTo("docker rmi"))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   Status
	}{
		{"running", "running\n", StatusRunning},
		{"restarting", "restarting\n", StatusRunning},
		{"exited", "exited\n", StatusStopped},
		{"created", "created", StatusStopped},
		{"paused", "paused\n", StatusStopped},
		{"gone", "", StatusDestroyed},
		{"blank lines", "\n\n", StatusDestroyed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.engine.Respond("docker ps", executor.Result{Stdout: tt.stdout})

			status, err := f.manager.Status(context.Background(), "vm-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)

			calls := f.engine.CallsTo("docker ps")
			require.Len(t, calls, 1)
			assert.Equal(t, "name=^vm-1$", argValue(calls[0].Args, "--filter"))
		})
	}
}

func TestStatus_EngineFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Fail("docker ps", 1, "Cannot connect to the Docker daemon")

	_, err := f.manager.Status(context.Background(), "vm-1")
	var procErr *ExternalProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, "status", procErr.Op)
}

func TestLogs(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Respond("docker logs vm-1", executor.Result{Stdout: "Server listening on 0.0.0.0 port 22.\n", Stderr: "ignored"})

	logs, err := f.manager.Logs(context.Background(), "vm-1")
	require.NoError(t, err)
	assert.Equal(t, "Server listening on 0.0.0.0 port 22.\n", logs)

	f.engine.Fail("docker logs vm-1", 1, "No such container: vm-1")
	_, err = f.manager.Logs(context.Background(), "vm-1")
	var procErr *ExternalProcessError
	require.True(t, errors.As(err, &procErr))
	assert.Equal(t, "Failed to get VM logs", procErr.Message)
}

func TestInvalidIDs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"", "--all", "a b", "../x"} {
		var validationErr *ValidationError

		err := f.manager.Stop(ctx, id)
		require.True(t, errors.As(err, &validationErr), "id %q: %v", id, err)
		assert.Equal(t, "vmId", validationErr.Field)

		_, err = f.manager.Status(ctx, id)
		assert.True(t, errors.As(err, &validationErr))
		_, err = f.manager.Logs(ctx, id)
		assert.True(t, errors.As(err, &validationErr))
		assert.True(t, errors.As(f.manager.Delete(ctx, id), &validationErr))
		assert.True(t, errors.As(f.manager.Start(ctx, id), &validationErr))
	}

	assert.Empty(t, f.engine.Calls())

	err := f.manager.Stop(ctx, "")
	assert.Equal(t, "Missing required parameter: vmId", err.Error())
}

func TestList(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.Respond("docker ps", executor.Result{
		Stdout: "vm-1\trunning\talice\nvm-2\texited\tbob\n\n",
	})

	summaries, err := f.manager.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, Summary{ID: "vm-1", Owner: "alice", State: "running", Status: StatusRunning}, summaries[0])
	assert.Equal(t, Summary{ID: "vm-2", Owner: "bob", State: "exited", Status: StatusStopped}, summaries[1])

	calls := f.engine.CallsTo("docker ps")
	require.Len(t, calls, 1)
	assert.Equal(t, "label="+ManagedLabel+"=true", argValue(calls[0].Args, "--filter"))
}

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(Config{}, mocks.NewEngine(), ports.NewAllocator(ports.Config{}, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)

	cfg := m.Config()
	assert.Equal(t, "docker", cfg.Binary)
	assert.Equal(t, "ubuntu:jammy", cfg.BaseImage)
	assert.Equal(t, "ubuntu-vm-", cfg.ImagePrefix)
	assert.Equal(t, 22, cfg.ContainerSSHPort)
	assert.NotEmpty(t, cfg.BuildDir)

	_, err = NewManager(Config{BaseImage: "bad image"}, mocks.NewEngine(), nil, zap.NewNop())
	assert.Error(t, err)
}
