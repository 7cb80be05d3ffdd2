package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kumulus/kumulus-agent/pkg/environment"
	"github.com/kumulus/kumulus-agent/pkg/observability"
	"github.com/kumulus/kumulus-agent/pkg/ports"
	"go.uber.org/zap"
)

// Environments is the lifecycle surface the control API drives
type Environments interface {
	Create(ctx context.Context, req environment.Request) (*environment.Environment, error)
	Stop(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (environment.Status, error)
	Logs(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}

// API serves the tenant environment control routes
type API struct {
	envs   Environments
	logger *zap.Logger
}

// New creates the control API
func New(envs Environments, logger *zap.Logger) *API {
	return &API{envs: envs, logger: logger}
}

// Router returns the control API with its middleware stack
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.CorrelationMiddleware(a.logger))

	a.Routes(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Routes registers the six lifecycle routes on r
func (a *API) Routes(r chi.Router) {
	r.Post("/create-vm", a.CreateHandler)
	r.Post("/stop-vm", a.StopHandler)
	r.Post("/start-vm", a.StartHandler)
	r.Post("/get-vm-status", a.StatusHandler)
	r.Post("/get-vm-logs", a.LogsHandler)
	r.Post("/delete-vm", a.DeleteHandler)
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// detach separates handler work from the client connection so that engine
// commands already started run to completion
func (a *API) detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// CreateHandler handles POST /create-vm
func (a *API) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}

	env, err := a.envs.Create(a.detach(r), environment.Request{
		Username:     req.Username,
		SSHPublicKey: req.SSHKey,
		CPULimit:     float64(req.CPU),
		MemoryLimit:  req.Memory,
		DiskLimit:    req.Disk,
	})
	if err != nil {
		a.fail(w, r, err, "VM creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		VMID:     env.ID,
		SSHPort:  env.SSHPort,
		Username: env.Owner,
		Status:   string(env.Status),
	})
}

// StopHandler handles POST /stop-vm
func (a *API) StopHandler(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.envs.Stop, "VM stopped successfully", "Failed to stop VM")
}

// StartHandler handles POST /start-vm
func (a *API) StartHandler(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.envs.Start, "VM started successfully", "Failed to start VM")
}

// DeleteHandler handles POST /delete-vm
func (a *API) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	a.control(w, r, a.envs.Delete, "VM deleted successfully", "Failed to delete VM")
}

func (a *API) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, success, failure string) {
	var req vmRequest
	if !decode(w, r, &req) {
		return
	}

	if err := op(a.detach(r), req.VMID); err != nil {
		a.fail(w, r, err, failure)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: success})
}

// StatusHandler handles POST /get-vm-status
func (a *API) StatusHandler(w http.ResponseWriter, r *http.Request) {
	var req vmRequest
	if !decode(w, r, &req) {
		return
	}

	status, err := a.envs.Status(a.detach(r), req.VMID)
	if err != nil {
		a.fail(w, r, err, "Failed to get VM status")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{VMID: req.VMID, Status: string(status)})
}

// LogsHandler handles POST /get-vm-logs
func (a *API) LogsHandler(w http.ResponseWriter, r *http.Request) {
	var req vmRequest
	if !decode(w, r, &req) {
		return
	}

	logs, err := a.envs.Logs(a.detach(r), req.VMID)
	if err != nil {
		a.fail(w, r, err, "Failed to get VM logs")
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

// fail maps an operation error onto the response. Validation problems are
// the caller's fault; engine failures carry their captured output.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var validationErr *environment.ValidationError
	var procErr *environment.ExternalProcessError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.As(err, &procErr):
		writeFailure(w, http.StatusInternalServerError, procErr.Message, procErr.Stdout, procErr.Stderr)
	case errors.Is(err, ports.ErrNoPortAvailable):
		writeFailure(w, http.StatusInternalServerError, "No available ports for SSH", "", err.Error())
	default:
		observability.ContextLogger(r.Context(), a.logger).Error("Unhandled environment error",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeFailure(w, http.StatusInternalServerError, fallback, "", err.Error())
	}
}
