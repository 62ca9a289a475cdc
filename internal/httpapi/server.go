package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gpusched/internal/device"
	"gpusched/internal/httpapi/docs"
	"gpusched/internal/scheduler"
	"gpusched/internal/telemetry"
	"gpusched/pkg/types"
)

// Service defines the scheduler operations required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (scheduler.SubmitResult, error)
	SubmitBatch(ctx context.Context, reqs []scheduler.SubmitRequest) (scheduler.BatchResult, error)
	Status(id string) (scheduler.TaskView, error)
	List(status scheduler.TaskStatus) []scheduler.TaskView
	Cancel(ctx context.Context, id string) (scheduler.CancelResult, error)
	Retry(id string) (scheduler.SubmitResult, error)
	BatchStatus(id string) (scheduler.BatchView, error)
	CancelBatch(ctx context.Context, id string) ([]string, error)
	Stats() scheduler.StatsView
	Ready() bool
}

// DeviceService is the registry surface exposed over HTTP.
type DeviceService interface {
	Snapshot() []device.Device
	Get(id string) (device.Device, bool)
	Ingest(ms []device.Metrics) error
	MarkMaintenance(id string, cooldown time.Duration) bool
	MarkAvailable(id string) bool
}

type server struct {
	svc  Service
	devs DeviceService
	opts Options
}

// NewMux builds the HTTP handler.
func NewMux(svc Service, devs DeviceService, opts Options) http.Handler {
	opts = opts.withDefaults()
	s := &server{svc: svc, devs: devs, opts: opts}

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger(opts.Logger, parseLevel(opts.RequestLogLevel)))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: opts.CORSMethods,
			AllowedHeaders: opts.CORSHeaders,
			ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Group(func(r chi.Router) {
		r.Use(inflightMiddleware)
		r.Use(middleware.Compress(5))

		r.Route("/v1/tasks", func(r chi.Router) {
			r.With(submitLimiter(opts.SubmitRatePerSec, opts.SubmitBurst)).Post("/", s.handleSubmit)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleTaskStatus)
			r.Delete("/{id}", s.handleCancelTask)
			r.Post("/{id}/retry", s.handleRetryTask)
		})
		r.Route("/v1/batches", func(r chi.Router) {
			r.With(submitLimiter(opts.SubmitRatePerSec, opts.SubmitBurst)).Post("/", s.handleSubmitBatch)
			r.Get("/{id}", s.handleBatchStatus)
			r.Delete("/{id}", s.handleCancelBatch)
		})
		r.Get("/v1/stats", s.handleStats)
		r.Get("/v1/breakers", s.handleBreakers)
		r.Get("/v1/devices", s.handleDevices)
		r.Get("/v1/devices/{id}", s.handleDevice)
		r.Post("/v1/devices/{id}/maintenance", s.handleDeviceMaintenance)
		r.Post("/v1/devices/{id}/activate", s.handleDeviceActivate)
		r.Post("/v1/telemetry", s.handleTelemetry)
	})

	if opts.Hub != nil {
		r.Get("/v1/events", opts.Hub.ServeHTTP)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no devices"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(docs.SwaggerInfo.ReadDoc()))
	})
	MountSwagger(r)
	return r
}

// decodeJSON enforces Content-Type and the body limit. It writes the error
// response itself and reports whether decoding succeeded.
func (s *server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, KindInvalidRequest, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, KindInvalidRequest, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, KindInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleSubmit admits one task.
//
// @Summary  Submit a task
// @Tags     tasks
// @Accept   json
// @Produce  json
// @Param    task  body      types.SubmitRequest  true  "task"
// @Success  201   {object}  types.SubmitResponse
// @Failure  400   {object}  types.ErrorResponse
// @Failure  409   {object}  types.ErrorResponse
// @Failure  429   {object}  types.ErrorResponse
// @Router   /v1/tasks [post]
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in types.SubmitRequest
	if !s.decodeJSON(w, r, &in) {
		return
	}
	req, err := toSubmitRequest(in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ctx, cancel := requestContext(s.opts.BaseContext, r.Context())
	defer cancel()
	res, err := s.svc.Submit(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fromSubmitResult(res))
}

// handleListTasks lists tasks, optionally filtered by ?status=.
//
// @Summary  List tasks
// @Tags     tasks
// @Produce  json
// @Param    status  query     string  false  "status filter"
// @Success  200     {object}  types.TaskListResponse
// @Router   /v1/tasks [get]
func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := scheduler.TaskStatus(strings.ToLower(r.URL.Query().Get("status")))
	switch status {
	case "", scheduler.StatusPending, scheduler.StatusQueued, scheduler.StatusRunning,
		scheduler.StatusCompleted, scheduler.StatusFailed, scheduler.StatusCancelled:
	default:
		writeJSONError(w, http.StatusBadRequest, KindInvalidRequest, "unknown status filter: "+string(status))
		return
	}
	writeJSON(w, http.StatusOK, types.TaskListResponse{Tasks: fromTaskViews(s.svc.List(status))})
}

// handleTaskStatus reports one task.
//
// @Summary  Task status
// @Tags     tasks
// @Produce  json
// @Param    id   path      string  true  "task id"
// @Success  200  {object}  types.TaskStatusResponse
// @Failure  404  {object}  types.ErrorResponse
// @Router   /v1/tasks/{id} [get]
func (s *server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromTaskView(v))
}

// handleCancelTask cancels a task; terminal tasks answer 409 with their status.
//
// @Summary  Cancel a task
// @Tags     tasks
// @Produce  json
// @Param    id   path      string  true  "task id"
// @Success  200  {object}  types.CancelResponse
// @Failure  404  {object}  types.ErrorResponse
// @Failure  409  {object}  types.CancelResponse
// @Router   /v1/tasks/{id} [delete]
func (s *server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(s.opts.BaseContext, r.Context())
	defer cancel()
	res, err := s.svc.Cancel(ctx, chi.URLParam(r, "id"))
	body := types.CancelResponse{TaskID: res.TaskID, Status: string(res.Status), Message: res.Message}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, scheduler.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, body)
	default:
		writeServiceError(w, err)
	}
}

// handleRetryTask re-queues a failed task.
//
// @Summary  Retry a failed task
// @Tags     tasks
// @Produce  json
// @Param    id   path      string  true  "task id"
// @Success  200  {object}  types.SubmitResponse
// @Failure  404  {object}  types.ErrorResponse
// @Failure  409  {object}  types.ErrorResponse
// @Router   /v1/tasks/{id}/retry [post]
func (s *server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Retry(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromSubmitResult(res))
}

// handleSubmitBatch admits a group of tasks.
//
// @Summary  Submit a batch
// @Tags     batches
// @Accept   json
// @Produce  json
// @Param    batch  body      types.BatchSubmitRequest  true  "batch"
// @Success  201    {object}  types.BatchSubmitResponse
// @Failure  400    {object}  types.ErrorResponse
// @Failure  429    {object}  types.ErrorResponse
// @Router   /v1/batches [post]
func (s *server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var in types.BatchSubmitRequest
	if !s.decodeJSON(w, r, &in) {
		return
	}
	reqs := make([]scheduler.SubmitRequest, 0, len(in.Tasks))
	for _, t := range in.Tasks {
		req, err := toSubmitRequest(t)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		reqs = append(reqs, req)
	}
	ctx, cancel := requestContext(s.opts.BaseContext, r.Context())
	defer cancel()
	res, err := s.svc.SubmitBatch(ctx, reqs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := types.BatchSubmitResponse{BatchID: res.BatchID, Tasks: make([]types.BatchItemResponse, 0, len(res.Items))}
	for _, it := range res.Items {
		item := types.BatchItemResponse{SubmitResponse: fromSubmitResult(it.SubmitResult)}
		if it.Err != nil {
			item.Error = it.Err.Error()
		}
		out.Tasks = append(out.Tasks, item)
	}
	writeJSON(w, http.StatusCreated, out)
}

// @Summary  Batch status
// @Tags     batches
// @Produce  json
// @Param    id   path      string  true  "batch id"
// @Success  200  {object}  types.BatchStatusResponse
// @Failure  404  {object}  types.ErrorResponse
// @Router   /v1/batches/{id} [get]
func (s *server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.BatchStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromBatchView(v))
}

// @Summary  Cancel a batch
// @Tags     batches
// @Produce  json
// @Param    id   path      string  true  "batch id"
// @Success  200  {object}  types.BatchCancelResponse
// @Failure  404  {object}  types.ErrorResponse
// @Router   /v1/batches/{id} [delete]
func (s *server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := requestContext(s.opts.BaseContext, r.Context())
	defer cancel()
	ids, err := s.svc.CancelBatch(ctx, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, types.BatchCancelResponse{BatchID: id, Cancelled: ids})
}

// @Summary  Scheduler statistics
// @Tags     system
// @Produce  json
// @Success  200  {object}  types.StatsResponse
// @Router   /v1/stats [get]
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fromStats(s.svc.Stats(), time.Since(s.opts.StartedAt)))
}

// @Summary  Circuit breakers
// @Tags     system
// @Produce  json
// @Success  200  {object}  types.BreakersResponse
// @Router   /v1/breakers [get]
func (s *server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.BreakersResponse{Breakers: fromBreakers(s.svc.Stats().Breakers)})
}

// @Summary  List devices
// @Tags     devices
// @Produce  json
// @Success  200  {object}  types.DevicesResponse
// @Router   /v1/devices [get]
func (s *server) handleDevices(w http.ResponseWriter, r *http.Request) {
	snap := s.devs.Snapshot()
	out := types.DevicesResponse{Devices: make([]types.DeviceStatus, 0, len(snap))}
	for _, d := range snap {
		out.Devices = append(out.Devices, telemetry.FromDevice(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// @Summary  Device detail
// @Tags     devices
// @Produce  json
// @Param    id   path      string  true  "device id"
// @Success  200  {object}  types.DeviceStatus
// @Failure  404  {object}  types.ErrorResponse
// @Router   /v1/devices/{id} [get]
func (s *server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.devs.Get(chi.URLParam(r, "id"))
	if !ok {
		writeServiceError(w, device.ErrDeviceNotFound)
		return
	}
	writeJSON(w, http.StatusOK, telemetry.FromDevice(d))
}

// handleDeviceMaintenance takes a device out of placement. An optional
// ?cooldown= duration schedules automatic reactivation.
//
// @Summary  Put a device into maintenance
// @Tags     devices
// @Produce  json
// @Param    id        path      string  true   "device id"
// @Param    cooldown  query     string  false  "reactivate after (e.g. 60s)"
// @Success  200       {object}  types.DeviceStatus
// @Failure  400       {object}  types.ErrorResponse
// @Failure  404       {object}  types.ErrorResponse
// @Router   /v1/devices/{id}/maintenance [post]
func (s *server) handleDeviceMaintenance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cooldown time.Duration
	if v := r.URL.Query().Get("cooldown"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSONError(w, http.StatusBadRequest, KindInvalidRequest, "invalid cooldown "+strconv.Quote(v))
			return
		}
		cooldown = d
	}
	if !s.devs.MarkMaintenance(id, cooldown) {
		writeServiceError(w, device.ErrDeviceNotFound)
		return
	}
	s.handleDevice(w, r)
}

// @Summary  Return a device to service
// @Tags     devices
// @Produce  json
// @Param    id   path      string  true  "device id"
// @Success  200  {object}  types.DeviceStatus
// @Failure  404  {object}  types.ErrorResponse
// @Router   /v1/devices/{id}/activate [post]
func (s *server) handleDeviceActivate(w http.ResponseWriter, r *http.Request) {
	if !s.devs.MarkAvailable(chi.URLParam(r, "id")) {
		writeServiceError(w, device.ErrDeviceNotFound)
		return
	}
	s.handleDevice(w, r)
}

// handleTelemetry ingests a pushed snapshot: one DeviceMetrics or an array.
// Invalid samples are skipped and reported; the rest are applied.
//
// @Summary  Ingest device telemetry
// @Tags     devices
// @Accept   json
// @Produce  json
// @Param    snapshot  body      []types.DeviceMetrics  true  "snapshot"
// @Success  200       {object}  types.TelemetryResponse
// @Failure  400       {object}  types.ErrorResponse
// @Router   /v1/telemetry [post]
func (s *server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !s.decodeJSON(w, r, &raw) {
		return
	}
	ms, err := telemetry.DecodeSnapshot(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, KindInvalidRequest, err.Error())
		return
	}
	out := types.TelemetryResponse{Accepted: len(ms)}
	if err := s.devs.Ingest(ms); err != nil {
		errs := []error{err}
		if j, ok := err.(interface{ Unwrap() []error }); ok {
			errs = j.Unwrap()
		}
		for _, e := range errs {
			out.Errors = append(out.Errors, e.Error())
		}
		out.Accepted -= len(errs)
		if out.Accepted < 0 {
			out.Accepted = 0
		}
	}
	writeJSON(w, http.StatusOK, out)
}
