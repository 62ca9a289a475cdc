package scheduler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpusched/internal/device"
	"gpusched/internal/failure"
	"gpusched/internal/placement"
	"gpusched/internal/resilience"
)

// Scheduler owns every task record, the admission queue and the per-device
// running counts. Device state is owned by the registry.
type Scheduler struct {
	cfg          Config
	maxPerDevice int

	devices    *device.Registry
	scorer     *placement.Scorer
	classifier *failure.Classifier
	exec       Executor
	breakers   *resilience.Breakers
	bulkhead   *resilience.Bulkhead
	callbacks  *callbackNotifier
	pub        EventPublisher
	log        zerolog.Logger
	now        func() time.Time
	httpClient *http.Client

	mu        sync.Mutex
	tasks     map[string]*Task
	queue     taskQueue
	queued    int
	running   map[string]context.CancelFunc
	perDevice map[string]int
	retries   map[string]*time.Timer
	batches   map[string]*batch
	stats     counters
	devStats  map[string]*counters
	closed    bool

	kick    chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithExecutor sets the execution collaborator. The default is a SimExecutor.
func WithExecutor(e Executor) Option { return func(s *Scheduler) { s.exec = e } }

// WithLogger sets the scheduler logger; it is shared with the failure classifier.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l.With().Str("component", "scheduler").Logger() }
}

// WithPublisher sets the event publisher.
func WithPublisher(p EventPublisher) Option { return func(s *Scheduler) { s.pub = p } }

// WithHTTPClient sets the client used for callbacks.
func WithHTTPClient(c *http.Client) Option { return func(s *Scheduler) { s.httpClient = c } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New constructs a Scheduler placing tasks onto devices in reg.
func New(cfg Config, reg *device.Registry, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:        cfg,
		devices:    reg,
		pub:        noopPublisher{},
		log:        zerolog.Nop(),
		now:        time.Now,
		httpClient: http.DefaultClient,
		tasks:      make(map[string]*Task),
		running:    make(map[string]context.CancelFunc),
		perDevice:  make(map[string]int),
		retries:    make(map[string]*time.Timer),
		batches:    make(map[string]*batch),
		devStats:   make(map[string]*counters),
		kick:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.exec == nil {
		s.exec = &SimExecutor{}
	}

	s.maxPerDevice = cfg.MaxConcurrentTasksPerGPU
	if s.maxPerDevice <= 0 {
		s.maxPerDevice = reg.Config().MaxConcurrentPerDevice
	}
	s.scorer = placement.New(reg.Config().Thresholds, cfg.Weights, cfg.Priorities)
	s.classifier = failure.New(cfg.Failure, reg, failure.WithLogger(s.log))
	s.breakers = resilience.NewBreakers(cfg.Breaker, resilience.WithStateChange(func(name string, from, to resilience.State) {
		observeBreakerState(name, from, to)
		s.log.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state changed")
	}))
	s.bulkhead = resilience.NewBulkhead(cfg.BulkheadMaxConcurrent, cfg.BulkheadMaxQueue)
	s.callbacks = newCallbackNotifier(s.httpClient, s.breakers, cfg.CallbackTimeout, cfg.CallbackConcurrency, s.log)
	s.baseCtx, s.stop = context.WithCancel(context.Background())

	reg.AddListener(s.classifier.DeviceStatusChanged)
	reg.AddListener(observeDeviceStatus)
	reg.AddListener(func(_ string, _, to device.Status) {
		if to == device.StatusAvailable {
			s.wake()
		}
	})
	return s
}

// Devices returns the registry the scheduler places onto.
func (s *Scheduler) Devices() *device.Registry { return s.devices }

// Classifier exposes the failure classifier (stats and manual classification).
func (s *Scheduler) Classifier() *failure.Classifier { return s.classifier }

// Breakers exposes the named circuit breakers.
func (s *Scheduler) Breakers() *resilience.Breakers { return s.breakers }

// Ready reports whether at least one device is registered.
func (s *Scheduler) Ready() bool { return s.devices.Len() > 0 }

// wake triggers a dispatch pass without blocking.
func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close stops accepting work, cancels every non-terminal task and waits for
// running executions to return or ctx to expire.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, tm := range s.retries {
		tm.Stop()
		delete(s.retries, id)
	}
	for _, t := range s.tasks {
		if t.Status.Terminal() {
			continue
		}
		s.releaseLocked(t)
		t.Error = ErrClosed.Error()
		s.setStatusLocked(t, StatusCancelled)
		s.terminalLocked(t)
	}
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.callbacks.wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
