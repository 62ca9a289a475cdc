package failure

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gpusched/internal/device"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxRetries          = 3
	defaultInitialDelay        = time.Second
	defaultErrorWindow         = 5 * time.Minute
	defaultErrorThreshold      = 2.0
	defaultMaintenanceCooldown = 60 * time.Second
	defaultMemoryPressure      = 0.9
)

// Config holds classifier tunables.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	// ErrorWindow bounds the per-device failure history.
	ErrorWindow time.Duration
	// ErrorThreshold is the windowed failures per (active+1) ratio that
	// quarantines a device.
	ErrorThreshold      float64
	MaintenanceCooldown time.Duration
	// MemoryPressureRatio is the used-memory ratio above which a resource
	// exhaustion puts the device into maintenance.
	MemoryPressureRatio float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = defaultErrorWindow
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = defaultErrorThreshold
	}
	if c.MaintenanceCooldown <= 0 {
		c.MaintenanceCooldown = defaultMaintenanceCooldown
	}
	if c.MemoryPressureRatio <= 0 {
		c.MemoryPressureRatio = defaultMemoryPressure
	}
	return c
}

// DeviceControl is the part of the device registry the classifier acts on.
type DeviceControl interface {
	Get(id string) (device.Device, bool)
	MarkError(id, reason string) bool
	MarkMaintenance(id string, cooldown time.Duration) bool
}

// Failure describes one failed execution attempt.
type Failure struct {
	TaskID   string
	DeviceID string
	Err      error
	// RetryCount is the number of retries already consumed by the task.
	RetryCount int
	// ActiveRequests is the number of tasks still running on the device.
	ActiveRequests int
}

// Decision is the classifier's verdict.
type Decision struct {
	Kind    Kind
	Action  Action
	Handled bool
	// Delay before the task is re-enqueued (RETRY only).
	Delay time.Duration
	// RetryCount is the task's retry count after this decision.
	RetryCount        int
	DeviceQuarantined bool
}

// Stats summarizes classified failures.
type Stats struct {
	Total        int
	ByKind       map[Kind]int
	ByAction     map[Action]int
	DeviceErrors map[string]int
}

// Classifier applies per-kind handlers. Safe for concurrent use; it never
// holds its own lock while calling into DeviceControl.
type Classifier struct {
	cfg     Config
	matcher *Matcher
	devices DeviceControl
	log     zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	windows  map[string][]time.Time
	total    int
	byKind   map[Kind]int
	byAction map[Action]int
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Classifier) { c.log = l.With().Str("component", "failure_classifier").Logger() }
}

// WithMatcher replaces the default rule table.
func WithMatcher(m *Matcher) Option { return func(c *Classifier) { c.matcher = m } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(c *Classifier) { c.now = now } }

// New constructs a Classifier acting on devices (which may be nil).
func New(cfg Config, devices DeviceControl, opts ...Option) *Classifier {
	c := &Classifier{
		cfg:      cfg.withDefaults(),
		matcher:  defaultMatcher,
		devices:  devices,
		log:      zerolog.Nop(),
		now:      time.Now,
		windows:  make(map[string][]time.Time),
		byKind:   make(map[Kind]int),
		byAction: make(map[Action]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns the kind of err using the classifier's rule table.
func (c *Classifier) Classify(err error) Kind { return c.matcher.Classify(err) }

// Handle classifies f, applies device side effects and returns the action.
func (c *Classifier) Handle(f Failure) Decision {
	kind := c.matcher.Classify(f.Err)
	d := Decision{Kind: kind, Handled: true, RetryCount: f.RetryCount}

	switch kind {
	case KindGPUCrash:
		if f.DeviceID != "" && c.devices != nil {
			c.devices.MarkError(f.DeviceID, errString(f.Err))
		}
		c.requeue(&d)
	case KindResourceExhaustion:
		if f.DeviceID != "" && c.devices != nil {
			if dev, ok := c.devices.Get(f.DeviceID); ok && dev.MemoryUsedRatio() > c.cfg.MemoryPressureRatio {
				c.devices.MarkMaintenance(f.DeviceID, c.cfg.MaintenanceCooldown)
			}
		}
		c.requeue(&d)
	case KindTimeout, KindUnknown:
		c.retry(&d, func(n int) time.Duration { return c.cfg.InitialDelay * time.Duration(n) })
	case KindNetwork:
		base := f.RetryCount
		c.retry(&d, func(int) time.Duration {
			return time.Duration(float64(c.cfg.InitialDelay) * math.Pow(2, float64(base)))
		})
	default:
		d.Action = ActionFail
	}

	if f.DeviceID != "" {
		d.DeviceQuarantined = c.recordDeviceError(f)
	}

	c.mu.Lock()
	c.total++
	c.byKind[kind]++
	c.byAction[d.Action]++
	c.mu.Unlock()

	c.log.Info().
		Str("task", f.TaskID).
		Str("device", f.DeviceID).
		Str("kind", string(kind)).
		Str("action", string(d.Action)).
		Int("retry_count", d.RetryCount).
		Dur("delay", d.Delay).
		AnErr("cause", f.Err).
		Msg("task failure classified")
	return d
}

// retry consumes one retry with a delay computed from the new retry count,
// or fails once the budget is spent.
func (c *Classifier) retry(d *Decision, delay func(newCount int) time.Duration) {
	if d.RetryCount >= c.cfg.MaxRetries {
		d.Action = ActionFail
		return
	}
	d.RetryCount++
	d.Action = ActionRetry
	d.Delay = delay(d.RetryCount)
}

func (c *Classifier) requeue(d *Decision) {
	if d.RetryCount >= c.cfg.MaxRetries {
		d.Action = ActionFail
		return
	}
	d.RetryCount++
	d.Action = ActionRequeue
}

// recordDeviceError appends to the device's window and quarantines the device
// when the windowed rate reaches ErrorThreshold.
func (c *Classifier) recordDeviceError(f Failure) bool {
	now := c.now()
	cutoff := now.Add(-c.cfg.ErrorWindow)

	c.mu.Lock()
	w := c.windows[f.DeviceID]
	kept := w[:0]
	for _, ts := range w {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	c.windows[f.DeviceID] = kept
	rate := float64(len(kept)) / float64(f.ActiveRequests+1)
	c.mu.Unlock()

	if rate < c.cfg.ErrorThreshold || c.devices == nil {
		return false
	}
	if dev, ok := c.devices.Get(f.DeviceID); ok && dev.Status == device.StatusError {
		return false
	}
	c.log.Warn().Str("device", f.DeviceID).Float64("error_rate", rate).Msg("device error rate above threshold")
	return c.devices.MarkError(f.DeviceID, "error rate above threshold")
}

// DeviceStatusChanged clears a device's failure window when it leaves ERROR.
// Register it as a device.StatusListener.
func (c *Classifier) DeviceStatusChanged(id string, from, to device.Status) {
	if from != device.StatusError || to == device.StatusError {
		return
	}
	c.mu.Lock()
	delete(c.windows, id)
	c.mu.Unlock()
}

// Stats returns a copy of the counters; DeviceErrors counts in-window failures.
func (c *Classifier) Stats() Stats {
	cutoff := c.now().Add(-c.cfg.ErrorWindow)
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Total:        c.total,
		ByKind:       make(map[Kind]int, len(c.byKind)),
		ByAction:     make(map[Action]int, len(c.byAction)),
		DeviceErrors: make(map[string]int, len(c.windows)),
	}
	for k, v := range c.byKind {
		s.ByKind[k] = v
	}
	for k, v := range c.byAction {
		s.ByAction[k] = v
	}
	for id, w := range c.windows {
		n := 0
		for _, ts := range w {
			if ts.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			s.DeviceErrors[id] = n
		}
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
