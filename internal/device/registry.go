package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxConcurrentPerDevice = 4
	defaultHealthInterval         = 5 * time.Second
)

// ErrDeviceUnavailable is returned by Activate when the device left RESERVED
// between reservation and activation (e.g. a health check demoted it).
var ErrDeviceUnavailable = errors.New("device: no longer reserved")

// Config holds registry tunables.
type Config struct {
	// MinComputeCapability gates discovery; devices below it are never registered.
	MinComputeCapability   float64
	Thresholds             Thresholds
	MaxConcurrentPerDevice int
	HealthInterval         time.Duration
	// StaleAfter marks devices OFFLINE when telemetry is older; zero disables.
	StaleAfter time.Duration
	// ErrorCooldown is the minimum time a device stays in ERROR before the
	// health loop may restore it.
	ErrorCooldown time.Duration
}

// Source is the external device-monitoring collaborator.
type Source interface {
	Collect(ctx context.Context) ([]Metrics, error)
}

// StatusListener is notified of status transitions after the registry lock is released.
type StatusListener func(id string, from, to Status)

type record struct {
	metrics     Metrics
	status      Status
	owner       string
	ownedAt     time.Time
	active      map[string]struct{}
	lastUpdated time.Time
	errorSince  time.Time
	maintTimer  *time.Timer
}

type change struct {
	id       string
	from, to Status
}

// Registry is the single source of truth for device state. All methods are
// safe for concurrent use.
type Registry struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu      sync.RWMutex
	devices map[string]*record

	lmu       sync.RWMutex
	listeners []StatusListener
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l.With().Str("component", "device_registry").Logger() }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithListener registers a status listener at construction.
func WithListener(fn StatusListener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, fn) }
}

// NewRegistry constructs an empty registry, applying defaults for unset config.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.MaxConcurrentPerDevice <= 0 {
		cfg.MaxConcurrentPerDevice = defaultMaxConcurrentPerDevice
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	r := &Registry{
		cfg:     cfg,
		log:     zerolog.Nop(),
		now:     time.Now,
		devices: make(map[string]*record),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// AddListener registers a status listener.
func (r *Registry) AddListener(fn StatusListener) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) notify(changes []change) {
	if len(changes) == 0 {
		return
	}
	r.lmu.RLock()
	ls := append([]StatusListener(nil), r.listeners...)
	r.lmu.RUnlock()
	for _, c := range changes {
		r.log.Info().Str("device", c.id).Str("from", string(c.from)).Str("to", string(c.to)).Msg("device status changed")
		for _, fn := range ls {
			fn(c.id, c.from, c.to)
		}
	}
}

func (r *Registry) setStatusLocked(id string, rec *record, to Status, changes *[]change) {
	if rec.status == to {
		return
	}
	from := rec.status
	rec.status = to
	switch {
	case to == StatusError:
		rec.errorSince = r.now()
	case from == StatusError:
		rec.errorSince = time.Time{}
	}
	*changes = append(*changes, change{id: id, from: from, to: to})
}

// occupancyLocked derives the status implied by the reservation and active set.
func (r *Registry) occupancyLocked(rec *record) Status {
	if rec.owner != "" {
		if _, running := rec.active[rec.owner]; !running {
			return StatusReserved
		}
	}
	if len(rec.active) >= r.cfg.MaxConcurrentPerDevice {
		if rec.owner == "" {
			rec.owner = firstKey(rec.active)
			rec.ownedAt = r.now()
		}
		return StatusBusy
	}
	rec.owner = ""
	rec.ownedAt = time.Time{}
	return StatusAvailable
}

func (rec *record) view() Device {
	d := Device{Metrics: rec.metrics, Status: rec.status, LastUpdated: rec.lastUpdated}
	if rec.status == StatusReserved || rec.status == StatusBusy {
		d.ReservedBy = rec.owner
		d.ReservedAt = rec.ownedAt
	}
	d.ActiveTasks = sortedKeys(rec.active)
	return d
}

// Discover collects from src and registers every device meeting the compute
// capability gate. Known devices keep their status and reservations.
// Returns the sorted ids of all registered devices.
func (r *Registry) Discover(ctx context.Context, src Source) ([]string, error) {
	ms, err := src.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.Ingest(ms); err != nil {
		r.log.Warn().Err(err).Msg("discovery skipped invalid devices")
	}
	return r.IDs(), nil
}

// Ingest applies a telemetry snapshot. Unknown devices passing the capability
// gate are registered as AVAILABLE; invalid samples are skipped and reported in
// the returned error. Status is never changed here; the health loop does that.
func (r *Registry) Ingest(ms []Metrics) error {
	var errs []error
	now := r.now()
	r.mu.Lock()
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		m = m.normalized()
		rec, ok := r.devices[m.ID]
		if !ok {
			if m.ComputeCapability < r.cfg.MinComputeCapability {
				r.log.Debug().Str("device", m.ID).Float64("compute_capability", m.ComputeCapability).Msg("device below minimum compute capability; skipped")
				continue
			}
			rec = &record{status: StatusAvailable, active: make(map[string]struct{})}
			r.devices[m.ID] = rec
			r.log.Info().Str("device", m.ID).Str("name", m.Name).Int64("memory_total_mb", m.MemoryTotalMB).Msg("device registered")
		}
		rec.metrics = m
		rec.lastUpdated = now
	}
	r.mu.Unlock()
	return errors.Join(errs...)
}

// IDs returns the sorted ids of all registered devices.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Snapshot returns copies of all devices sorted by id.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec.view())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one device.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return rec.view(), true
}

// ActiveCount returns the number of tasks occupying the device.
func (r *Registry) ActiveCount(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.devices[id]; ok {
		return len(rec.active)
	}
	return 0
}

// Eligible returns the sorted ids of devices that can take a task needing requiredMB.
func (r *Registry) Eligible(requiredMB int64) []string {
	r.mu.RLock()
	var ids []string
	for id, rec := range r.devices {
		if IsEligible(rec.view(), requiredMB, r.cfg.Thresholds) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Reserve takes the exclusive placement claim on an AVAILABLE device.
func (r *Registry) Reserve(deviceID, taskID string) bool {
	var changes []change
	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if !ok || rec.status != StatusAvailable || taskID == "" {
		r.mu.Unlock()
		return false
	}
	rec.owner = taskID
	rec.ownedAt = r.now()
	r.setStatusLocked(deviceID, rec, StatusReserved, &changes)
	r.mu.Unlock()
	r.notify(changes)
	return true
}

// Activate turns the caller's reservation into an occupancy slot. The device
// becomes BUSY when all slots are taken and AVAILABLE otherwise.
func (r *Registry) Activate(deviceID, taskID string) error {
	var changes []change
	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	if rec.owner != taskID {
		r.mu.Unlock()
		return ErrNotOwner
	}
	if rec.status != StatusReserved {
		rec.owner = ""
		rec.ownedAt = time.Time{}
		r.mu.Unlock()
		return ErrDeviceUnavailable
	}
	rec.active[taskID] = struct{}{}
	r.setStatusLocked(deviceID, rec, r.occupancyLocked(rec), &changes)
	r.mu.Unlock()
	r.notify(changes)
	return nil
}

// Release gives back the task's reservation or occupancy slot. Tasks holding
// neither get ErrNotOwner and the device is left unchanged. ERROR, MAINTENANCE
// and OFFLINE survive a release.
func (r *Registry) Release(deviceID, taskID string) error {
	var changes []change
	r.mu.Lock()
	rec, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	_, running := rec.active[taskID]
	if taskID == "" || (rec.owner != taskID && !running) {
		r.mu.Unlock()
		return ErrNotOwner
	}
	delete(rec.active, taskID)
	if rec.owner == taskID {
		rec.owner = ""
		rec.ownedAt = time.Time{}
	}
	switch rec.status {
	case StatusAvailable, StatusReserved, StatusBusy:
		r.setStatusLocked(deviceID, rec, r.occupancyLocked(rec), &changes)
	}
	r.mu.Unlock()
	r.notify(changes)
	return nil
}

// MarkError forces a device into ERROR. Returns false for unknown devices.
func (r *Registry) MarkError(id, reason string) bool {
	var changes []change
	r.mu.Lock()
	rec, ok := r.devices[id]
	if ok {
		stopTimer(rec)
		r.setStatusLocked(id, rec, StatusError, &changes)
	}
	r.mu.Unlock()
	if ok && len(changes) > 0 {
		r.log.Warn().Str("device", id).Str("reason", reason).Msg("device marked as error")
	}
	r.notify(changes)
	return ok
}

// MarkMaintenance puts a device into MAINTENANCE and, when cooldown > 0,
// schedules its reactivation if it is still in MAINTENANCE by then.
func (r *Registry) MarkMaintenance(id string, cooldown time.Duration) bool {
	var changes []change
	r.mu.Lock()
	rec, ok := r.devices[id]
	if ok {
		stopTimer(rec)
		r.setStatusLocked(id, rec, StatusMaintenance, &changes)
		if cooldown > 0 {
			rec.maintTimer = time.AfterFunc(cooldown, func() { r.reactivate(id) })
		}
	}
	r.mu.Unlock()
	r.notify(changes)
	return ok
}

func (r *Registry) reactivate(id string) {
	var changes []change
	r.mu.Lock()
	if rec, ok := r.devices[id]; ok && rec.status == StatusMaintenance {
		rec.maintTimer = nil
		r.setStatusLocked(id, rec, r.occupancyLocked(rec), &changes)
	}
	r.mu.Unlock()
	r.notify(changes)
}

// MarkAvailable is the operator override that returns a device to service.
func (r *Registry) MarkAvailable(id string) bool {
	var changes []change
	r.mu.Lock()
	rec, ok := r.devices[id]
	if ok {
		stopTimer(rec)
		r.setStatusLocked(id, rec, r.occupancyLocked(rec), &changes)
	}
	r.mu.Unlock()
	r.notify(changes)
	return ok
}

// CheckHealth runs one health pass over all devices.
func (r *Registry) CheckHealth() {
	var changes []change
	now := r.now()
	th := r.cfg.Thresholds
	r.mu.Lock()
	for id, rec := range r.devices {
		d := rec.view()
		stale := r.cfg.StaleAfter > 0 && now.Sub(rec.lastUpdated) > r.cfg.StaleAfter
		healthy := Healthy(d, th)
		switch rec.status {
		case StatusAvailable, StatusReserved, StatusBusy:
			if stale {
				r.setStatusLocked(id, rec, StatusOffline, &changes)
			} else if !healthy {
				r.setStatusLocked(id, rec, StatusError, &changes)
			}
		case StatusError:
			if !stale && healthy && now.Sub(rec.errorSince) >= r.cfg.ErrorCooldown {
				r.setStatusLocked(id, rec, r.occupancyLocked(rec), &changes)
			}
		case StatusOffline:
			if stale {
				break
			}
			if healthy {
				r.setStatusLocked(id, rec, r.occupancyLocked(rec), &changes)
			} else {
				r.setStatusLocked(id, rec, StatusError, &changes)
			}
		}
	}
	r.mu.Unlock()
	r.notify(changes)
}

// RunHealthLoop calls CheckHealth every HealthInterval until ctx is done.
func (r *Registry) RunHealthLoop(ctx context.Context) error {
	t := time.NewTicker(r.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.CheckHealth()
		}
	}
}

// Close stops pending maintenance reactivations.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, rec := range r.devices {
		stopTimer(rec)
	}
	r.mu.Unlock()
}

func stopTimer(rec *record) {
	if rec.maintTimer != nil {
		rec.maintTimer.Stop()
		rec.maintTimer = nil
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func firstKey(m map[string]struct{}) string {
	keys := sortedKeys(m)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
