// Package placement ranks eligible devices for a task.
package placement

import (
	"sort"

	"gpusched/internal/device"
)

// Weights of the four score components.
type Weights struct {
	Usage       float64
	Priority    float64
	Performance float64
	Health      float64
}

// DefaultWeights returns the stock weighting.
func DefaultWeights() Weights {
	return Weights{Usage: 0.4, Priority: 0.3, Performance: 0.2, Health: 0.1}
}

// PriorityRange bounds task priorities; lower values are more urgent.
type PriorityRange struct {
	Min int
	Max int
}

// DefaultPriorityRange is [0, 10].
func DefaultPriorityRange() PriorityRange { return PriorityRange{Min: 0, Max: 10} }

// Clamp limits p to the range.
func (r PriorityRange) Clamp(p int) int {
	if p < r.Min {
		return r.Min
	}
	if p > r.Max {
		return r.Max
	}
	return p
}

// Request is what the scorer needs to know about a task.
type Request struct {
	TaskID   string
	Priority int
	MemoryMB int64
}

// Score is one device's breakdown.
type Score struct {
	DeviceID    string
	Usage       float64
	Priority    float64
	Performance float64
	Health      float64
	Total       float64
}

// Scorer is stateless apart from its configuration and safe for concurrent use.
type Scorer struct {
	th       device.Thresholds
	weights  Weights
	priority PriorityRange
}

// New constructs a Scorer. A zero Weights or an empty PriorityRange selects defaults.
func New(th device.Thresholds, w Weights, pr PriorityRange) *Scorer {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	if pr.Max <= pr.Min {
		pr = DefaultPriorityRange()
	}
	return &Scorer{th: th, weights: w, priority: pr}
}

// Score computes the weighted score of d for req.
func (s *Scorer) Score(req Request, d device.Device) Score {
	sc := Score{DeviceID: d.ID}
	sc.Usage = 0.6*(1-d.MemoryUsedRatio()) + 0.4*(1-d.UtilizationRatio())
	span := float64(s.priority.Max - s.priority.Min)
	sc.Priority = float64(s.priority.Max-s.priority.Clamp(req.Priority)) / span
	sc.Performance = clamp01(d.PerformanceIndex)
	sc.Health = clamp01(1 - d.TemperatureC/100)
	sc.Total = s.weights.Usage*sc.Usage +
		s.weights.Priority*sc.Priority +
		s.weights.Performance*sc.Performance +
		s.weights.Health*sc.Health
	return sc
}

// Rank scores every candidate in ids that is present in snapshot and eligible,
// best first; equal totals are ordered by device id.
func (s *Scorer) Rank(req Request, ids []string, snapshot []device.Device) []Score {
	byID := make(map[string]device.Device, len(snapshot))
	for _, d := range snapshot {
		byID[d.ID] = d
	}
	out := make([]Score, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok || seen[id] || !device.IsEligible(d, req.MemoryMB, s.th) {
			continue
		}
		seen[id] = true
		out = append(out, s.Score(req, d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Select returns the best device for req, or false when none qualifies.
func (s *Scorer) Select(req Request, ids []string, snapshot []device.Device) (string, bool) {
	ranked := s.Rank(req, ids, snapshot)
	if len(ranked) == 0 {
		return "", false
	}
	return ranked[0].DeviceID, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
