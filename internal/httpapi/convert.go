package httpapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gpusched/internal/resilience"
	"gpusched/internal/scheduler"
	"gpusched/pkg/types"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toSubmitRequest(in types.SubmitRequest) (scheduler.SubmitRequest, error) {
	out := scheduler.SubmitRequest{
		ID:       in.TaskID,
		Priority: in.Priority,
		Resources: scheduler.Resources{
			MemoryMB:         in.MemoryMB,
			ExpectedDuration: time.Duration(in.ExpectedDurationSec * float64(time.Second)),
		},
		CallbackURL: in.CallbackURL,
	}
	if in.ExpectedDurationSec < 0 {
		return out, fmt.Errorf("%w: expected_duration_sec must be >= 0", scheduler.ErrInvalidTask)
	}
	if len(in.Payload) > 0 {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return out, fmt.Errorf("%w: payload: %v", scheduler.ErrInvalidTask, err)
		}
		out.Payload = b
	}
	return out, nil
}

func fromSubmitResult(r scheduler.SubmitResult) types.SubmitResponse {
	return types.SubmitResponse{
		TaskID:              r.TaskID,
		Status:              string(r.Status),
		GPUID:               r.DeviceID,
		QueuePosition:       r.QueuePosition,
		EstimatedCompletion: formatTime(r.EstimatedCompletion),
	}
}

func fromTaskView(v scheduler.TaskView) types.TaskStatusResponse {
	out := types.TaskStatusResponse{
		TaskID:              v.ID,
		Status:              string(v.Status),
		Priority:            v.Priority,
		MemoryMB:            v.Resources.MemoryMB,
		GPUID:               v.DeviceID,
		Progress:            v.Progress,
		QueuePosition:       v.QueuePosition,
		Error:               v.Error,
		ErrorKind:           string(v.ErrorKind),
		RetryCount:          v.RetryCount,
		BatchID:             v.BatchID,
		SubmittedAt:         formatTime(v.SubmittedAt),
		StartedAt:           formatTime(v.StartedAt),
		CompletedAt:         formatTime(v.CompletedAt),
		EstimatedCompletion: formatTime(v.EstimatedCompletion),
	}
	if len(v.Result) > 0 {
		out.Result = v.Result
	}
	return out
}

func fromTaskViews(vs []scheduler.TaskView) []types.TaskStatusResponse {
	out := make([]types.TaskStatusResponse, 0, len(vs))
	for _, v := range vs {
		out = append(out, fromTaskView(v))
	}
	return out
}

func fromBatchView(b scheduler.BatchView) types.BatchStatusResponse {
	counts := make(map[string]int, len(b.Counts))
	for st, n := range b.Counts {
		counts[string(st)] = n
	}
	return types.BatchStatusResponse{
		BatchID:  b.ID,
		Status:   string(b.Status),
		Progress: b.Progress,
		Counts:   counts,
		Tasks:    fromTaskViews(b.Tasks),
	}
}

func fromCounters(c scheduler.Counters) types.Counters {
	return types.Counters{
		Total:        c.Total,
		Succeeded:    c.Succeeded,
		Failed:       c.Failed,
		Cancelled:    c.Cancelled,
		Retried:      c.Retried,
		Running:      c.Running,
		AvgLatencyMs: c.AvgLatencyMs,
	}
}

func fromBreakers(snaps []resilience.BreakerSnapshot) []types.BreakerStatus {
	out := make([]types.BreakerStatus, 0, len(snaps))
	for _, b := range snaps {
		out = append(out, types.BreakerStatus{
			Name:          b.Name,
			State:         string(b.State),
			Failures:      b.Failures,
			HalfOpenCalls: b.HalfOpenCalls,
			LastFailure:   formatTime(b.LastFailure),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func fromStats(s scheduler.StatsView, uptime time.Duration) types.StatsResponse {
	out := types.StatsResponse{
		Counters:      fromCounters(s.Counters),
		Queued:        s.Queued,
		Devices:       make([]types.DeviceCounters, 0, len(s.Devices)),
		Breakers:      fromBreakers(s.Breakers),
		UptimeSeconds: int64(uptime / time.Second),
		Failures: types.FailureStats{
			Total:        s.Failures.Total,
			ByKind:       make(map[string]int, len(s.Failures.ByKind)),
			ByAction:     make(map[string]int, len(s.Failures.ByAction)),
			DeviceErrors: make(map[string]int, len(s.Failures.DeviceErrors)),
		},
	}
	for _, d := range s.Devices {
		out.Devices = append(out.Devices, types.DeviceCounters{DeviceID: d.DeviceID, Counters: fromCounters(d.Counters)})
	}
	for k, v := range s.Failures.ByKind {
		out.Failures.ByKind[string(k)] = v
	}
	for k, v := range s.Failures.ByAction {
		out.Failures.ByAction[string(k)] = v
	}
	for k, v := range s.Failures.DeviceErrors {
		out.Failures.DeviceErrors[k] = v
	}
	return out
}
