package orchestrator

import (
	"context"
	"log/slog"

	"session-orchestrator/internal/platform/metrics"
)

// ResourceKind names a releasable resource in a session's bundle.
type ResourceKind string

const (
	ResourceController   ResourceKind = "controller"
	ResourceCommandQueue ResourceKind = "command_queue"
	ResourceComposition  ResourceKind = "composition"
	ResourceRelayChannel ResourceKind = "relay_channel"
	ResourceProgramStage ResourceKind = "program_stage"
	ResourceRawStage     ResourceKind = "raw_stage"
	ResourceChannelState ResourceKind = "channel_state"
)

// releaseStep is one resource to give back. An empty handle means the
// resource was never acquired or is already gone, and the step is skipped.
type releaseStep struct {
	kind    ResourceKind
	handle  string
	release func(ctx context.Context, handle string) error
}

// ReleaseFailure records a resource that could not be released.
type ReleaseFailure struct {
	Kind   ResourceKind `json:"kind"`
	Handle string       `json:"handle"`
	Error  string       `json:"error"`
}

// ReleaseReport aggregates the outcome of a best-effort release pass.
type ReleaseReport struct {
	Released []ResourceKind   `json:"released,omitempty"`
	Skipped  []ResourceKind   `json:"skipped,omitempty"`
	Failed   []ReleaseFailure `json:"failed,omitempty"`
}

// OK reports whether nothing failed.
func (r ReleaseReport) OK() bool { return len(r.Failed) == 0 }

func (r ReleaseReport) released(kind ResourceKind) bool {
	for _, k := range r.Released {
		if k == kind {
			return true
		}
	}
	return false
}

func countReleaseFailure(m *metrics.Metrics) func(ResourceKind) {
	return func(kind ResourceKind) { m.IncReleaseFailures(string(kind)) }
}

// releaseAll attempts every step in order. A failing step is logged and
// recorded; it never stops the steps after it.
func releaseAll(ctx context.Context, log *slog.Logger, onFailure func(ResourceKind), steps []releaseStep) ReleaseReport {
	var report ReleaseReport
	for _, step := range steps {
		if step.handle == "" {
			report.Skipped = append(report.Skipped, step.kind)
			continue
		}
		if err := step.release(ctx, step.handle); err != nil {
			log.Warn("resource release failed",
				slog.String("resource", string(step.kind)),
				slog.String("handle", step.handle),
				slog.Any("error", err))
			report.Failed = append(report.Failed, ReleaseFailure{
				Kind:   step.kind,
				Handle: step.handle,
				Error:  err.Error(),
			})
			if onFailure != nil {
				onFailure(step.kind)
			}
			continue
		}
		log.Debug("resource released",
			slog.String("resource", string(step.kind)),
			slog.String("handle", step.handle))
		report.Released = append(report.Released, step.kind)
	}
	return report
}
