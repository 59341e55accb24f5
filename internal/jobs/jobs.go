package jobs

import (
	"context"
	"log/slog"
)

// StatusRecorder records the lifecycle of a brand's adapter training.
type StatusRecorder interface {
	SetTraining(ctx context.Context) error

	SetReady(ctx context.Context, modelPath string) error

	SetFailed(ctx context.Context, cause error) error
}

// RunRecorder is optionally implemented by a StatusRecorder to keep an audit
// record of each successful training upload.
type RunRecorder interface {
	RecordRun(ctx context.Context, variant, modelPath string, metadata any) error
}

// recordFailure marks the job failed. The cause is always returned
// to the caller; a failure to record it is only logged.
func recordFailure(ctx context.Context, status StatusRecorder, cause error) error {
	slog.Error("job failed", "error", cause)
	if err := status.SetFailed(context.WithoutCancel(ctx), cause); err != nil {
		slog.Error("error recording failed status", "error", err)
	}
	return cause
}
