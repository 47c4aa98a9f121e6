package localapi

import (
	"context"
	"errors"
)

// ErrUnknownTask marks a task name the runner does not implement. The handler
// turns it into a client error rather than a server one.
var ErrUnknownTask = errors.New("unknown task")

// TaskRunner executes one named task against a snapshot of the vault data and
// returns the content to record in the vault. Implementations decide which
// task names they accept; unknown names fail with ErrUnknownTask.
type TaskRunner interface {
	Run(ctx context.Context, task string, vault map[string]any) (map[string]any, error)
}

// unconfiguredRunner rejects everything. It is the default so the server
// stays functional for vault access even when no task engine is wired in.
type unconfiguredRunner struct{}

func (unconfiguredRunner) Run(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, errors.New("no task runner configured")
}
