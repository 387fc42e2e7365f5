// internal/types/errors.go
package types

import "errors"

// Classified error sentinels. Services wrap these with fmt.Errorf("...: %w")
// and callers classify with errors.Is; the CLI maps classes to exit codes.
var (
	// ErrValidation marks caller-side errors: unknown keys, malformed flags.
	// Never retried.
	ErrValidation = errors.New("validation error")

	// ErrPrecondition marks a missing workspace, unmigrated schema, or an
	// unconfigured collaborator.
	ErrPrecondition = errors.New("precondition failed")

	// ErrStoreUnavailable marks a locked or corrupt database, surfaced after
	// retries with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrGatewayUnparseable marks a gateway analysis still missing required
	// fields after repair attempts.
	ErrGatewayUnparseable = errors.New("gateway analysis unparseable")

	// ErrAgentUnreachable marks a failed health check or adapter timeout.
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrResumeNotAllowed marks a manifest/state mismatch on job resume.
	ErrResumeNotAllowed = errors.New("resume not allowed")

	// ErrStepFailure marks a retryable agent/exec failure inside a trio step.
	ErrStepFailure = errors.New("step failure")

	// ErrCancelled marks cooperative cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal marks a violated invariant (unbroken cycle, migration
	// downgrade, corrupt checkpoint). Aborts the job.
	ErrFatal = errors.New("fatal")

	// ErrBadTimeRange marks an unparseable since/until value.
	ErrBadTimeRange = errors.New("bad time range")
)
