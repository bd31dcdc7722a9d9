package assistant

import (
	"strings"

	"github.com/sashabaranov/go-openai"
)

// RunState is the lifecycle state of a provider run.
type RunState string

const (
	RunQueued         RunState = "queued"
	RunInProgress     RunState = "in_progress"
	RunCancelling     RunState = "cancelling"
	RunCompleted      RunState = "completed"
	RunFailed         RunState = "failed"
	RunCancelled      RunState = "cancelled"
	RunExpired        RunState = "expired"
	RunRequiresAction RunState = "requires_action"
	RunIncomplete     RunState = "incomplete"
)

// ParseRunState normalises a provider status. "running" is accepted as an
// alias of in_progress; unknown values are treated as still processing.
func ParseRunState(status string) RunState {
	s := RunState(strings.ToLower(strings.TrimSpace(status)))
	switch s {
	case "running":
		return RunInProgress
	case RunQueued, RunInProgress, RunCancelling, RunCompleted, RunFailed,
		RunCancelled, RunExpired, RunRequiresAction, RunIncomplete:
		return s
	default:
		return RunInProgress
	}
}

func stateOf(run openai.Run) RunState { return ParseRunState(string(run.Status)) }

// IsTerminal reports whether polling should stop.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunRequiresAction, RunIncomplete:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the run produced a reply.
func (s RunState) Succeeded() bool { return s == RunCompleted }
