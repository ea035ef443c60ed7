package ports

import (
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/xjson"
)

// DecisionType enumerates the requests a definition may make of the core.
type DecisionType string

const (
	DecisionRunStep     DecisionType = "run_step"
	DecisionSleep       DecisionType = "sleep"
	DecisionAwaitSignal DecisionType = "await_signal"
	DecisionComplete    DecisionType = "complete"
	DecisionFail        DecisionType = "fail"
)

// Decision is the next logical action a workflow definition requests given
// folded state. The core treats the producing function as opaque,
// deterministic and side-effect free; it never parses workflow source.
type Decision struct {
	Type DecisionType

	StepName  string
	StepInput xjson.RawMessage

	SleepName string
	SleepFor  time.Duration

	SignalName string

	Result xjson.RawMessage
	Error  string
}

// DecisionFunc maps derived state to the next decision. It must be pure:
// same state in, same decision out, on every scheduler instance.
type DecisionFunc func(state *domain.DerivedState) (Decision, error)

// DefinitionRegistryPort resolves decision functions per workflow type and
// version. Executions pin the version they were started with.
type DefinitionRegistryPort interface {
	Register(workflowType string, version int, fn DecisionFunc) error
	Lookup(workflowType string, version int) (DecisionFunc, bool)
	LatestVersion(workflowType string) (int, bool)
}
