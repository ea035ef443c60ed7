// Package keel provides an embeddable durable-execution engine for Go
// applications.
//
// Workflows are modeled as an append-only log of events per execution.
// Progress is derived by folding that log through a pure state machine and
// asking a registered decision function what to do next; the resulting
// steps run in external worker processes and report back through
// idempotency-keyed tasks. Ownership of each execution is held under a
// TTL lease with a fencing token, so a crashed or deposed scheduler can
// never corrupt the log.
//
// Basic usage:
//
//	engine, _ := keel.New(keel.DefaultConfig())
//	engine.RegisterDefinition("userSignupFlow", 1, func(state *keel.State) (keel.Decision, error) {
//	    if _, done := state.StepCompleted("createAccount"); !done {
//	        return keel.RunStep("createAccount", state.Input), nil
//	    }
//	    if !state.TimerElapsed("welcomeDelay") {
//	        return keel.Sleep("welcomeDelay", time.Hour), nil
//	    }
//	    if _, done := state.StepCompleted("sendWelcomeEmail"); !done {
//	        return keel.RunStep("sendWelcomeEmail", nil), nil
//	    }
//	    return keel.Complete(nil), nil
//	})
//	engine.Start(context.Background())
//	id, _ := engine.StartExecution(ctx, "", "userSignupFlow", 0, input)
package keel

import (
	"github.com/eleven-am/keel/internal/core"
)

// Engine is the embeddable scheduler instance. Construct one per process
// with New, register definitions, then Start it.
type Engine = core.Manager

// New builds an Engine from the supplied configuration.
func New(cfg Config) (*Engine, error) {
	return core.NewManager(cfg)
}

// NewWithDefaults builds an Engine with the default configuration rooted
// at dataDir.
func NewWithDefaults(dataDir string) (*Engine, error) {
	cfg := DefaultConfig()
	cfg.DataDir = dataDir
	return core.NewManager(cfg)
}
