// Package pipeline chains stage jobs on the shared queue and runs them on a
// fixed pool of workers, retrying with each stage's policy and escalating a
// chain once when it cannot finish.
package pipeline

import (
	"time"

	"github.com/zulandar/snapline/internal/stages"
)

// Policy is a stage's retry budget. MaxRetries counts retries, so a stage
// runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries int
	Base       time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Base * time.Duration(attempt)
}

// Policies holds the retry policy of every stage.
var Policies = map[string]Policy{
	stages.StageWriteScript:   {MaxRetries: 3, Base: 60 * time.Second},
	stages.StageReviseScript:  {MaxRetries: 2, Base: 30 * time.Second},
	stages.StageGenerateVoice: {MaxRetries: 2, Base: 60 * time.Second},
	stages.StageDeliver:       {MaxRetries: 3, Base: 30 * time.Second},
}

// PolicyFor returns the policy for stage. Unknown stages are not retried.
func PolicyFor(stage string) Policy {
	return Policies[stage]
}

// Pipelines are the stage sequences a chain can run.
var (
	ScriptPipeline   = []string{stages.StageWriteScript}
	RevisionPipeline = []string{stages.StageReviseScript}
	VoicePipeline    = []string{stages.StageGenerateVoice, stages.StageDeliver}
)
