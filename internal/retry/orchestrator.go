// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"time"

	"cbcore/internal/telemetry"
)

// Context travels with a request across its lifetime, accumulating retry
// history (spec.md §3, Request; §4.E).
type Context struct {
	Attempts       int
	BackoffHistory []time.Duration
	Reasons        []Reason
	// NetworkIOOccurred records whether any byte of this attempt's frame has
	// left the client, for the unambiguous-vs-ambiguous timeout decision
	// (spec.md §5, Cancellation).
	NetworkIOOccurred bool
}

// Outcome is what the orchestrator decided for one completion.
type Outcome int

const (
	// OutcomeDone means the caller's result (success or a terminal error)
	// should be delivered as-is.
	OutcomeDone Outcome = iota
	// OutcomeRetry means the caller is to re-dispatch after NextDelay() and
	// not invoke the user callback yet; Decide itself schedules nothing.
	OutcomeRetry
	// OutcomeUnambiguousTimeout means the deadline passed before any network
	// I/O occurred for the in-flight attempt.
	OutcomeUnambiguousTimeout
	// OutcomeAmbiguousTimeout means the deadline passed after the mutation
	// may have reached the server.
	OutcomeAmbiguousTimeout
)

// Orchestrator implements spec.md §4.E: given a classification, it consults
// a Strategy and the request deadline to decide whether, and when, to retry.
type Orchestrator struct {
	Strategy Strategy
}

// NewOrchestrator returns an Orchestrator using strategy, or the default
// best-effort strategy if strategy is nil.
func NewOrchestrator(strategy Strategy) *Orchestrator {
	if strategy == nil {
		strategy = NewBestEffortRetryStrategy()
	}
	return &Orchestrator{Strategy: strategy}
}

// Decide evaluates one completion. classification comes from ClassifyKVStatus
// (or an equivalent caller-supplied classification for HTTP-class services);
// now is injected so callers can test deadline arithmetic deterministically.
func (o *Orchestrator) Decide(ctx *Context, classification Classification, deadline time.Time, now time.Time) Outcome {
	if !classification.Retryable {
		return OutcomeDone
	}

	ctx.Attempts++
	ctx.Reasons = append(ctx.Reasons, classification.Reason)

	action := o.Strategy.ShouldRetry(classification.Reason, ctx.Attempts)
	if !action.Retry {
		return OutcomeDone
	}

	if !deadline.IsZero() && now.Add(action.Delay).After(deadline) {
		if ctx.NetworkIOOccurred {
			return OutcomeAmbiguousTimeout
		}
		return OutcomeUnambiguousTimeout
	}

	ctx.BackoffHistory = append(ctx.BackoffHistory, action.Delay)
	telemetry.ObserveRetry(string(classification.Reason))
	return OutcomeRetry
}

// NextDelay returns the delay from the most recent retry decision, or zero
// if none has been recorded yet. Callers use this to schedule the re-dispatch
// timer.
func (c *Context) NextDelay() time.Duration {
	if len(c.BackoffHistory) == 0 {
		return 0
	}
	return c.BackoffHistory[len(c.BackoffHistory)-1]
}

// ReasonStrings renders the accumulated retry reasons for an ErrorContext's
// RetryReasons field.
func (c *Context) ReasonStrings() []string {
	out := make([]string, len(c.Reasons))
	for i, r := range c.Reasons {
		out[i] = string(r)
	}
	return out
}
