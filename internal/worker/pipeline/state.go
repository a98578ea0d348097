// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pipeline

// State is the lifecycle state of a pipeline worker.
type State int

const (
	Stopped State = iota
	Starting
	Watching
	Backoff
	Stopping
	Faulted
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Watching:
		return "watching"
	case Backoff:
		return "backoff"
	case Stopping:
		return "stopping"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// StateTopic is the hub topic on which state changes are published.
const StateTopic = "cdc.pipeline.state"

// StateChange is the payload published on StateTopic.
type StateChange struct {
	Feed string
	From State
	To   State
	// Reason describes the error that caused the change, if any.
	Reason string
}
