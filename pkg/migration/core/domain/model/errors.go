package model

import "errors"

// Sentinel errors surfaced by name in §4/§8: matched with errors.Is by callers
// that need to branch on them (the Orchestrator's pre-validate path, the Lock
// Manager's acquire path, the Planner's admission path).
var (
	// ErrLockBusy is returned by a non-blocking lock acquisition attempt that loses
	// contention to another holder.
	ErrLockBusy = errors.New("LockBusy")

	// ErrTopologyStale names a step resumed against a topology_version no longer
	// available. No component returns it: nothing compares a Plan's
	// TopologyVersion with the current topology.
	ErrTopologyStale = errors.New("TopologyStaleError")

	// ErrPlanCycle is returned when the Planner detects a cyclic step dependency.
	ErrPlanCycle = errors.New("PlanCycleError")

	// ErrTerminalMigration is returned when an operation targets a Migration already
	// in a terminal state (e.g. resuming a cancelled migration under the same request id).
	ErrTerminalMigration = errors.New("migration is in a terminal state")

	// ErrLockUnavailable is returned when contention on a lease exceeds the
	// configured threshold, failing the step rather than continuing to retry.
	ErrLockUnavailable = errors.New("LockUnavailable")

	// ErrStaleFencingToken is returned by the Status Store when a write
	// presents a fencing token older than the resource's current lease,
	// meaning the writer was fenced out by a takeover after it started.
	ErrStaleFencingToken = errors.New("StaleFencingToken")
)
