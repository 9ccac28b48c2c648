// Package fault defines the error taxonomy shared by the provider and
// synthesis clients and interpreted by the generation orchestrator.
//
// Errors are classified by wrapping one of the sentinels with %w, e.g.
//
//	fmt.Errorf("provider: request timed out after %s: %w", d, fault.ErrTimeout)
//
// Callers classify with errors.Is. The orchestrator treats any of these
// from a single loop iteration as "this iteration produced nothing
// usable" and continues; only a run where every iteration fails is
// surfaced as a terminal failure.
package fault

import "errors"

var (
	// ErrNetwork indicates a connection or DNS-level failure before the
	// remote service could respond.
	ErrNetwork = errors.New("network error")

	// ErrTimeout indicates a budget was exceeded waiting for a remote
	// operation. Distinct from ErrBackend so retry policy can tell
	// "never finished" from "finished badly".
	ErrTimeout = errors.New("timeout")

	// ErrBackend indicates the remote service was reachable but returned
	// a non-success status or reported an execution failure.
	ErrBackend = errors.New("backend error")

	// ErrParse indicates structured-data extraction failed even after
	// repair. Never propagated past the provider client: evaluation
	// responses that fail to parse are replaced with a default verdict.
	ErrParse = errors.New("parse error")
)
