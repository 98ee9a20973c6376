// Package errs names the error kinds used across the daemon (spec §7).
// Call sites compare against these sentinels with errors.Is rather than
// matching on message text.
package errs

import "errors"

var (
	// ErrProtocolViolation marks a malformed frame, wrong v, or unknown cmd.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPreconditionFailure marks a command arriving in the wrong lifecycle
	// state, or key material that failed to parse.
	ErrPreconditionFailure = errors.New("precondition failure")

	// ErrProviderUnsupported marks a container provider tag outside the closed set.
	ErrProviderUnsupported = errors.New("provider unsupported")

	// ErrTimeout marks a bounded poll (address, host key, forwarded port)
	// that never completed.
	ErrTimeout = errors.New("timeout")

	// ErrSubprocessFailure marks a non-zero exit from a mandatory subprocess.
	ErrSubprocessFailure = errors.New("subprocess failure")

	// ErrTransientConnectivityLoss marks a control-channel network error
	// that is eligible for reconnect.
	ErrTransientConnectivityLoss = errors.New("transient connectivity loss")

	// ErrOperatorTermination marks a cancellation via signal or admin socket.
	ErrOperatorTermination = errors.New("operator termination")
)
