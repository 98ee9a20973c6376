// Package sandbox is the Subprocess Adapter: a provider-agnostic API in
// front of the container runtime and the secure-shell client. It is the
// only package in this daemon that touches the outside world, which is
// what lets the rest of the code be driven by a fake in tests.
package sandbox

import (
	"context"
	"time"

	"github.com/hwbridge/devshared/internal/adminsock"
)

// Container is the read-only snapshot returned by InspectInstance on success.
type Container struct {
	Name       string
	ID         string
	Created    string
	ImageID    string
	ImageTags  []string
}

// Inspection is the result of InspectInstance: a provider-agnostic health
// check of both the daemon (via the admin socket) and the sandbox (via the
// container runtime).
type Inspection struct {
	DaemonFound bool
	Provider    string
	HasInstance bool
	Container   *Container
}

// Provider is the Subprocess Adapter's interface. Every method that talks
// to a subprocess takes a context so callers can bound or cancel it.
type Provider interface {
	// Create launches a detached sandbox named name running image, with
	// extraArgs appended to the runtime invocation.
	Create(ctx context.Context, name, image string, extraArgs []string) error

	// Address returns the network address at which the sandbox's ssh
	// port is reachable (a routable IP for ProviderDocker, the loopback
	// address for ProviderPodman).
	Address(ctx context.Context, name string) (string, error)

	// ForwardedSSHPort polls until a host-side forwarded port exists for
	// the sandbox's ssh port, or returns errs.ErrTimeout.
	ForwardedSSHPort(ctx context.Context, name string, timeout time.Duration) (int, error)

	// HostKey copies the sandbox's ECDSA host public key to localPath,
	// polling until it exists or returning errs.ErrTimeout.
	HostKey(ctx context.Context, name, localPath string, timeout time.Duration) error

	// InstallAuthorizedKey installs publicKeyMaterial as the sandbox's
	// initial ssh authorization.
	InstallAuthorizedKey(ctx context.Context, name string, publicKeyMaterial []byte) error

	// RegenerateHostKeys removes the sandbox's existing ssh host keys and
	// generates fresh ones.
	RegenerateHostKeys(ctx context.Context, name string) error

	// ExecInside synchronously runs argv inside the sandbox.
	ExecInside(ctx context.Context, name string, argv []string) error

	// CopyIn copies the file at localPath to remotePath inside the sandbox.
	CopyIn(ctx context.Context, name, localPath, remotePath string) error

	// Destroy force-removes the sandbox. Idempotent.
	Destroy(ctx context.Context, name string) error

	// SpawnSupervised starts a long-running, auto-respawned child.
	SpawnSupervised(ctx context.Context, argv []string, opts SupervisedOptions) *Supervised

	// SpawnSupervisedInside starts a long-running, auto-respawned child
	// running argv inside the sandbox, routed through the provider's own
	// runtime invocation rather than a hardcoded binary name.
	SpawnSupervisedInside(ctx context.Context, name string, argv []string, opts SupervisedOptions) *Supervised

	// InspectInstance reports the current sandbox state for diagnostics.
	InspectInstance(ctx context.Context, name string) (*Inspection, error)
}

// probeDaemon reports whether a daemon is listening on the workspace's
// admin socket, for Inspection.DaemonFound (spec §4.1).
func probeDaemon(path string) bool {
	if path == "" {
		return false
	}
	_, err := adminsock.Status(path)
	return err == nil
}
