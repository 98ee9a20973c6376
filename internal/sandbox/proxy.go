package sandbox

import (
	"context"
	"fmt"
	"time"
)

// ProxyProvider implements Provider for the ProviderProxy tag: the remote
// user is forwarded directly to a pre-existing endpoint, so sandbox
// creation, inspection, and teardown are all no-ops beyond bookkeeping.
type ProxyProvider struct {
	// TargetAddr is the pre-existing address the caller should forward to.
	TargetAddr string

	// AdminSocketPath, if set, is probed by InspectInstance to populate
	// Inspection.DaemonFound.
	AdminSocketPath string
}

func (p *ProxyProvider) Create(ctx context.Context, name, image string, extraArgs []string) error {
	return nil
}

func (p *ProxyProvider) Address(ctx context.Context, name string) (string, error) {
	return p.TargetAddr, nil
}

func (p *ProxyProvider) ForwardedSSHPort(ctx context.Context, name string, timeout time.Duration) (int, error) {
	return 0, fmt.Errorf("proxy provider: no forwarded port")
}

func (p *ProxyProvider) HostKey(ctx context.Context, name, localPath string, timeout time.Duration) error {
	return fmt.Errorf("proxy provider: no sandbox host key")
}

func (p *ProxyProvider) InstallAuthorizedKey(ctx context.Context, name string, publicKeyMaterial []byte) error {
	return nil
}

func (p *ProxyProvider) RegenerateHostKeys(ctx context.Context, name string) error {
	return nil
}

func (p *ProxyProvider) ExecInside(ctx context.Context, name string, argv []string) error {
	return fmt.Errorf("proxy provider: cannot exec inside a proxied endpoint")
}

func (p *ProxyProvider) CopyIn(ctx context.Context, name, localPath, remotePath string) error {
	return fmt.Errorf("proxy provider: cannot copy into a proxied endpoint")
}

func (p *ProxyProvider) Destroy(ctx context.Context, name string) error {
	return nil
}

func (p *ProxyProvider) SpawnSupervised(ctx context.Context, argv []string, opts SupervisedOptions) *Supervised {
	return newSupervised(ctx, argv, opts)
}

func (p *ProxyProvider) SpawnSupervisedInside(ctx context.Context, name string, argv []string, opts SupervisedOptions) *Supervised {
	return newSupervised(ctx, argv, opts)
}

func (p *ProxyProvider) InspectInstance(ctx context.Context, name string) (*Inspection, error) {
	return &Inspection{Provider: "proxy", HasInstance: true, DaemonFound: probeDaemon(p.AdminSocketPath)}, nil
}
