package sandbox

import (
	"context"
	"sync"
	"time"
)

// Fake is a scriptable Provider used by tests, per the design note in
// spec §9: the Subprocess Adapter is the only module that touches the
// outside world, so tests inject a fake that records invocations and
// scripts responses instead of shelling out.
type Fake struct {
	mu sync.Mutex

	AddressFn  func(name string) (string, error)
	HostKeyFn  func(name string) error
	PortFn     func(name string) (int, error)
	CreateErr  error
	DestroyErr error

	Created   []string
	Destroyed []string
	ExecCalls [][]string
	Copied    []string
}

func (f *Fake) Create(ctx context.Context, name, image string, extraArgs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.Created = append(f.Created, name)
	return nil
}

func (f *Fake) Address(ctx context.Context, name string) (string, error) {
	if f.AddressFn != nil {
		return f.AddressFn(name)
	}
	return "10.0.0.2", nil
}

func (f *Fake) ForwardedSSHPort(ctx context.Context, name string, timeout time.Duration) (int, error) {
	if f.PortFn != nil {
		return f.PortFn(name)
	}
	return 2222, nil
}

func (f *Fake) HostKey(ctx context.Context, name, localPath string, timeout time.Duration) error {
	if f.HostKeyFn != nil {
		return f.HostKeyFn(name)
	}
	return nil
}

func (f *Fake) InstallAuthorizedKey(ctx context.Context, name string, publicKeyMaterial []byte) error {
	return nil
}

func (f *Fake) RegenerateHostKeys(ctx context.Context, name string) error {
	return nil
}

func (f *Fake) ExecInside(ctx context.Context, name string, argv []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecCalls = append(f.ExecCalls, argv)
	return nil
}

func (f *Fake) CopyIn(ctx context.Context, name, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Copied = append(f.Copied, remotePath)
	return nil
}

func (f *Fake) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	f.Destroyed = append(f.Destroyed, name)
	return nil
}

func (f *Fake) SpawnSupervised(ctx context.Context, argv []string, opts SupervisedOptions) *Supervised {
	// Tests that need a real child use /bin/sh; those that don't call
	// Stop immediately never observe it running.
	return newSupervised(ctx, argv, opts)
}

func (f *Fake) SpawnSupervisedInside(ctx context.Context, name string, argv []string, opts SupervisedOptions) *Supervised {
	f.mu.Lock()
	f.ExecCalls = append(f.ExecCalls, append([]string{"<inside:" + name + ">"}, argv...))
	f.mu.Unlock()
	return newSupervised(ctx, argv, opts)
}

func (f *Fake) InspectInstance(ctx context.Context, name string) (*Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.Destroyed {
		if n == name {
			return &Inspection{Provider: "fake", HasInstance: false}, nil
		}
	}
	for _, n := range f.Created {
		if n == name {
			return &Inspection{Provider: "fake", HasInstance: true, Container: &Container{Name: name}}, nil
		}
	}
	return &Inspection{Provider: "fake", HasInstance: false}, nil
}
