package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/hwbridge/devshared/internal/errs"
)

func TestFakeCreateDestroyLifecycle(t *testing.T) {
	f := &Fake{}
	ctx := context.Background()

	if err := f.Create(ctx, "rrc", "hs.example.org/generic:latest", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	insp, err := f.InspectInstance(ctx, "rrc")
	if err != nil {
		t.Fatalf("InspectInstance: %v", err)
	}
	if !insp.HasInstance {
		t.Fatalf("expected HasInstance=true after Create")
	}

	if err := f.Destroy(ctx, "rrc"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	insp, err = f.InspectInstance(ctx, "rrc")
	if err != nil {
		t.Fatalf("InspectInstance: %v", err)
	}
	if insp.HasInstance {
		t.Fatalf("expected HasInstance=false after Destroy")
	}
}

func TestFakeCreateErr(t *testing.T) {
	wantErr := errors.New("boom")
	f := &Fake{CreateErr: wantErr}
	if err := f.Create(context.Background(), "rrc", "img", nil); err != wantErr {
		t.Fatalf("Create: got %v, want %v", err, wantErr)
	}
}

func TestCLIProviderDockerDoesNotPublishPort(t *testing.T) {
	c := &CLIProvider{Runtime: "docker", PublishSSHPort: false}
	addr, err := (&Fake{AddressFn: func(string) (string, error) { return "172.17.0.2", nil }}).Address(context.Background(), "rrc")
	if err != nil || addr != "172.17.0.2" {
		t.Fatalf("sanity check on fake address failed: %v %v", addr, err)
	}
	if c.PublishSSHPort {
		t.Fatalf("docker provider should not publish the ssh port")
	}
}

func TestCLIProviderPodmanPublishesPort(t *testing.T) {
	c := &CLIProvider{Runtime: "podman", PublishSSHPort: true}
	addr, err := c.Address(context.Background(), "rrc")
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if addr != "127.0.0.1" {
		t.Fatalf("podman provider should resolve to loopback, got %q", addr)
	}
}

func TestInstallAuthorizedKeyMalformedIsPrecondition(t *testing.T) {
	c := &CLIProvider{Runtime: "docker"}
	err := c.InstallAuthorizedKey(context.Background(), "rrc", []byte("not a valid key"))
	if !errors.Is(err, errs.ErrPreconditionFailure) {
		t.Fatalf("got %v, want wrapped errs.ErrPreconditionFailure", err)
	}
}

func TestProbeDaemonEmptyPath(t *testing.T) {
	if probeDaemon("") {
		t.Fatal("probeDaemon(\"\") should report false with no admin socket configured")
	}
}

func TestProbeDaemonNoListener(t *testing.T) {
	if probeDaemon("/nonexistent/admin.sock") {
		t.Fatal("probeDaemon should report false when nothing is listening")
	}
}

func TestCLIProviderInspectInstanceDaemonFound(t *testing.T) {
	c := &CLIProvider{Runtime: "docker", AdminSocketPath: "/nonexistent/admin.sock"}
	insp, err := c.InspectInstance(context.Background(), "rrc")
	if err != nil {
		t.Fatalf("InspectInstance: %v", err)
	}
	if insp.DaemonFound {
		t.Fatal("DaemonFound should be false when no daemon is listening on AdminSocketPath")
	}
}

func TestProxyProviderInspectInstanceDaemonFound(t *testing.T) {
	p := &ProxyProvider{TargetAddr: "10.0.0.5:22", AdminSocketPath: "/nonexistent/admin.sock"}
	insp, err := p.InspectInstance(context.Background(), "rrc")
	if err != nil {
		t.Fatalf("InspectInstance: %v", err)
	}
	if insp.DaemonFound {
		t.Fatal("DaemonFound should be false when no daemon is listening on AdminSocketPath")
	}
	if !insp.HasInstance {
		t.Fatal("proxy InspectInstance should always report HasInstance=true")
	}
}

func TestFakeSpawnSupervisedInsideRecordsCall(t *testing.T) {
	f := &Fake{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.SpawnSupervisedInside(ctx, "rrc", []string{"wg-quick", "up", "wg0"}, SupervisedOptions{})
	if len(f.ExecCalls) != 1 {
		t.Fatalf("ExecCalls = %v, want one recorded call", f.ExecCalls)
	}
	want := []string{"<inside:rrc>", "wg-quick", "up", "wg0"}
	got := f.ExecCalls[0]
	if len(got) != len(want) {
		t.Fatalf("ExecCalls[0] = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ExecCalls[0] = %v, want %v", got, want)
		}
	}
}
