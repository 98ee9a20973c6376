// Package supervisor wires together the Workspace Descriptor, Sandbox
// Provider, Instance State Machine, Control Channel, Local Admin Socket,
// and metrics listener into one running daemon (spec §4.6). It is the
// only package that imports instance, control, and tunnelctl together.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hwbridge/devshared/internal/adminsock"
	"github.com/hwbridge/devshared/internal/control"
	"github.com/hwbridge/devshared/internal/errs"
	"github.com/hwbridge/devshared/internal/instance"
	"github.com/hwbridge/devshared/internal/metrics"
	"github.com/hwbridge/devshared/internal/sandbox"
	"github.com/hwbridge/devshared/internal/tunnelctl"
	"github.com/hwbridge/devshared/internal/workspace"
)

// Config holds everything needed to start the daemon.
type Config struct {
	DescriptorPath string
	CoordinatorURL string // base websocket URL; /ad/<workspace_id> is appended
	Token          string
	TunnelKeyPath  string
	MetricsAddr    string // loopback address for the /metrics listener
}

// Run loads the workspace descriptor, constructs the daemon's tasks, and
// blocks until SIGINT/SIGTERM or an unrecoverable Control Channel error.
// It returns nil on a clean shutdown.
func Run(cfg Config) error {
	signal.Ignore(syscall.SIGHUP)
	sigCtx, cancelSig := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelSig()
	// runCtx is also cancelable from the admin socket's TERMINATE handler,
	// so an operator-initiated shutdown stops the Control Channel and
	// causes Run to return exactly like a signal does (spec §4.5/§6).
	runCtx, cancelRun := context.WithCancel(sigCtx)
	defer cancelRun()

	ws, err := workspace.Parse(cfg.DescriptorPath)
	if err != nil {
		return fmt.Errorf("supervisor: load workspace descriptor: %w", err)
	}

	sockPath, err := ws.AdminSocketPath()
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	provider, err := buildProvider(ws, sockPath)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	reg := metrics.New()
	reg.SetStatus("NONE")

	mach, channel := wire(ws, provider, reg, cfg)

	adminSrv := adminsock.NewServer(sockPath, &adminHandler{mach: mach, cancel: cancelRun})
	if err := adminSrv.Start(); err != nil {
		return fmt.Errorf("supervisor: start admin socket: %w", err)
	}
	defer adminSrv.Stop()

	controlErr := make(chan error, 1)
	go func() { controlErr <- channel.Run(runCtx) }()

	metricsDone := make(chan struct{})
	if cfg.MetricsAddr != "" {
		go func() {
			defer close(metricsDone)
			reg.Serve(runCtx, cfg.MetricsAddr)
		}()
	} else {
		close(metricsDone)
	}

	log.Printf("[supervisor] ready: workspace=%s pid=%d", ws.ID, os.Getpid())

	select {
	case <-runCtx.Done():
		log.Printf("[supervisor] shutting down")
		<-controlErr
		<-metricsDone
		return nil
	case err := <-controlErr:
		cancelRun()
		<-metricsDone
		if err != nil {
			return fmt.Errorf("supervisor: control channel: %w", err)
		}
		return nil
	}
}

func buildProvider(ws *workspace.Descriptor, sockPath string) (sandbox.Provider, error) {
	switch ws.Provider {
	case workspace.ProviderDocker:
		return &sandbox.CLIProvider{Runtime: "docker", AdminSocketPath: sockPath}, nil
	case workspace.ProviderPodman:
		return &sandbox.CLIProvider{Runtime: "podman", PublishSSHPort: true, AdminSocketPath: sockPath}, nil
	case workspace.ProviderProxy:
		return &sandbox.ProxyProvider{TargetAddr: ws.Image, AdminSocketPath: sockPath}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errs.ErrProviderUnsupported, ws.Provider)
	}
}

func wire(ws *workspace.Descriptor, provider sandbox.Provider, reg *metrics.Registry, cfg Config) (*instance.Machine, *control.Channel) {
	factory := func(ct instance.ConnType, params instance.ControllerParams) (instance.Controller, error) {
		return tunnelctl.New(ct, params)
	}

	mach := instance.New(ws, provider, nil, nil, factory, reg, cfg.TunnelKeyPath)
	channel := control.New(cfg.CoordinatorURL+"/ad/"+ws.ID, cfg.Token, mach, reg)
	mach.SetEmitter(channel)
	mach.SetQueues(channel)
	return mach, channel
}

type adminHandler struct {
	mach   *instance.Machine
	cancel context.CancelFunc
}

func (h *adminHandler) Status() (bool, string) {
	name, ok := h.mach.ContainerName()
	return ok, name
}

// Terminate implements the admin socket's TERMINATE request: it tears down
// the current Instance, then cancels the Control Channel task so the
// daemon exits cleanly (spec §4.5/§6, scenario 6).
func (h *adminHandler) Terminate() {
	h.mach.Destroy(context.Background())
	h.cancel()
}
