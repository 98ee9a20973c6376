// Package instance implements the Instance State Machine (spec §4.2):
// the lifecycle of one sandbox, from INIT through READY or INIT_FAIL to
// TERMINATED. A Machine holds at most one Instance at a time.
package instance

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hwbridge/devshared/internal/metrics"
	"github.com/hwbridge/devshared/internal/proto"
	"github.com/hwbridge/devshared/internal/sandbox"
	"github.com/hwbridge/devshared/internal/workspace"
)

// Deadlines for the bounded polls in steps 4-5 of launch (spec §5).
const (
	forwardedPortTimeout = 10 * time.Second
	hostKeyTimeout       = 45 * time.Second
)

// Status is one of the closed set {INIT, READY, INIT_FAIL, TERMINATED}.
type Status string

const (
	StatusInit       Status = "INIT"
	StatusReady      Status = "READY"
	StatusInitFail   Status = "INIT_FAIL"
	StatusTerminated Status = "TERMINATED"
)

// ConnType selects the tunnel strategy.
type ConnType string

const (
	ReverseTunnel ConnType = "sshtun"
	VPN           ConnType = "vpn"
)

// HubAssociation is the record returned by the coordinator identifying
// the rendezvous hub for one Instance (spec §3).
type HubAssociation struct {
	HubID       string
	Address     string
	HostKey     string
	ListenPort  int
	ConnectPort int
	ConnectUser string
}

// Emitter is the subset of the Control Channel the rest of the daemon
// uses to send device-originated frames.
type Emitter interface {
	Send(cmd, mi string, fields map[string]any) error
	EmitStatus(status string) error
}

// Controller is a running Tunnel Controller (§4.3); implemented by the
// tunnelctl package. Defined here, not there, so neither package imports
// the other's concrete types — only this interface and ControllerParams.
type Controller interface {
	Run(ctx context.Context)
	Stop()
}

// ControllerParams is everything a Tunnel Controller needs to run,
// assembled by the Instance once the sandbox is provisioned.
type ControllerParams struct {
	InstanceID    string
	SandboxName   string
	Address       string
	ForwardedPort int // ProviderPodman only
	TunnelKeyPath string
	Provider      sandbox.Provider
	Emitter       Emitter
	Replies       <-chan proto.Frame
	Metrics       *metrics.Registry
	OnReady       func()
	OnHubAssoc    func(HubAssociation)
}

// ControllerFactory builds a Controller for the given connection type.
type ControllerFactory func(ct ConnType, params ControllerParams) (Controller, error)

// QueueRegistrar creates/removes the per-instance reply queue owned by
// the Control Channel.
type QueueRegistrar interface {
	RegisterQueue(instanceID string) <-chan proto.Frame
	UnregisterQueue(instanceID string)
}

// Instance is one ephemeral sandbox session.
type Instance struct {
	ID       string
	ConnType ConnType
	Status   Status
	Hub      *HubAssociation

	sandboxName string
	controller  Controller
	cancel      context.CancelFunc
	done        chan struct{}
}

// Machine owns at most one Instance for one Workspace Descriptor.
type Machine struct {
	ws            *workspace.Descriptor
	provider      sandbox.Provider
	emitter       Emitter
	queues        QueueRegistrar
	factory       ControllerFactory
	metrics       *metrics.Registry
	tunnelKeyPath string

	mu      sync.Mutex
	current *Instance
}

// New builds a Machine for one workspace. tunnelKeyPath is the daemon's
// configured identity-file path for the Reverse-Tunnel strategy; it may
// be empty if the workspace never launches sshtun instances.
func New(ws *workspace.Descriptor, provider sandbox.Provider, emitter Emitter, queues QueueRegistrar, factory ControllerFactory, reg *metrics.Registry, tunnelKeyPath string) *Machine {
	return &Machine{ws: ws, provider: provider, emitter: emitter, queues: queues, factory: factory, metrics: reg, tunnelKeyPath: tunnelKeyPath}
}

// SetEmitter wires the Control Channel in after construction, breaking
// the construction cycle between Machine (a control.Dispatcher) and the
// Channel (an Emitter/QueueRegistrar). Must be called before Launch.
func (m *Machine) SetEmitter(emitter Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitter = emitter
}

// SetQueues wires the Control Channel's queue registrar in after
// construction; see SetEmitter.
func (m *Machine) SetQueues(queues QueueRegistrar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = queues
}

// Launch implements control.Dispatcher. It validates preconditions
// synchronously and, if accepted, runs the provisioning sequence in a
// goroutine so the caller can reply ACK immediately.
func (m *Machine) Launch(ctx context.Context, frame proto.Frame) bool {
	id := frame.Str("id")
	ct := ConnType(frame.Str("ct"))
	if ct == "" {
		ct = ReverseTunnel
	}
	pubKey := frame.Str("pr")

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return false
	}
	if ct == ReverseTunnel {
		if m.tunnelKeyPath == "" {
			m.mu.Unlock()
			return false
		}
		if _, err := os.Stat(m.tunnelKeyPath); err != nil {
			log.Printf("[instance] configured tunnel key %q missing: %v", m.tunnelKeyPath, err)
			m.mu.Unlock()
			return false
		}
	}

	instCtx, cancel := context.WithCancel(context.Background())
	inst := &Instance{ID: id, ConnType: ct, Status: StatusInit, cancel: cancel, done: make(chan struct{})}
	m.current = inst
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetStatus(string(StatusInit))
	}

	var initInside []string
	if m.ws != nil {
		initInside = m.ws.InitInside
	}
	go m.runLaunch(instCtx, inst, pubKey, initInside)
	return true
}

func (m *Machine) runLaunch(ctx context.Context, inst *Instance, initialPublicKey string, initInside []string) {
	defer close(inst.done)

	created := false
	fail := func(err error) {
		log.Printf("[instance] %s: launch failed: %v", inst.ID, err)
		if created {
			if derr := m.provider.Destroy(context.Background(), inst.sandboxName); derr != nil {
				log.Printf("[instance] %s: remove sandbox after failed launch: %v", inst.ID, derr)
			}
		}
		m.setStatus(inst, StatusInitFail)
		m.clearIfInitFail(inst)
	}

	sandboxName := "rrc-" + inst.ID
	inst.sandboxName = sandboxName

	tmpKey, err := writeTempKey(initialPublicKey)
	if err != nil {
		fail(err)
		return
	}
	defer os.Remove(tmpKey)

	image := ""
	var extraArgs []string
	if m.ws != nil {
		image = m.ws.Image
		extraArgs = m.ws.ExtraArgs
	}
	if err := m.provider.Create(ctx, sandboxName, image, extraArgs); err != nil {
		fail(fmt.Errorf("create sandbox: %w", err))
		return
	}
	created = true

	addr, err := m.provider.Address(ctx, sandboxName)
	if err != nil {
		fail(fmt.Errorf("resolve address: %w", err))
		return
	}
	var fwdPort int
	if needsForwardedPort(m.ws) {
		fwdPort, err = m.provider.ForwardedSSHPort(ctx, sandboxName, forwardedPortTimeout)
		if err != nil {
			fail(fmt.Errorf("forwarded ssh port: %w", err))
			return
		}
	}

	// ProviderProxy forwards to a pre-existing endpoint that manages its
	// own host identity and authorization; there is no sandbox to
	// provision, so the steps below do not apply (spec §3/§4.1).
	if !isProxy(m.ws) {
		hostKeyPath := sandboxName + ".ssh_host_ecdsa_key.pub"
		if err := m.provider.HostKey(ctx, sandboxName, hostKeyPath, hostKeyTimeout); err != nil {
			fail(fmt.Errorf("host key: %w", err))
			return
		}
		defer os.Remove(hostKeyPath)

		if err := m.provider.RegenerateHostKeys(ctx, sandboxName); err != nil {
			fail(fmt.Errorf("regenerate host keys: %w", err))
			return
		}
		keyMaterial, err := os.ReadFile(tmpKey)
		if err != nil {
			fail(fmt.Errorf("read initial public key: %w", err))
			return
		}
		if err := m.provider.InstallAuthorizedKey(ctx, sandboxName, keyMaterial); err != nil {
			fail(fmt.Errorf("install authorized key: %w", err))
			return
		}

		for _, cmd := range initInside {
			if err := m.provider.ExecInside(ctx, sandboxName, []string{"sh", "-c", cmd}); err != nil {
				fail(fmt.Errorf("init_inside %q: %w", cmd, err))
				return
			}
		}
	}

	m.setStatus(inst, StatusInit) // still INIT; emitted explicitly per spec step 8
	_ = m.emitter.EmitStatus(string(StatusInit))

	queue := m.queues.RegisterQueue(inst.ID)
	params := ControllerParams{
		InstanceID:    inst.ID,
		SandboxName:   sandboxName,
		Address:       addr,
		ForwardedPort: fwdPort,
		TunnelKeyPath: m.tunnelKeyPath,
		Provider:      m.provider,
		Emitter:       m.emitter,
		Replies:       queue,
		Metrics:       m.metrics,
		OnReady: func() {
			m.setStatus(inst, StatusReady)
			_ = m.emitter.EmitStatus(string(StatusReady))
		},
		OnHubAssoc: func(h HubAssociation) {
			m.mu.Lock()
			inst.Hub = &h
			m.mu.Unlock()
		},
	}
	ctrl, err := m.factory(inst.ConnType, params)
	if err != nil {
		fail(fmt.Errorf("start tunnel controller: %w", err))
		return
	}
	m.mu.Lock()
	inst.controller = ctrl
	m.mu.Unlock()
	ctrl.Run(ctx)
}

// Destroy implements control.Dispatcher.
func (m *Machine) Destroy(ctx context.Context) bool {
	m.mu.Lock()
	inst := m.current
	m.mu.Unlock()
	if inst == nil {
		return false
	}

	inst.cancel()
	<-inst.done
	if inst.controller != nil {
		inst.controller.Stop()
	}
	m.queues.UnregisterQueue(inst.ID)
	if inst.sandboxName != "" {
		if err := m.provider.Destroy(context.Background(), inst.sandboxName); err != nil {
			log.Printf("[instance] %s: destroy sandbox: %v", inst.ID, err)
		}
	}
	m.runPostTermination(inst.ID)

	m.mu.Lock()
	inst.Status = StatusTerminated
	if m.current == inst {
		m.current = nil
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetStatus("NONE")
	}
	return true
}

// Status implements control.Dispatcher.
func (m *Machine) Status() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return string(m.current.Status), true
}

// CurrentID implements control.Dispatcher.
func (m *Machine) CurrentID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.ID, true
}

// HubAssociation implements control.Dispatcher.
func (m *Machine) HubAssociation() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Hub == nil {
		return "", false
	}
	return m.current.Hub.HubID, true
}

// ContainerName reports the current Instance's sandbox name, for the
// admin socket's ACTIVE:<name> reply.
func (m *Machine) ContainerName() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.sandboxName, true
}

func (m *Machine) setStatus(inst *Instance, s Status) {
	m.mu.Lock()
	inst.Status = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetStatus(string(s))
	}
}

// clearIfInitFail implements the redesign in spec §9: once INIT_FAIL has
// been reported, the workspace is immediately eligible for a new launch.
func (m *Machine) clearIfInitFail(inst *Instance) {
	_ = m.emitter.EmitStatus(string(StatusInitFail))
	m.mu.Lock()
	if m.current == inst {
		m.current = nil
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetStatus("NONE")
	}
}

// runPostTermination runs the workspace's host-side post_termination
// commands once a sandbox has been torn down (e.g. releasing a GPIO pin
// or power-cycling attached hardware). Failures are logged, not escalated:
// Destroy always completes.
func (m *Machine) runPostTermination(instanceID string) {
	if m.ws == nil {
		return
	}
	for _, cmd := range m.ws.PostTerm {
		out, err := exec.Command("sh", "-c", cmd).CombinedOutput()
		if err != nil {
			log.Printf("[instance] %s: post_termination %q: %v: %s", instanceID, cmd, err, bytes.TrimSpace(out))
		}
	}
}

func needsForwardedPort(ws *workspace.Descriptor) bool {
	return ws != nil && ws.Provider == workspace.ProviderPodman
}

func isProxy(ws *workspace.Descriptor) bool {
	return ws != nil && ws.Provider == workspace.ProviderProxy
}

func writeTempKey(material string) (string, error) {
	f, err := os.CreateTemp("", "initial_publickey-*")
	if err != nil {
		return "", fmt.Errorf("write initial public key: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(material); err != nil {
		return "", fmt.Errorf("write initial public key: %w", err)
	}
	return f.Name(), nil
}
