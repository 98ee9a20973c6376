package tunnelctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hwbridge/devshared/internal/instance"
	"github.com/hwbridge/devshared/internal/proto"
)

type fakeEmitter struct {
	mu   sync.Mutex
	sent []proto.Frame
}

func (e *fakeEmitter) Send(cmd, mi string, fields map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, proto.New(cmd, mi, fields))
	return nil
}

func (e *fakeEmitter) EmitStatus(status string) error { return nil }

func (e *fakeEmitter) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.sent))
	for i, f := range e.sent {
		out[i] = f.Cmd
	}
	return out
}

func TestSearchForHubSuccess(t *testing.T) {
	replies := make(chan proto.Frame, 1)
	emitter := &fakeEmitter{}
	params := instance.ControllerParams{
		InstanceID: "i1",
		Emitter:    emitter,
		Replies:    replies,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		replies <- proto.New(proto.CmdThAccept, "correlation", map[string]any{
			"hub_id":       "h1",
			"address":      "hub.example.org",
			"host_key":     "ecdsa-sha2-nistp256 AAAA...",
			"connect_user": "rrc",
			"listen_port":  float64(4022),
			"connect_port": float64(22),
		})
	}()

	hub, err := searchForHub(context.Background(), params, string(instance.ReverseTunnel), "tunkey.pub")
	if err != nil {
		t.Fatalf("searchForHub: %v", err)
	}
	if hub.HubID != "h1" || hub.Address != "hub.example.org" {
		t.Errorf("hub = %+v, unexpected", hub)
	}
	if hub.ListenPort != 4022 || hub.ConnectPort != 22 {
		t.Errorf("hub ports = %d/%d, want 4022/22", hub.ListenPort, hub.ConnectPort)
	}

	cmds := emitter.commands()
	if len(cmds) != 2 || cmds[0] != proto.CmdThSearch || cmds[1] != proto.CmdAck {
		t.Errorf("emitted commands = %v, want [TH_SEARCH ACK]", cmds)
	}
}

func TestSearchForHubContextCancelled(t *testing.T) {
	replies := make(chan proto.Frame)
	emitter := &fakeEmitter{}
	params := instance.ControllerParams{InstanceID: "i1", Emitter: emitter, Replies: replies}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := searchForHub(ctx, params, string(instance.ReverseTunnel), "")
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestReverseTunnelStopIsIdempotent(t *testing.T) {
	emitter := &fakeEmitter{}
	r := &ReverseTunnel{params: instance.ControllerParams{InstanceID: "i1", Emitter: emitter}}

	r.Stop()
	r.Stop()

	count := 0
	for _, c := range emitter.commands() {
		if c == proto.CmdSshtunDelete {
			count++
		}
	}
	if count != 1 {
		t.Errorf("SSHTUN_DELETE sent %d times, want 1", count)
	}
}

func TestVPNStopIsIdempotent(t *testing.T) {
	emitter := &fakeEmitter{}
	v := &VPN{params: instance.ControllerParams{InstanceID: "i1", Emitter: emitter}}

	v.Stop()
	v.Stop()

	count := 0
	for _, c := range emitter.commands() {
		if c == proto.CmdVpnDelete {
			count++
		}
	}
	if count != 1 {
		t.Errorf("VPN_DELETE sent %d times, want 1", count)
	}
}
