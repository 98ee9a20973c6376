package tunnelctl

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hwbridge/devshared/internal/control"
	"github.com/hwbridge/devshared/internal/instance"
	"github.com/hwbridge/devshared/internal/proto"
	"github.com/hwbridge/devshared/internal/sandbox"
	"github.com/hwbridge/devshared/internal/wgkey"
)

// vpnRoundTimeout bounds each VPN_CREATE/VPN_NEWCLIENT request/response round.
const vpnRoundTimeout = 45 * time.Second

// privateKeyPlaceholder marks where the coordinator's client-config
// template expects the locally-generated private key to be substituted.
const privateKeyPlaceholder = "{{PRIVATE_KEY}}"

// preCommands are run inside the sandbox before the VPN client starts:
// a message bus and a name-resolution daemon, per spec §4.3.
var preCommands = [][]string{
	{"sh", "-c", "dbus-daemon --system --fork || true"},
	{"sh", "-c", "resolvconf -u || true"},
}

// VPN negotiates a client configuration with the coordinator and runs a
// VPN client inside the sandbox (spec §4.3).
type VPN struct {
	params instance.ControllerParams

	proc     *sandbox.Supervised
	stopOnce sync.Once
}

func (v *VPN) Run(ctx context.Context) {
	hub, err := searchForHub(ctx, v.params, string(instance.VPN), "")
	if err != nil {
		log.Printf("[tunnelctl] %s: vpn hub search: %v", v.params.InstanceID, err)
		return
	}
	if v.params.OnHubAssoc != nil {
		v.params.OnHubAssoc(hub)
	}

	if err := v.roundTrip(ctx, proto.CmdVpnCreate, nil); err != nil {
		log.Printf("[tunnelctl] %s: VPN_CREATE: %v", v.params.InstanceID, err)
		return
	}

	keys, err := wgkey.Generate()
	if err != nil {
		log.Printf("[tunnelctl] %s: generate VPN keypair: %v", v.params.InstanceID, err)
		return
	}
	reply, err := v.roundTrip(ctx, proto.CmdVpnNewClient, map[string]any{"pk": keys.PublicKeyBase64()})
	if err != nil {
		log.Printf("[tunnelctl] %s: VPN_NEWCLIENT: %v", v.params.InstanceID, err)
		return
	}
	configBlob := reply.Str("config")
	if configBlob == "" {
		log.Printf("[tunnelctl] %s: VPN_NEWCLIENT reply carried no configuration", v.params.InstanceID)
		return
	}
	// The coordinator never learns the private half of the keypair; its
	// template carries this placeholder for the device to fill in locally.
	configBlob = strings.Replace(configBlob, privateKeyPlaceholder, keys.PrivateKeyBase64(), 1)

	tmp, err := os.CreateTemp("", "vpn-client-*.conf")
	if err != nil {
		log.Printf("[tunnelctl] %s: write vpn config: %v", v.params.InstanceID, err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(configBlob); err != nil {
		tmp.Close()
		log.Printf("[tunnelctl] %s: write vpn config: %v", v.params.InstanceID, err)
		return
	}
	tmp.Close()

	const remoteConfigPath = "/etc/wireguard/wg0.conf"
	if err := v.params.Provider.CopyIn(ctx, v.params.SandboxName, tmp.Name(), remoteConfigPath); err != nil {
		log.Printf("[tunnelctl] %s: copy vpn config into sandbox: %v", v.params.InstanceID, err)
		return
	}
	for _, cmd := range preCommands {
		if err := v.params.Provider.ExecInside(ctx, v.params.SandboxName, cmd); err != nil {
			log.Printf("[tunnelctl] %s: vpn pre-command %v: %v", v.params.InstanceID, cmd, err)
		}
	}

	argv := []string{"wg-quick", "up", "wg0"}
	opts := sandbox.SupervisedOptions{
		Name: "vpn-client:" + v.params.InstanceID,
		OnRespawn: func(count int) {
			log.Printf("[tunnelctl] %s: vpn client respawned (count=%d)", v.params.InstanceID, count)
			if v.params.Metrics != nil {
				v.params.Metrics.Respawns.WithLabelValues("vpn").Inc()
			}
		},
	}
	v.proc = v.params.Provider.SpawnSupervisedInside(ctx, v.params.SandboxName, argv, opts)

	if v.params.OnReady != nil {
		v.params.OnReady()
	}

	<-ctx.Done()
	v.Stop()
}

func (v *VPN) roundTrip(ctx context.Context, cmd string, extra map[string]any) (proto.Frame, error) {
	mi := control.NewCorrelationID()
	fields := map[string]any{"id": v.params.InstanceID}
	for k, val := range extra {
		fields[k] = val
	}
	if err := v.params.Emitter.Send(cmd, mi, fields); err != nil {
		return proto.Frame{}, fmt.Errorf("send %s: %w", cmd, err)
	}
	select {
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	case <-time.After(vpnRoundTimeout):
		return proto.Frame{}, fmt.Errorf("%s: no reply within %s", cmd, vpnRoundTimeout)
	case reply, ok := <-v.params.Replies:
		if !ok {
			return proto.Frame{}, fmt.Errorf("%s: reply queue closed", cmd)
		}
		return reply, nil
	}
}

func (v *VPN) Stop() {
	v.stopOnce.Do(func() {
		if v.proc != nil {
			v.proc.Stop()
		}
		_ = v.params.Emitter.Send(proto.CmdVpnDelete, "", map[string]any{"id": v.params.InstanceID})
	})
}
