package tunnelctl

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hwbridge/devshared/internal/instance"
	"github.com/hwbridge/devshared/internal/proto"
	"github.com/hwbridge/devshared/internal/sandbox"
)

// ReverseTunnel keeps a persistent outbound ssh reverse-forward alive
// from the device to the rendezvous hub (spec §4.3).
type ReverseTunnel struct {
	params instance.ControllerParams

	proc     *sandbox.Supervised
	stopOnce sync.Once
}

func (r *ReverseTunnel) Run(ctx context.Context) {
	var tunnelPubKey string
	if r.params.TunnelKeyPath != "" {
		raw, err := os.ReadFile(r.params.TunnelKeyPath + ".pub")
		if err != nil {
			log.Printf("[tunnelctl] %s: read tunnel public key: %v", r.params.InstanceID, err)
		}
		tunnelPubKey = strings.TrimSpace(string(raw))
	}
	hub, err := searchForHub(ctx, r.params, string(instance.ReverseTunnel), tunnelPubKey)
	if err != nil {
		log.Printf("[tunnelctl] %s: reverse-tunnel hub search: %v", r.params.InstanceID, err)
		return
	}
	if r.params.OnHubAssoc != nil {
		r.params.OnHubAssoc(hub)
	}

	sandboxPort := "22"
	if r.params.ForwardedPort != 0 {
		sandboxPort = strconv.Itoa(r.params.ForwardedPort)
	}

	argv := []string{
		"ssh",
		"-o", "ServerAliveInterval=10",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-T", "-N",
		"-R", fmt.Sprintf(":%d:%s:%s", hub.ListenPort, r.params.Address, sandboxPort),
		"-i", r.params.TunnelKeyPath,
		"-p", strconv.Itoa(hub.ConnectPort),
		fmt.Sprintf("%s@%s", hub.ConnectUser, hub.Address),
	}

	opts := sandbox.SupervisedOptions{
		Name: "sshtun:" + r.params.InstanceID,
		OnRespawn: func(count int) {
			log.Printf("[tunnelctl] %s: sshtun respawned (count=%d)", r.params.InstanceID, count)
			if r.params.Metrics != nil {
				r.params.Metrics.Respawns.WithLabelValues("sshtun").Inc()
			}
		},
	}
	r.proc = r.params.Provider.SpawnSupervised(ctx, argv, opts)

	if r.params.OnReady != nil {
		r.params.OnReady()
	}

	<-ctx.Done()
	r.Stop()
}

func (r *ReverseTunnel) Stop() {
	r.stopOnce.Do(func() {
		if r.proc != nil {
			r.proc.Stop()
		}
		_ = r.params.Emitter.Send(proto.CmdSshtunDelete, "", nil)
	})
}
