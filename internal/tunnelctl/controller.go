// Package tunnelctl implements the two Tunnel Controllers (spec §4.3):
// the Reverse-Tunnel controller, which keeps a persistent ssh reverse
// forward alive to a rendezvous hub, and the VPN controller, which
// negotiates a client configuration and runs a VPN client inside the
// sandbox. Both share the TH_SEARCH/TH_ACCEPT hub-discovery handshake.
package tunnelctl

import (
	"context"
	"fmt"
	"time"

	"github.com/hwbridge/devshared/internal/control"
	"github.com/hwbridge/devshared/internal/instance"
	"github.com/hwbridge/devshared/internal/proto"
)

// thSearchTimeout bounds how long a controller waits for TH_ACCEPT after
// sending TH_SEARCH.
const thSearchTimeout = 45 * time.Second

// New builds the Controller for the requested connection type. It
// satisfies instance.ControllerFactory.
func New(ct instance.ConnType, params instance.ControllerParams) (instance.Controller, error) {
	switch ct {
	case instance.ReverseTunnel:
		return &ReverseTunnel{params: params}, nil
	case instance.VPN:
		return &VPN{params: params}, nil
	default:
		return nil, fmt.Errorf("tunnelctl: unknown connection type %q", ct)
	}
}

// searchForHub runs the common TH_SEARCH/TH_ACCEPT/ACK handshake and
// returns the resulting association.
func searchForHub(ctx context.Context, params instance.ControllerParams, mode string, optionalKey string) (instance.HubAssociation, error) {
	mi := control.NewCorrelationID()
	fields := map[string]any{"id": params.InstanceID, "mo": mode}
	if optionalKey != "" {
		fields["key"] = optionalKey
	}
	if err := params.Emitter.Send(proto.CmdThSearch, mi, fields); err != nil {
		return instance.HubAssociation{}, fmt.Errorf("send TH_SEARCH: %w", err)
	}

	select {
	case <-ctx.Done():
		return instance.HubAssociation{}, ctx.Err()
	case <-time.After(thSearchTimeout):
		return instance.HubAssociation{}, fmt.Errorf("TH_SEARCH: no TH_ACCEPT within %s", thSearchTimeout)
	case reply, ok := <-params.Replies:
		if !ok {
			return instance.HubAssociation{}, fmt.Errorf("TH_SEARCH: reply queue closed")
		}
		if reply.Cmd != proto.CmdThAccept {
			return instance.HubAssociation{}, fmt.Errorf("TH_SEARCH: unexpected reply %q", reply.Cmd)
		}
		hub := instance.HubAssociation{
			HubID:       reply.Str("hub_id"),
			Address:     reply.Str("address"),
			HostKey:     reply.Str("host_key"),
			ConnectUser: reply.Str("connect_user"),
		}
		if v, ok := reply.Fields["listen_port"].(float64); ok {
			hub.ListenPort = int(v)
		}
		if v, ok := reply.Fields["connect_port"].(float64); ok {
			hub.ConnectPort = int(v)
		}
		if err := params.Emitter.Send(proto.CmdAck, reply.MI, nil); err != nil {
			return instance.HubAssociation{}, fmt.Errorf("ack TH_ACCEPT: %w", err)
		}
		return hub, nil
	}
}
