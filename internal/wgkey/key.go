// Package wgkey generates WireGuard key pairs for VPN Tunnel Controller
// peers (spec §4.3's pk enrichment). Each VPN instance gets a fresh
// keypair; nothing here persists to disk, matching the no-persistence
// constraint on instance state.
package wgkey

import (
	"encoding/base64"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair holds a WireGuard private/public key pair.
type KeyPair struct {
	private wgtypes.Key
	public  wgtypes.Key
}

// Generate creates a new random WireGuard key pair.
func Generate() (*KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &KeyPair{
		private: priv,
		public:  priv.PublicKey(),
	}, nil
}

// PrivateKeyBase64 returns the private key base64-encoded, for the local
// half of the client configuration blob.
func (kp *KeyPair) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.private[:])
}

// PublicKeyBase64 returns the public key base64-encoded, sent to the
// coordinator as VPN_NEWCLIENT's pk field.
func (kp *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.public[:])
}
