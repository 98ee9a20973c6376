// Package workspace models the Workspace Descriptor: the persistent,
// daemon-read-only identity of the piece of hardware being shared.
package workspace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider names the container runtime strategy used to realize a sandbox.
type Provider string

const (
	// ProviderDocker runs the sandbox as a Docker container reachable at
	// its own bridge-network address.
	ProviderDocker Provider = "docker"
	// ProviderPodman runs the sandbox under rootless Podman, reached
	// through a published loopback port instead of a routable address.
	ProviderPodman Provider = "podman"
	// ProviderProxy skips sandbox creation; the remote user is forwarded
	// directly to a pre-existing endpoint.
	ProviderProxy Provider = "proxy"
)

// Valid reports whether p is one of the closed set of known providers.
func (p Provider) Valid() bool {
	switch p {
	case ProviderDocker, ProviderPodman, ProviderProxy:
		return true
	default:
		return false
	}
}

// Descriptor is the persistent identity of what this device shares.
// It is written by an out-of-scope configuration tool; the daemon only
// ever reads it, once, at startup.
type Descriptor struct {
	ID         string   `yaml:"id"`
	Owner      string   `yaml:"owner"`
	Provider   Provider `yaml:"provider"`
	Image      string   `yaml:"image,omitempty"`
	ExtraArgs  []string `yaml:"extra_args,omitempty"`
	InitInside []string `yaml:"init_inside,omitempty"`
	PostTerm   []string `yaml:"post_termination,omitempty"`
}

// Parse reads and validates a Descriptor from a YAML file on disk.
func Parse(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workspace descriptor %q: %w", path, err)
	}
	return ParseBytes(data)
}

// ParseBytes reads and validates a Descriptor from raw YAML.
func ParseBytes(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse workspace descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the required fields and closed-set constraints.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workspace descriptor: id is required")
	}
	if d.Owner == "" {
		return fmt.Errorf("workspace descriptor: owner is required")
	}
	if d.Provider == "" {
		return fmt.Errorf("workspace descriptor %q: provider is required", d.ID)
	}
	if !d.Provider.Valid() {
		return fmt.Errorf("workspace descriptor %q: unknown provider %q", d.ID, d.Provider)
	}
	return nil
}

// AdminSocketPath returns the filesystem path of this workspace's local
// admin socket, rooted under the user's home directory.
func (d *Descriptor) AdminSocketPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return fmt.Sprintf("%s/.rerobots/hardshare.%s.sock", home, d.ID), nil
}
