package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hwbridge/devshared/internal/errs"
	"golang.org/x/crypto/ssh"
)

// CLIProvider shells out to a container-runtime binary ("docker" or
// "podman"). Both runtimes accept the same argv shapes for the operations
// this daemon needs; PublishSSHPort selects whether sandbox port 22 is
// published on a loopback host port (required for ProviderPodman, since
// rootless Podman containers are not reachable by a routable address the
// way a Docker bridge-network container is).
//
// Grounded on the teacher's internal/service/docker.go exec.Command +
// CombinedOutput wrapper pattern, generalized to every operation the
// Subprocess Adapter needs.
type CLIProvider struct {
	// Runtime is the binary to invoke: "docker" or "podman".
	Runtime string
	// PublishSSHPort requests a loopback-only forwarded host port for
	// sandbox port 22 at create time.
	PublishSSHPort bool
	// WorkDir is where fetched host keys are written.
	WorkDir string

	// AdminSocketPath, if set, is probed by InspectInstance to populate
	// Inspection.DaemonFound.
	AdminSocketPath string
}

func (c *CLIProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Runtime, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s %s: %w: %s", c.Runtime, strings.Join(args, " "), errs.ErrSubprocessFailure, bytes.TrimSpace(out))
		}
		return nil, fmt.Errorf("%s %s: %w: %s", c.Runtime, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

func (c *CLIProvider) Create(ctx context.Context, name, image string, extraArgs []string) error {
	args := []string{"run", "-d", "-h", name, "--name", name,
		"--device=/dev/net/tun:/dev/net/tun", "--cap-add=NET_ADMIN"}
	if c.PublishSSHPort {
		args = append(args, "-p", "127.0.0.1::22")
	}
	args = append(args, extraArgs...)
	args = append(args, image)
	_, err := c.run(ctx, args...)
	return err
}

// inspectRow mirrors the subset of `docker inspect`'s JSON shape this
// daemon reads (spec §6: Id, Created, Image, NetworkSettings.IPAddress).
// A local struct is used instead of github.com/docker/docker's API types
// because this provider talks to the CLI binary, not the Engine API over
// HTTP; see DESIGN.md for the full rationale.
type inspectRow struct {
	ID      string `json:"Id"`
	Created string `json:"Created"`
	Image   string `json:"Image"`
	Network struct {
		IPAddress string `json:"IPAddress"`
	} `json:"NetworkSettings"`
}

func (c *CLIProvider) inspect(ctx context.Context, name string) (*inspectRow, error) {
	out, err := c.run(ctx, "inspect", name)
	if err != nil {
		return nil, err
	}
	var rows []inspectRow
	if err := json.Unmarshal(out, &rows); err != nil {
		return nil, fmt.Errorf("parse inspect output for %q: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("inspect %q: empty result", name)
	}
	return &rows[0], nil
}

func (c *CLIProvider) Address(ctx context.Context, name string) (string, error) {
	if c.PublishSSHPort {
		return "127.0.0.1", nil
	}
	row, err := c.inspect(ctx, name)
	if err != nil {
		return "", err
	}
	if row.Network.IPAddress == "" {
		return "", fmt.Errorf("sandbox %q has no network address yet", name)
	}
	return row.Network.IPAddress, nil
}

func (c *CLIProvider) ForwardedSSHPort(ctx context.Context, name string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		out, err := c.run(ctx, "port", name, "22")
		if err == nil {
			line := strings.TrimSpace(strings.Split(string(out), "\n")[0])
			idx := strings.LastIndex(line, ":")
			if idx >= 0 {
				if port, perr := strconv.Atoi(line[idx+1:]); perr == nil {
					return port, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("forwarded ssh port for %q: %w", name, errs.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (c *CLIProvider) HostKey(ctx context.Context, name, localPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const remote = "/etc/ssh/ssh_host_ecdsa_key.pub"
	for {
		_, err := c.run(ctx, "cp", name+":"+remote, localPath)
		if err == nil {
			if raw, rerr := os.ReadFile(localPath); rerr == nil {
				if key, _, _, _, perr := ssh.ParseAuthorizedKey(raw); perr == nil {
					log.Printf("[sandbox] %s: host key %s", name, ssh.FingerprintSHA256(key))
				}
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("host key for %q: %w", name, errs.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (c *CLIProvider) InstallAuthorizedKey(ctx context.Context, name string, publicKeyMaterial []byte) error {
	if _, _, _, _, err := ssh.ParseAuthorizedKey(publicKeyMaterial); err != nil {
		return fmt.Errorf("install authorized key for %q: malformed key material: %w: %v", name, errs.ErrPreconditionFailure, err)
	}
	if err := c.ExecInside(ctx, name, []string{"mkdir", "-p", "/root/.ssh"}); err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "authorized_key-*")
	if err != nil {
		return fmt.Errorf("install authorized key: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(publicKeyMaterial); err != nil {
		tmp.Close()
		return fmt.Errorf("install authorized key: %w", err)
	}
	tmp.Close()
	if err := c.CopyIn(ctx, name, tmp.Name(), "/root/.ssh/authorized_keys"); err != nil {
		return err
	}
	return c.ExecInside(ctx, name, []string{"chown", "-R", "root:root", "/root/.ssh"})
}

func (c *CLIProvider) RegenerateHostKeys(ctx context.Context, name string) error {
	if err := c.ExecInside(ctx, name, []string{"sh", "-c", "rm -f /etc/ssh/ssh_host_*"}); err != nil {
		return err
	}
	return c.ExecInside(ctx, name, []string{"ssh-keygen", "-A"})
}

func (c *CLIProvider) ExecInside(ctx context.Context, name string, argv []string) error {
	args := append([]string{"exec", name}, argv...)
	_, err := c.run(ctx, args...)
	return err
}

func (c *CLIProvider) CopyIn(ctx context.Context, name, localPath, remotePath string) error {
	_, err := c.run(ctx, "cp", localPath, name+":"+remotePath)
	return err
}

func (c *CLIProvider) Destroy(ctx context.Context, name string) error {
	_, err := c.run(ctx, "rm", "-f", name)
	return err
}

func (c *CLIProvider) SpawnSupervised(ctx context.Context, argv []string, opts SupervisedOptions) *Supervised {
	return newSupervised(ctx, argv, opts)
}

func (c *CLIProvider) SpawnSupervisedInside(ctx context.Context, name string, argv []string, opts SupervisedOptions) *Supervised {
	args := append([]string{c.Runtime, "exec", name}, argv...)
	return newSupervised(ctx, args, opts)
}

func (c *CLIProvider) InspectInstance(ctx context.Context, name string) (*Inspection, error) {
	insp := &Inspection{Provider: c.Runtime, DaemonFound: probeDaemon(c.AdminSocketPath)}
	row, err := c.inspect(ctx, name)
	if err != nil {
		insp.HasInstance = false
		return insp, nil
	}
	insp.HasInstance = true
	tags, _ := c.imageTags(ctx, row.Image)
	insp.Container = &Container{
		Name:      name,
		ID:        row.ID,
		Created:   row.Created,
		ImageID:   row.Image,
		ImageTags: tags,
	}
	return insp, nil
}

func (c *CLIProvider) imageTags(ctx context.Context, imageID string) ([]string, error) {
	out, err := c.run(ctx, "image", "inspect", imageID)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		RepoTags []string `json:"RepoTags"`
	}
	if err := json.Unmarshal(out, &rows); err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("parse image inspect output for %q", imageID)
	}
	return rows[0].RepoTags, nil
}
