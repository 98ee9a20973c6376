package workspace

import (
	"strings"
	"testing"
)

func TestParseBytes(t *testing.T) {
	yaml := []byte(`
id: ws-1
owner: alice
provider: docker
image: hs.example.org/generic:latest
init_inside:
  - echo hello
`)
	d, err := ParseBytes(yaml)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if d.ID != "ws-1" || d.Owner != "alice" || d.Provider != ProviderDocker {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if len(d.InitInside) != 1 || d.InitInside[0] != "echo hello" {
		t.Fatalf("unexpected init_inside: %+v", d.InitInside)
	}
}

func TestValidateRequiresFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "owner: alice\nprovider: docker\n"},
		{"missing owner", "id: ws-1\nprovider: docker\n"},
		{"missing provider", "id: ws-1\nowner: alice\n"},
		{"bad provider", "id: ws-1\nowner: alice\nprovider: vmware\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBytes([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestAdminSocketPath(t *testing.T) {
	d := &Descriptor{ID: "ws-1", Owner: "alice", Provider: ProviderDocker}
	path, err := d.AdminSocketPath()
	if err != nil {
		t.Fatalf("AdminSocketPath: %v", err)
	}
	if !strings.HasSuffix(path, "/.rerobots/hardshare.ws-1.sock") {
		t.Fatalf("path = %q, want suffix /.rerobots/hardshare.ws-1.sock", path)
	}
}

func TestProviderValid(t *testing.T) {
	for _, p := range []Provider{ProviderDocker, ProviderPodman, ProviderProxy} {
		if !p.Valid() {
			t.Fatalf("%q should be valid", p)
		}
	}
	if Provider("vmware").Valid() {
		t.Fatalf("vmware should not be valid")
	}
}
