// Command devshared is the on-device daemon: it advertises one Workspace
// Descriptor's availability to a coordinator, provisions a sandbox per
// instance launch, publishes a tunnel, and tears down on completion.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/hwbridge/devshared/internal/supervisor"
)

// CLI is the daemon's entire command surface: start in the foreground,
// tied to one workspace descriptor, per spec §1(a)'s daemon-only scope.
type CLI struct {
	Workspace     string `arg:"" type:"existingfile" help:"Path to the workspace descriptor YAML."`
	Coordinator   string `required:"" help:"Coordinator base URL, e.g. wss://coordinator.example.org."`
	TokenEnv      string `default:"DEVSHARED_TOKEN" help:"Environment variable holding the bearer token."`
	TunnelKeyPath string `help:"Identity file used for the reverse-ssh tunnel strategy."`
	MetricsAddr   string `default:"127.0.0.1:9477" help:"Loopback address for the Prometheus /metrics endpoint. Empty disables it."`
}

func (c *CLI) Run() error {
	token := os.Getenv(c.TokenEnv)
	if token == "" {
		return fmt.Errorf("environment variable %s is unset", c.TokenEnv)
	}

	return supervisor.Run(supervisor.Config{
		DescriptorPath: c.Workspace,
		CoordinatorURL: c.Coordinator,
		Token:          token,
		TunnelKeyPath:  c.TunnelKeyPath,
		MetricsAddr:    c.MetricsAddr,
	})
}

func main() {
	var cli CLI
	k, err := kong.New(&cli,
		kong.Name("devshared"),
		kong.Description("On-device daemon for the hardware-sharing platform."),
		kong.UsageOnError(),
	)
	if err != nil {
		panic(err)
	}

	ctx, err := k.Parse(os.Args[1:])
	k.FatalIfErrorf(err)
	k.FatalIfErrorf(ctx.Run())
}
