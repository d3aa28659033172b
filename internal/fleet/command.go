// Package fleet implements admin operations on the agent fleet: issuing
// launch commands for registered agents and best-effort remote provisioning.
package fleet

import (
	"strings"

	"github.com/probewatch/probewatch/internal/store"
)

// Config carries the addresses baked into agent launch commands.
type Config struct {
	// APIBase is the externally reachable control-plane URL.
	APIBase string
	// RedisAddr is the queue address agents pop jobs from.
	RedisAddr string
	// Image is the agent container image.
	Image string
}

// shellQuote single-quotes a value for safe interpolation into a shell
// command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// RunCommand builds the launch command for an agent. It is pure: the same
// agent and config always produce the same string, and it embeds the
// agent's current token, so a token reset naturally invalidates every
// previously issued command.
func RunCommand(a *store.Agent, cfg Config) string {
	parts := []string{
		"docker run -d --restart unless-stopped",
		"--name " + shellQuote(a.Name),
		"--cap-add=NET_RAW",
		"-e API_BASE=" + shellQuote(cfg.APIBase),
		"-e REDIS_ADDR=" + shellQuote(cfg.RedisAddr),
		"-e AGENT_ID=" + shellQuote(a.ID.String()),
		"-e AGENT_NAME=" + shellQuote(a.Name),
		"-e REGION=" + shellQuote(a.Region),
		"-e AGENT_TOKEN=" + shellQuote(a.Token),
		cfg.Image,
	}
	return strings.Join(parts, " ")
}
