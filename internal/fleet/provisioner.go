package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/probewatch/probewatch/internal/observability"
	"github.com/probewatch/probewatch/internal/registry"
	"github.com/probewatch/probewatch/internal/store"
)

// ErrProvisioningFailed is returned when the remote session or the remote
// command fails. The agent registration is deliberately NOT rolled back:
// the registry entry survives so the operator can retry with the returned
// command string.
var ErrProvisioningFailed = errors.New("provisioning failed")

// HostCredentials identify the remote host an agent should be installed on.
type HostCredentials struct {
	Host     string `json:"ssh_host"`
	User     string `json:"ssh_user"`
	Password string `json:"ssh_pass"`
}

// Provisioner registers agents and optionally deploys them over SSH.
type Provisioner struct {
	registry *registry.Registry
	cfg      Config
	timeout  time.Duration
	log      *logrus.Entry
}

// NewProvisioner wires a Provisioner. timeout bounds the whole remote
// session; zero means 30 seconds.
func NewProvisioner(reg *registry.Registry, cfg Config, timeout time.Duration, log *logrus.Entry) *Provisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provisioner{registry: reg, cfg: cfg, timeout: timeout, log: log}
}

// CreateAgent registers an agent and returns it together with its launch
// command. No remote host is touched.
func (p *Provisioner) CreateAgent(ctx context.Context, name, region string) (*store.Agent, string, error) {
	a, err := p.registry.Register(ctx, name, region)
	if err != nil {
		return nil, "", err
	}
	return a, RunCommand(a, p.cfg), nil
}

// CreateAndProvision registers the agent and, when credentials are given,
// runs the launch command on the remote host. On remote failure the agent
// stays registered and the command string is still returned for a manual
// retry.
func (p *Provisioner) CreateAndProvision(ctx context.Context, name, region string, creds *HostCredentials) (*store.Agent, string, error) {
	a, cmd, err := p.CreateAgent(ctx, name, region)
	if err != nil {
		return nil, "", err
	}
	if creds == nil {
		return a, cmd, nil
	}
	if err := p.runRemote(ctx, creds, cmd); err != nil {
		observability.ProvisioningFailures.Inc()
		p.log.WithError(err).WithField("agent", a.Name).Error("remote provisioning failed")
		return a, cmd, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}
	p.log.WithFields(logrus.Fields{"agent": a.Name, "host": creds.Host}).Info("agent provisioned")
	return a, cmd, nil
}

// GetRunCommand regenerates the launch command for an already-registered
// agent. Idempotent; mutates nothing.
func (p *Provisioner) GetRunCommand(ctx context.Context, id uuid.UUID) (string, error) {
	a, err := p.registry.Find(ctx, id)
	if err != nil {
		return "", err
	}
	return RunCommand(a, p.cfg), nil
}

// runRemote executes cmd on the host over SSH with a bounded, cancellable
// session.
func (p *Provisioner) runRemote(ctx context.Context, creds *HostCredentials, cmd string) error {
	addr := creds.Host
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	clientCfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            []ssh.AuthMethod{ssh.Password(creds.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.timeout,
	}
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	// CombinedOutput blocks; cut the session loose if the context expires.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
			client.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(cmd)
	if ctx.Err() != nil {
		return fmt.Errorf("remote command timed out: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("remote command: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
