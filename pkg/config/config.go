// Package config loads the root YAML document that configures either a
// control-plane process (cmd/fleetctl) or an agent process
// (cmd/fleet-agent), grounded on the teacher's cmd/warren/apply.go
// yaml.v3 usage generalised from a one-off resource file to a full
// process configuration document.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/warren/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// LedgerModifyFailurePolicy names what the agent does when a
// checkpoint-apply subprocess is interrupted mid-modify (spec.md §9's open
// question). Defaults to Leave. The value is parsed and validated, but the
// agent's ledger reconciler (pkg/reconcile) does not read it: a failed or
// interrupted checkpoint apply always leaves the ledger directory as-is
// and requeues, whichever policy is configured.
type LedgerModifyFailurePolicy string

const (
	// LedgerModifyLeave leaves the ledger directory as-is for an operator
	// to inspect.
	LedgerModifyLeave LedgerModifyFailurePolicy = "leave"
	// LedgerModifyWipe names deleting the ledger directory so the next
	// reconcile re-downloads a checkpoint; no agent code acts on it.
	LedgerModifyWipe LedgerModifyFailurePolicy = "wipe"
)

// Control is the control-plane process configuration document.
type Control struct {
	// BindAddr is the HTTP listen address for the /api/v1 surface and the
	// /agent websocket upgrade endpoint.
	BindAddr string `yaml:"bindAddr"`
	// DataDir holds the bbolt store (pkg/store).
	DataDir string `yaml:"dataDir"`
	// AgentSecret signs handshake bearer tokens (pkg/security.TokenIssuer).
	AgentSecret string `yaml:"agentSecret"`
	// TokenTTL bounds how long a minted handshake token remains valid.
	TokenTTL time.Duration `yaml:"tokenTTL"`
	// DefaultRetention is a retention policy string (pkg/retention.Parse)
	// for storages whose document doesn't specify one. It is loaded from
	// the document, but no component validates or reads it.
	DefaultRetention string `yaml:"defaultRetention"`
	// ComputeTarget selects the cannon compute dispatch target: "agent" or
	// "demox" (spec.md §4.I).
	ComputeTarget string `yaml:"computeTarget"`
	// DemoxURL is the external executor endpoint when ComputeTarget is "demox".
	DemoxURL string    `yaml:"demoxURL,omitempty"`
	Log      LogConfig `yaml:"log"`
}

// LogConfig is the YAML-serializable subset of telemetry.Config; Logger
// builds a telemetry.Config from it (telemetry.Config.Output is an
// io.Writer and has no YAML representation).
type LogConfig struct {
	Level      telemetry.Level `yaml:"level"`
	JSONOutput bool            `yaml:"jsonOutput"`
}

// Logger builds a telemetry.Config ready for telemetry.Init.
func (l LogConfig) Logger() telemetry.Config {
	return telemetry.Config{Level: l.Level, JSONOutput: l.JSONOutput}
}

// Agent is the fleet-agent process configuration document.
type Agent struct {
	// ControlAddr is the control plane's /agent websocket URL.
	ControlAddr string `yaml:"controlAddr"`
	// Token is a previously-minted handshake token; empty on first connect,
	// at which point RequestedID (if set) is offered instead.
	Token       string `yaml:"token,omitempty"`
	RequestedID string `yaml:"requestedId,omitempty"`
	// DataDir holds downloaded binaries, ledgers, and checkpoints
	// (pkg/ledgerstore's on-disk layout).
	DataDir string `yaml:"dataDir"`
	// Labels are free-form capability labels this agent advertises
	// (pkg/capability.ForLabels).
	Labels []string `yaml:"labels,omitempty"`
	// LedgerModifyFailure selects a LedgerModifyFailurePolicy (spec.md §9's
	// open question); see that type for which parts of it take effect.
	LedgerModifyFailure LedgerModifyFailurePolicy `yaml:"ledgerModifyFailure"`
	// BindAddr is the interface the supervised node process binds its
	// sockets on; loopback-only by default.
	BindAddr string `yaml:"bindAddr"`
	// ContainerdSocket overrides pkg/procsup.DefaultSocketPath.
	ContainerdSocket string    `yaml:"containerdSocket,omitempty"`
	Log              LogConfig `yaml:"log"`
}

// LoadControl reads and validates a Control document from path.
func LoadControl(path string) (*Control, error) {
	var c Control
	if err := loadYAML(path, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadAgent reads and validates an Agent document from path.
func LoadAgent(path string) (*Agent, error) {
	var a Agent
	if err := loadYAML(path, &a); err != nil {
		return nil, err
	}
	a.applyDefaults()
	if err := a.validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Control) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0:8000"
	}
	if c.DataDir == "" {
		c.DataDir = "./fleetctl-data"
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.ComputeTarget == "" {
		c.ComputeTarget = "agent"
	}
	if c.Log.Level == "" {
		c.Log.Level = telemetry.InfoLevel
	}
}

func (c *Control) validate() error {
	if c.AgentSecret == "" {
		return fmt.Errorf("config: control.agentSecret is required")
	}
	switch c.ComputeTarget {
	case "agent", "demox":
	default:
		return fmt.Errorf("config: control.computeTarget must be %q or %q, got %q", "agent", "demox", c.ComputeTarget)
	}
	if c.ComputeTarget == "demox" && c.DemoxURL == "" {
		return fmt.Errorf("config: control.demoxURL is required when computeTarget is demox")
	}
	return nil
}

func (a *Agent) applyDefaults() {
	if a.DataDir == "" {
		a.DataDir = "./fleet-agent-data"
	}
	if a.LedgerModifyFailure == "" {
		a.LedgerModifyFailure = LedgerModifyLeave
	}
	if a.BindAddr == "" {
		a.BindAddr = "127.0.0.1"
	}
	if a.Log.Level == "" {
		a.Log.Level = telemetry.InfoLevel
	}
}

func (a *Agent) validate() error {
	if a.ControlAddr == "" {
		return fmt.Errorf("config: agent.controlAddr is required")
	}
	switch a.LedgerModifyFailure {
	case LedgerModifyLeave, LedgerModifyWipe:
	default:
		return fmt.Errorf("config: agent.ledgerModifyFailure must be %q or %q, got %q", LedgerModifyLeave, LedgerModifyWipe, a.LedgerModifyFailure)
	}
	return nil
}
