package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadControlAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "control.yaml", `
agentSecret: shh
`)
	c, err := LoadControl(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.BindAddr != "0.0.0.0:8000" {
		t.Fatalf("unexpected default bind addr %q", c.BindAddr)
	}
	if c.ComputeTarget != "agent" {
		t.Fatalf("unexpected default compute target %q", c.ComputeTarget)
	}
	if c.TokenTTL.Hours() != 24 {
		t.Fatalf("unexpected default token ttl %v", c.TokenTTL)
	}
}

func TestLoadControlRequiresAgentSecret(t *testing.T) {
	path := writeTemp(t, "control.yaml", `bindAddr: "127.0.0.1:9000"`)
	if _, err := LoadControl(path); err == nil {
		t.Fatal("expected an error without agentSecret")
	}
}

func TestLoadControlRejectsDemoxWithoutURL(t *testing.T) {
	path := writeTemp(t, "control.yaml", `
agentSecret: shh
computeTarget: demox
`)
	if _, err := LoadControl(path); err == nil {
		t.Fatal("expected an error for demox target without demoxURL")
	}
}

func TestLoadControlRejectsUnknownComputeTarget(t *testing.T) {
	path := writeTemp(t, "control.yaml", `
agentSecret: shh
computeTarget: bogus
`)
	if _, err := LoadControl(path); err == nil {
		t.Fatal("expected an error for an unknown compute target")
	}
}

func TestLoadAgentAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "agent.yaml", `
controlAddr: "ws://127.0.0.1:8000/agent"
`)
	a, err := LoadAgent(path)
	if err != nil {
		t.Fatal(err)
	}
	if a.LedgerModifyFailure != LedgerModifyLeave {
		t.Fatalf("unexpected default ledger modify policy %q", a.LedgerModifyFailure)
	}
	if a.DataDir != "./fleet-agent-data" {
		t.Fatalf("unexpected default data dir %q", a.DataDir)
	}
}

func TestLoadAgentRequiresControlAddr(t *testing.T) {
	path := writeTemp(t, "agent.yaml", `dataDir: /tmp/x`)
	if _, err := LoadAgent(path); err == nil {
		t.Fatal("expected an error without controlAddr")
	}
}

func TestLoadAgentRejectsUnknownLedgerModifyPolicy(t *testing.T) {
	path := writeTemp(t, "agent.yaml", `
controlAddr: "ws://127.0.0.1:8000/agent"
ledgerModifyFailure: explode
`)
	if _, err := LoadAgent(path); err == nil {
		t.Fatal("expected an error for an unknown ledger modify policy")
	}
}
