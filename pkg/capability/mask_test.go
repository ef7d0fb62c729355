package capability

import (
	"testing"

	"github.com/cuemby/warren/pkg/ident"
)

func TestRequirementSatisfies(t *testing.T) {
	agentMask := ForNodeType(ident.NodeTypeValidator).Set(uint64(ForLabels("eu")))
	required := Requirement(ident.NodeTypeValidator, false, []string{"eu"})
	if !agentMask.Satisfies(required) {
		t.Fatal("expected agent to satisfy requirement")
	}

	requiredUS := Requirement(ident.NodeTypeValidator, false, []string{"us"})
	if agentMask.Satisfies(requiredUS) {
		t.Fatal("agent labelled eu should not satisfy us requirement")
	}
	missing := agentMask.Missing(requiredUS)
	if len(missing) == 0 {
		t.Fatal("expected missing labels to be reported")
	}
}

func TestLocalPrivateKeyBit(t *testing.T) {
	required := Requirement(ident.NodeTypeClient, true, nil)
	withoutKey := ForNodeType(ident.NodeTypeClient)
	if withoutKey.Satisfies(required) {
		t.Fatal("agent without local-private-key bit should not satisfy requirement")
	}
	withKey := withoutKey.Set(BitLocalPrivateKey)
	if !withKey.Satisfies(required) {
		t.Fatal("agent with local-private-key bit should satisfy requirement")
	}
}
