package envctl

import (
	"sort"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
)

// pickAgent chooses which claimed candidate to delegate key to, out of the
// agents that satisfy required and haven't already been used by an earlier
// key in this Apply. Candidates still attached to this env from the prior
// apply (removedAgentOf) are preferred over freshly-idle ones, a stable-sort
// tie-break grounded on the original's "prefer an agent already hosting the
// same node key across a redeploy" — it doesn't change who *can* be picked,
// only who's picked first when more than one candidate qualifies.
func pickAgent(candidates []*control.Agent, required capability.Mask, used map[ident.AgentId]bool, removedAgentOf map[ident.AgentId]ident.NodeKey) *control.Agent {
	eligible := make([]*control.Agent, 0, len(candidates))
	for _, a := range candidates {
		if used[a.ID] || !a.Capabilities.Satisfies(required) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		_, iPrior := removedAgentOf[eligible[i].ID]
		_, jPrior := removedAgentOf[eligible[j].ID]
		if iPrior != jPrior {
			return iPrior
		}
		return eligible[i].ID.String() < eligible[j].ID.String()
	})
	return eligible[0]
}
