package ident

import (
	"fmt"
	"strings"
)

// NodeType is one of the three roles a node can run as.
type NodeType string

const (
	NodeTypeClient    NodeType = "client"
	NodeTypeValidator NodeType = "validator"
	NodeTypeProver    NodeType = "prover"
)

func (t NodeType) valid() bool {
	switch t {
	case NodeTypeClient, NodeTypeValidator, NodeTypeProver:
		return true
	}
	return false
}

// NodeKey is the fully-qualified logical address of a node within an
// environment, independent of the physical agent hosting it. It renders as
// "validator/foo" or, with a namespace, "client/bar@mainnet".
type NodeKey struct {
	Type NodeType
	Id   string
	Ns   string // optional
}

func (k NodeKey) String() string {
	s := string(k.Type) + "/" + k.Id
	if k.Ns != "" {
		s += "@" + k.Ns
	}
	return s
}

// ParseNodeKey parses the "type/id" or "type/id@ns" rendering back into a
// NodeKey.
func ParseNodeKey(s string) (NodeKey, error) {
	typePart, rest, ok := strings.Cut(s, "/")
	if !ok {
		return NodeKey{}, fmt.Errorf("node key %q: missing '/'", s)
	}
	t := NodeType(typePart)
	if !t.valid() {
		return NodeKey{}, fmt.Errorf("node key %q: unknown type %q", s, typePart)
	}
	id, ns, _ := strings.Cut(rest, "@")
	if id == "" {
		return NodeKey{}, fmt.Errorf("node key %q: empty id", s)
	}
	return NodeKey{Type: t, Id: id, Ns: ns}, nil
}

func (k NodeKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
func (k *NodeKey) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// componentMatch is either "match everything", a literal, or (id component
// only) a glob-style wildcard ("foo-*").
type componentMatch struct {
	all     bool
	literal string
	prefix  string // non-empty when this is a "prefix*" wildcard
	isGlob  bool
}

func (m componentMatch) matches(v string) bool {
	if m.all {
		return true
	}
	if m.isGlob {
		return strings.HasPrefix(v, m.prefix)
	}
	return m.literal == v
}

func (m componentMatch) String() string {
	if m.all {
		return "*"
	}
	if m.isGlob {
		return m.prefix + "*"
	}
	return m.literal
}

func parseComponentMatch(s string, allowGlob bool) componentMatch {
	if s == "*" {
		return componentMatch{all: true}
	}
	if allowGlob {
		if prefix, ok := strings.CutSuffix(s, "*"); ok {
			return componentMatch{isGlob: true, prefix: prefix}
		}
	}
	return componentMatch{literal: s}
}

// NodeTarget is a pattern over NodeKey: each of the three components is
// either "all", a literal, or (for id only) a prefix wildcard. Negated
// flips the match sense for the whole target, used to express "every node
// except this pattern" (enrichment pulled from the original Rust source's
// node_targets matcher, not present in the distilled node target grammar).
type NodeTarget struct {
	typeMatch componentMatch
	idMatch   componentMatch
	nsMatch   componentMatch
	Negated   bool
}

// ParseNodeTarget parses a single target expression such as "validator/*",
// "client/bar-*@mainnet", or "*/*". A leading "!" negates the match.
func ParseNodeTarget(s string) (NodeTarget, error) {
	negated := false
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		negated = true
		s = rest
	}
	typePart, rest, ok := strings.Cut(s, "/")
	if !ok {
		return NodeTarget{}, fmt.Errorf("node target %q: missing '/'", s)
	}
	idPart, nsPart, hasNs := strings.Cut(rest, "@")

	t := NodeTarget{Negated: negated}
	if typePart == "*" {
		t.typeMatch = componentMatch{all: true}
	} else {
		if !NodeType(typePart).valid() {
			return NodeTarget{}, fmt.Errorf("node target %q: unknown type %q", s, typePart)
		}
		t.typeMatch = componentMatch{literal: typePart}
	}
	t.idMatch = parseComponentMatch(idPart, true)
	if hasNs {
		t.nsMatch = parseComponentMatch(nsPart, false)
	} else {
		t.nsMatch = componentMatch{all: true}
	}
	return t, nil
}

func (t NodeTarget) String() string {
	s := t.typeMatch.String() + "/" + t.idMatch.String()
	if !t.nsMatch.all {
		s += "@" + t.nsMatch.String()
	}
	if t.Negated {
		s = "!" + s
	}
	return s
}

// Matches reports whether key satisfies this target's pattern, irrespective
// of Negated — callers that need the negated sense (NodeTargets.Matches)
// interpret Negated themselves so that a list of targets can mix inclusion
// and exclusion.
func (t NodeTarget) Matches(key NodeKey) bool {
	return t.typeMatch.matches(string(key.Type)) &&
		t.idMatch.matches(key.Id) &&
		t.nsMatch.matches(key.Ns)
}

// NodeTargets is zero, one, or many NodeTarget patterns; a key matches if
// any non-negated target matches it and no negated target excludes it,
// matching the "all positives, then subtract negatives" semantics used for
// peer/validator set expressions.
type NodeTargets struct {
	targets []NodeTarget
}

// Empty reports whether this is the zero NodeTargets (matches nothing).
func (nt NodeTargets) Empty() bool { return len(nt.targets) == 0 }

// NewNodeTargets builds a NodeTargets from parsed patterns.
func NewNodeTargets(targets ...NodeTarget) NodeTargets {
	return NodeTargets{targets: targets}
}

// ParseNodeTargets splits a comma-separated target list and parses each.
func ParseNodeTargets(s string) (NodeTargets, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NodeTargets{}, nil
	}
	var out []NodeTarget
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		target, err := ParseNodeTarget(part)
		if err != nil {
			return NodeTargets{}, err
		}
		out = append(out, target)
	}
	return NodeTargets{targets: out}, nil
}

// Matches reports whether key is selected by this target set: it matches
// some positive target and is not excluded by any negated one.
func (nt NodeTargets) Matches(key NodeKey) bool {
	matchedPositive := false
	for _, t := range nt.targets {
		if t.Negated {
			if t.Matches(key) {
				return false
			}
			continue
		}
		if t.Matches(key) {
			matchedPositive = true
		}
	}
	return matchedPositive
}

// Filter returns the subset of keys selected by this target set.
func (nt NodeTargets) Filter(keys []NodeKey) []NodeKey {
	var out []NodeKey
	for _, k := range keys {
		if nt.Matches(k) {
			out = append(out, k)
		}
	}
	return out
}

func (nt NodeTargets) String() string {
	parts := make([]string, len(nt.targets))
	for i, t := range nt.targets {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

func (nt NodeTargets) MarshalText() ([]byte, error) { return []byte(nt.String()), nil }
func (nt *NodeTargets) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeTargets(string(b))
	if err != nil {
		return err
	}
	*nt = parsed
	return nil
}
