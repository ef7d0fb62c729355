package retention

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Rule is one "duration:keep" clause: for checkpoints created within
// Duration of now, keep one every Keep.
type Rule struct {
	Duration Span
	Keep     Span
}

func (r Rule) String() string { return r.Duration.String() + ":" + r.Keep.String() }

func parseRule(s string) (Rule, error) {
	before, after, ok := strings.Cut(s, ":")
	if !ok {
		return Rule{}, fmt.Errorf("retention: rule %q missing ':'", s)
	}
	d, err := ParseSpan(before)
	if err != nil {
		return Rule{}, fmt.Errorf("retention: rule %q duration: %w", s, err)
	}
	k, err := ParseSpan(after)
	if err != nil {
		return Rule{}, fmt.Errorf("retention: rule %q keep: %w", s, err)
	}
	return Rule{Duration: d, Keep: k}, nil
}

// Policy is an ordered list of Rules, shortest-duration first.
type Policy struct {
	Rules []Rule
}

// Parse parses the "rule(,rule)*" grammar leniently: empty segments
// (from a leading/trailing/doubled comma) are skipped rather than
// rejected.
func Parse(s string) (Policy, error) {
	var rules []Rule
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		r, err := parseRule(tok)
		if err != nil {
			return Policy{}, err
		}
		rules = append(rules, r)
	}
	return Policy{Rules: rules}, nil
}

func (p Policy) String() string {
	parts := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// IsReady reports whether enough time has elapsed since last for a new
// checkpoint to be due, judged against the first (shortest-duration)
// rule's keep interval. An empty policy is never ready; a first rule
// whose keep is Unlimited is always ready.
func (p Policy) IsReady(now, last time.Time) bool {
	if len(p.Rules) == 0 {
		return false
	}
	keep := p.Rules[0].Keep
	d, bounded := keep.AsDuration()
	if !bounded {
		return true
	}
	return now.Sub(last) >= d
}

// Reject returns the subset of times this policy would delete, walking
// from the oldest time forward while walking the rule list from its
// longest-duration (coarsest) rule down to its shortest. A rule whose
// duration no longer covers the gap back to the last kept time is retired
// in favour of the next (shorter) one; degenerate rules — a duplicate
// duration, or any rule after the first Unlimited one — are skipped
// outright. An empty policy or empty input rejects nothing.
func (p Policy) Reject(now time.Time, times []time.Time) []time.Time {
	if len(p.Rules) == 0 || len(times) == 0 {
		return nil
	}

	sorted := append([]time.Time(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	rev := make([]Rule, len(p.Rules))
	for i, r := range p.Rules {
		rev[len(p.Rules)-1-i] = r
	}

	var rejected []time.Time

	ti := 1 // index of the next unvisited time; sorted[0] seeds lastKept
	lastKept := sorted[0]
	ri := 1 // index of the next unvisited rule; rev[0] seeds currRule
	currRule := rev[0]

outer:
	for ti < len(sorted) {
		t := sorted[ti]
		delta := now.Sub(t)
		lastDelta := now.Sub(lastKept)

		if d, bounded := currRule.Duration.AsDuration(); bounded && lastDelta > d {
			rejected = append(rejected, lastKept)
			lastKept = t
			ti++
			continue
		}

		for ri < len(rev) {
			nextDuration := rev[ri].Duration
			if currRule.Duration.Equal(nextDuration) || nextDuration.IsUnlimited() {
				currRule = rev[ri]
				ri++
				continue
			}

			nd, _ := nextDuration.AsDuration() // nextDuration is bounded: Unlimited handled above
			if delta >= nd && lastDelta >= nd {
				// both lastKept and t are covered by the current (shorter)
				// rule; stay on it.
				break
			}
			if delta < nd {
				lastKept = t
				ti++
			}
			currRule = rev[ri]
			ri++
			continue outer
		}

		keep, bounded := currRule.Keep.AsDuration()
		if !bounded {
			lastKept = t
			ti++
			continue
		}

		if t.Sub(lastKept) < keep {
			rejected = append(rejected, t)
			ti++
			continue
		}

		lastKept = t
		ti++
	}

	return rejected
}

// Default mirrors the retention policy used by the original system's test
// fixtures: fine-grained retention close to "now", coarsening with age.
func Default() Policy {
	p, err := Parse("4h:1h,1D:8h,1W:1D,4W:1W,4M:1M,U:1Y")
	if err != nil {
		panic(err) // constant, always valid
	}
	return p
}
