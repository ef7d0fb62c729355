package retention

import (
	"testing"
	"time"
)

// walkPolicy mirrors how the checkpoint GC loop drives a Policy in
// production: add a checkpoint whenever IsReady says so, and periodically
// run Reject over everything accumulated so far, discarding what it
// rejects. Returns how many checkpoints were ever added and how many
// survive at the end.
func walkPolicy(t *testing.T, policyStr string, duration, addInterval, gcInterval time.Duration) (added, kept int) {
	t.Helper()
	policy, err := Parse(policyStr)
	if err != nil {
		t.Fatalf("parse %q: %v", policyStr, err)
	}

	epoch := time.Unix(0, 0).UTC()
	now := epoch
	lastGC := now
	lastInsert := now

	live := make(map[int64]time.Time)

	for now.Sub(epoch) < duration {
		now = now.Add(addInterval)

		if policy.IsReady(now, lastInsert) {
			live[now.UnixNano()] = now
			lastInsert = now
			added++
		}

		if now.Sub(lastGC) >= gcInterval {
			times := make([]time.Time, 0, len(live))
			for _, tm := range live {
				times = append(times, tm)
			}
			for _, r := range policy.Reject(now, times) {
				delete(live, r.UnixNano())
			}
			lastGC = now
		}
	}

	return added, len(live)
}

func TestWalkPolicyOneDay4h1h(t *testing.T) {
	added, kept := walkPolicy(t, "4h:1h", 24*time.Hour, time.Minute, time.Hour)
	if added != 24 || kept != 5 {
		t.Fatalf("4h:1h hourly-gc: got added=%d kept=%d, want 24/5", added, kept)
	}
}

func TestWalkPolicyOneDay4h2h(t *testing.T) {
	added, kept := walkPolicy(t, "4h:2h", 24*time.Hour, time.Minute, time.Hour)
	if added != 12 || kept != 3 {
		t.Fatalf("4h:2h hourly-gc: got added=%d kept=%d, want 12/3", added, kept)
	}
}

func TestWalkPolicyOneDayUnlimited2h(t *testing.T) {
	added, kept := walkPolicy(t, "U:2h", 24*time.Hour, time.Minute, time.Hour)
	if added != 12 || kept != 12 {
		t.Fatalf("U:2h hourly-gc: got added=%d kept=%d, want 12/12", added, kept)
	}
}

func TestWalkPolicyOneDay4h1hDelayedGC(t *testing.T) {
	added, kept := walkPolicy(t, "4h:1h", 24*time.Hour, time.Minute, 24*time.Hour)
	if added != 24 || kept != 5 {
		t.Fatalf("4h:1h daily-gc: got added=%d kept=%d, want 24/5", added, kept)
	}
}

func TestWalkPolicyOneDay4h2hDelayedGC(t *testing.T) {
	added, kept := walkPolicy(t, "4h:2h", 24*time.Hour, time.Minute, 24*time.Hour)
	if added != 12 || kept != 3 {
		t.Fatalf("4h:2h daily-gc: got added=%d kept=%d, want 12/3", added, kept)
	}
}

func TestWalkPolicyOneDayUnlimited2hDelayedGC(t *testing.T) {
	added, kept := walkPolicy(t, "U:2h", 24*time.Hour, time.Minute, 24*time.Hour)
	if added != 12 || kept != 12 {
		t.Fatalf("U:2h daily-gc: got added=%d kept=%d, want 12/12", added, kept)
	}
}

func TestWalkPolicyOneDayTwoRules(t *testing.T) {
	added, kept := walkPolicy(t, "4h:1h,8h:4h", 24*time.Hour, time.Minute, time.Hour)
	if added != 24 || kept != 5 {
		t.Fatalf("4h:1h,8h:4h hourly-gc: got added=%d kept=%d, want 24/5", added, kept)
	}
}

func TestWalkPolicyOneDayTwoRulesDelayedGC(t *testing.T) {
	added, kept := walkPolicy(t, "4h:1h,8h:4h", 24*time.Hour, time.Minute, 24*time.Hour)
	if added != 24 || kept != 6 {
		t.Fatalf("4h:1h,8h:4h daily-gc: got added=%d kept=%d, want 24/6", added, kept)
	}
}

func TestWalkPolicyOneWeekThreeRules(t *testing.T) {
	added, kept := walkPolicy(t, "4h:1h,8h:4h,2D:12h", 7*24*time.Hour, time.Hour, time.Hour)
	if added != 24*7 || kept != 9 {
		t.Fatalf("4h:1h,8h:4h,2D:12h hourly-gc: got added=%d kept=%d, want %d/9", added, kept, 24*7)
	}
}

func TestWalkPolicyOneWeekThreeRulesDelayedGC(t *testing.T) {
	added, kept := walkPolicy(t, "4h:1h,8h:4h,2D:12h", 7*24*time.Hour, time.Hour, 24*time.Hour)
	if added != 24*7 || kept != 9 {
		t.Fatalf("4h:1h,8h:4h,2D:12h daily-gc: got added=%d kept=%d, want %d/9", added, kept, 24*7)
	}
}

func TestParseSpan(t *testing.T) {
	cases := map[string]Span{
		"U":  Unlimited,
		"1h": {unit: 'h', n: 1},
		"1D": {unit: 'D', n: 1},
		"1W": {unit: 'W', n: 1},
		"1M": {unit: 'M', n: 1},
		"1Y": {unit: 'Y', n: 1},
	}
	for in, want := range cases {
		got, err := ParseSpan(in)
		if err != nil {
			t.Fatalf("ParseSpan(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSpan(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestParseRule(t *testing.T) {
	r, err := parseRule("4h:1h")
	if err != nil {
		t.Fatal(err)
	}
	want := Rule{Duration: Span{unit: 'h', n: 4}, Keep: Span{unit: 'h', n: 1}}
	if r != want {
		t.Fatalf("parseRule(\"4h:1h\") = %+v, want %+v", r, want)
	}
}

func TestDefaultPolicyString(t *testing.T) {
	got := Default().String()
	want := "4h:1h,1D:8h,1W:1D,4W:1W,4M:1M,U:1Y"
	if got != want {
		t.Fatalf("Default().String() = %q, want %q", got, want)
	}
}

func TestIsReadyEmptyPolicyIsNeverReady(t *testing.T) {
	p := Policy{}
	now := time.Unix(1_000_000, 0)
	if p.IsReady(now, now) {
		t.Fatal("empty policy should never be ready")
	}
}

func TestRejectEmptyInputsRejectNothing(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	if got := Default().Reject(now, nil); got != nil {
		t.Fatalf("Reject with no times should return nil, got %v", got)
	}
	if got := (Policy{}).Reject(now, []time.Time{now}); got != nil {
		t.Fatalf("Reject with no rules should return nil, got %v", got)
	}
}

func TestCheckpointFilenameRoundTrip(t *testing.T) {
	c := Checkpoint{Time: time.Unix(1_700_000_000, 0).UTC(), Height: 42}
	name := c.Filename()
	if name != "1700000000-42.checkpoint" {
		t.Fatalf("Filename() = %q", name)
	}
	got, err := ParseCheckpointFilename(name)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Time.Equal(c.Time) || got.Height != c.Height {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestParseCheckpointFilenameRejectsOther(t *testing.T) {
	if _, err := ParseCheckpointFilename("not-a-checkpoint.txt"); err == nil {
		t.Fatal("expected error for non-checkpoint filename")
	}
}
