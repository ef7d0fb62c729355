package retention

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const checkpointSuffix = ".checkpoint"

// Checkpoint names a single on-disk ledger snapshot: the unix time it was
// taken and the block height it covers.
type Checkpoint struct {
	Time   time.Time
	Height uint64
}

// Filename renders the "<unix-timestamp>-<block-height>.checkpoint" name
// this checkpoint is stored under.
func (c Checkpoint) Filename() string {
	return fmt.Sprintf("%d-%d%s", c.Time.Unix(), c.Height, checkpointSuffix)
}

// ParseCheckpointFilename parses a name produced by Checkpoint.Filename,
// rejecting anything else found alongside checkpoints in a storage
// directory.
func ParseCheckpointFilename(name string) (Checkpoint, error) {
	base, ok := strings.CutSuffix(name, checkpointSuffix)
	if !ok {
		return Checkpoint{}, fmt.Errorf("retention: %q is not a checkpoint file", name)
	}
	ts, height, ok := strings.Cut(base, "-")
	if !ok {
		return Checkpoint{}, fmt.Errorf("retention: malformed checkpoint name %q", name)
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("retention: malformed checkpoint timestamp %q: %w", name, err)
	}
	h, err := strconv.ParseUint(height, 10, 64)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("retention: malformed checkpoint height %q: %w", name, err)
	}
	return Checkpoint{Time: time.Unix(sec, 0).UTC(), Height: h}, nil
}

// Times extracts the Time field from a slice of checkpoints, for handing
// to Policy.Reject.
func Times(checkpoints []Checkpoint) []time.Time {
	out := make([]time.Time, len(checkpoints))
	for i, c := range checkpoints {
		out[i] = c.Time
	}
	return out
}
