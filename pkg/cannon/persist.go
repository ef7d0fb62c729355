package cannon

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/store"
	"github.com/cuemby/warren/pkg/telemetry"
	"github.com/cuemby/warren/pkg/wire"
)

const trackerVersion uint8 = 1

const trackerKeyPrefix = "tracker:"
const receivedTxsKey = "received_txs"

func encodeTracker(t *Tracker) []byte {
	var buf bytes.Buffer
	wire.Header{Type: wire.TypeTransactionTracker, Version: trackerVersion}.WriteTo(&buf)
	enc := wire.NewEncoder()
	enc.PutString(t.TxID)
	enc.PutUint64(t.Index)
	enc.PutBytes(t.Authorization)
	enc.PutBytes(t.Transaction)
	enc.PutUint8(uint8(t.Status.Kind))
	enc.PutUint64(t.Status.Height)
	enc.PutInt64(t.Status.At.UnixNano())
	enc.PutUint32(t.Attempts)
	buf.Write(enc.Bytes())
	return buf.Bytes()
}

func decodeTracker(b []byte) (*Tracker, error) {
	r := bytes.NewReader(b)
	h, err := wire.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Type != wire.TypeTransactionTracker {
		return nil, fmt.Errorf("cannon: decode tracker: unexpected type tag %d", h.Type)
	}
	if h.Version != trackerVersion {
		return nil, &wire.ErrUnknownVersion{TypeName: "cannon.Tracker", Got: h.Version, Max: trackerVersion}
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	d := wire.NewDecoder(rest)
	t := &Tracker{}
	t.TxID = d.String()
	t.Index = d.Uint64()
	t.Authorization = d.Bytes()
	t.Transaction = d.Bytes()
	t.Status.Kind = StatusKind(d.Uint8())
	t.Status.Height = d.Uint64()
	t.Status.At = time.Unix(0, d.Int64()).UTC()
	t.Attempts = d.Uint32()
	if d.Err() != nil {
		return nil, d.Err()
	}
	if t.TxID == "" {
		return nil, fmt.Errorf("cannon: decode tracker: missing tx id")
	}
	return t, nil
}

// Store persists one cannon's trackers and received-transaction counter
// into a shared backing store, namespaced by env and cannon id.
type Store struct {
	backing    store.Store
	collection string
}

// NewStore scopes backing to one EnvId x CannonId (spec.md §4.I "One
// cannon = one EnvId × CannonId").
func NewStore(backing store.Store, env ident.EnvId, cannon ident.CannonId) *Store {
	return &Store{backing: backing, collection: "cannon." + env.String() + "." + cannon.String()}
}

func (s *Store) SaveTracker(t *Tracker) error {
	return s.backing.Save(s.collection, trackerKeyPrefix+t.TxID, encodeTracker(t))
}

func (s *Store) DeleteTracker(txID string) error {
	return s.backing.Delete(s.collection, trackerKeyPrefix+txID)
}

// LoadAll scans every persisted tracker for this cannon and rebuilds the
// in-memory map, skipping malformed records with a warning rather than
// failing restart entirely (spec.md §4.I "Restart": "a missing index is a
// hard skip with a warning").
func (s *Store) LoadAll() (map[string]*Tracker, uint64, error) {
	raw, err := s.backing.ScanPrefix(s.collection, trackerKeyPrefix)
	if err != nil {
		return nil, 0, fmt.Errorf("cannon: scan trackers: %w", err)
	}
	out := make(map[string]*Tracker, len(raw))
	var maxIndex uint64
	for key, v := range raw {
		t, err := decodeTracker(v)
		if err != nil {
			telemetry.Logger.Warn().Str("collection", s.collection).Str("key", key).Err(err).Msg("cannon: skipping malformed tracker on restart")
			continue
		}
		out[t.TxID] = t
		if t.Index > maxIndex {
			maxIndex = t.Index
		}
	}
	return out, maxIndex, nil
}

func (s *Store) SaveReceivedCount(n uint64) error {
	enc := wire.NewEncoder()
	enc.PutUint64(n)
	return s.backing.Save(s.collection, receivedTxsKey, enc.Bytes())
}

func (s *Store) LoadReceivedCount() (uint64, error) {
	v, err := s.backing.Get(s.collection, receivedTxsKey)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	d := wire.NewDecoder(v)
	n := d.Uint64()
	return n, d.Err()
}

// Purge deletes every persisted record (every tracker and the received-tx
// counter) belonging to this cannon. Used by Manager.PurgeEnv to satisfy
// pkg/envctl.TrackerStore on environment teardown.
func (s *Store) Purge() error {
	if _, err := s.backing.DeletePrefix(s.collection, ""); err != nil {
		return fmt.Errorf("cannon: purge %s: %w", s.collection, err)
	}
	return nil
}
