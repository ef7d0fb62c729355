package wire

// Type tags identify which record layout follows a Header in the document
// store (pkg/store) and are reused as the record kind for prefix-scanned
// collections. Centralised here so two packages never accidentally reuse a
// tag.
const (
	TypeAgent              uint16 = 1
	TypeEnvironment        uint16 = 2
	TypeStorage            uint16 = 3
	TypeTransactionTracker uint16 = 4
	TypeMuxFrame           uint16 = 5
)
