package domain

// DiscoveryStatus represents the lifecycle status of a discovery record.
type DiscoveryStatus string

const (
	StatusPendingAnalysis DiscoveryStatus = "PENDING_ANALYSIS"
	StatusHighConfidence  DiscoveryStatus = "HIGH_CONFIDENCE"
)

// String returns the string representation of DiscoveryStatus.
func (s DiscoveryStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s DiscoveryStatus) IsValid() bool {
	return s == StatusPendingAnalysis || s == StatusHighConfidence
}

// DiscoveryRecord is the aggregator's view of a unique token within the
// dedup window. Created on first sighting of a mint, mutated in place as
// confirmations arrive, evicted once its age exceeds the window.
type DiscoveryRecord struct {
	Mint           string
	Symbol         string
	Name           string
	FirstSourceID  SourceID // founding source; never reordered on late arrivals
	DiscoveredAtMs int64    // Unix timestamp in milliseconds
	Status         DiscoveryStatus
	Confirmations  []DiscoveryConfirmation
	WasRug         bool
}

// DiscoveryConfirmation is a sighting of an already-known mint by a source
// not yet represented on the record. At most one per source per record.
// JSON tags match the archive's confirmations column.
type DiscoveryConfirmation struct {
	TokenMint          string   `json:"token_mint"`
	SourceID           SourceID `json:"source_id"`
	ConfirmedAtMs      int64    `json:"confirmed_at_ms"`
	LatencyFromFirstMs int64    `json:"latency_from_first_ms"` // delay relative to the founding sighting
}

// AgeMs returns the record's age relative to nowMs.
func (r *DiscoveryRecord) AgeMs(nowMs int64) int64 {
	return nowMs - r.DiscoveredAtMs
}

// HasSource reports whether the given source is already represented on the
// record, either as the founding source or as a confirmer.
func (r *DiscoveryRecord) HasSource(id SourceID) bool {
	if r.FirstSourceID == id {
		return true
	}
	for _, c := range r.Confirmations {
		if c.SourceID == id {
			return true
		}
	}
	return false
}

// Sources returns every distinct source represented on the record, founding
// source first, confirmations in arrival order.
func (r *DiscoveryRecord) Sources() []SourceID {
	out := make([]SourceID, 0, len(r.Confirmations)+1)
	out = append(out, r.FirstSourceID)
	for _, c := range r.Confirmations {
		out = append(out, c.SourceID)
	}
	return out
}

// Clone returns a deep copy safe to hand outside the aggregator's lock.
func (r *DiscoveryRecord) Clone() *DiscoveryRecord {
	cp := *r
	if r.Confirmations != nil {
		cp.Confirmations = make([]DiscoveryConfirmation, len(r.Confirmations))
		copy(cp.Confirmations, r.Confirmations)
	}
	return &cp
}
