package domain

// JournalEntry is the flattened, persistable form of a discovery event.
// The journal keeps one row per emitted event so discovery activity can
// be replayed and analyzed offline.
type JournalEntry struct {
	EventID       string
	EventType     string
	SourceID      SourceID
	Mint          string
	Symbol        string
	Status        string
	TotalWeight   float64
	Confirmations int
	TimestampMs   int64
}
