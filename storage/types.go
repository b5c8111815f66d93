package storage

// Cursor is a caller owned logical read position.
// Mapped read views are shared and carry no per-caller state, so every
// read supplies its own cursor; a read advances it by the bytes consumed.
type Cursor struct {
	pos int64
	set bool
}

// NewCursor returns a cursor positioned at offset.
func NewCursor(offset int64) *Cursor {
	return &Cursor{pos: offset, set: true}
}

// Position returns the current offset; ok is false if the cursor was never positioned.
func (c *Cursor) Position() (int64, bool) {
	if c == nil {
		return 0, false
	}
	return c.pos, c.set
}

// Advance moves the cursor forward by n bytes.
func (c *Cursor) Advance(n int) {
	c.pos += int64(n)
}

// Stats exposes basic runtime and storage metrics.
type Stats struct {
	// Logical number of records appended (including overwritten ones)
	Appends uint64 `json:"appends"`
	// Total bytes written to the log (including record framing)
	BytesWritten uint64 `json:"bytesWritten"`
	// Total bytes read from the log
	BytesRead uint64 `json:"bytesRead"`
	// Number of grow operations on the log file
	Grows uint64 `json:"grows"`
	// Hash matches whose stored key differed from the requested key
	Collisions uint64 `json:"collisions"`
	// Live key count
	Size int `json:"size"`
	// Current log tail and physical log length
	LogPosition int64 `json:"logPosition"`
	LogLength   int64 `json:"logLength"`
	// Header writes waiting in the write-behind queues
	PendingWrites int `json:"pendingWrites"`
	// Records per index shard
	ShardOccupancy []int `json:"shardOccupancy,omitempty"`
}
