package feed

// Deduplicator suppresses repeated deliveries of the same notification.
// The cursor is the timestamp of the last accepted notification.
type Deduplicator struct {
	cursor string
	set    bool
}

// Accept reports whether a notification stamped ts should be emitted. A
// notification without a timestamp is always accepted and leaves the
// cursor alone.
func (d *Deduplicator) Accept(ts string) bool {
	if ts == "" {
		return true
	}
	if d.set && d.cursor == ts {
		return false
	}
	d.cursor = ts
	d.set = true
	return true
}

// Reset clears the cursor; called on every (re)connect.
func (d *Deduplicator) Reset() {
	d.cursor = ""
	d.set = false
}

// Cursor returns the last accepted timestamp, if any.
func (d *Deduplicator) Cursor() (string, bool) {
	return d.cursor, d.set
}
