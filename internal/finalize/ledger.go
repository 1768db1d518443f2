package finalize

// Ledger records, per contact id, whether a finalization is in flight and
// whether its summary was handed to persistence. It lives as long as one
// desk and is only touched from the event loop.
type Ledger struct {
	entries map[string]ledgerEntry
}

type ledgerEntry struct {
	inFlight bool
	saved    bool
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]ledgerEntry)}
}

// Busy reports whether id is in flight or already saved.
func (l *Ledger) Busy(id string) bool {
	e := l.entries[id]
	return e.inFlight || e.saved
}

// Begin marks id in flight. It returns false, changing nothing, when id is
// already busy.
func (l *Ledger) Begin(id string) bool {
	if l.Busy(id) {
		return false
	}
	l.entries[id] = ledgerEntry{inFlight: true}
	return true
}

// MarkSaved records that the summary for id has been submitted.
func (l *Ledger) MarkSaved(id string) {
	e := l.entries[id]
	e.saved = true
	l.entries[id] = e
}

// Finish clears the in-flight flag. A saved mark is kept.
func (l *Ledger) Finish(id string) {
	e, ok := l.entries[id]
	if !ok {
		return
	}
	e.inFlight = false
	if !e.saved {
		delete(l.entries, id)
		return
	}
	l.entries[id] = e
}

// Saved reports whether the summary for id was submitted.
func (l *Ledger) Saved(id string) bool {
	return l.entries[id].saved
}

// InFlight reports whether a finalization for id has not returned yet.
func (l *Ledger) InFlight(id string) bool {
	return l.entries[id].inFlight
}

// Reset forgets id.
func (l *Ledger) Reset(id string) {
	delete(l.entries, id)
}

// Clear forgets every id.
func (l *Ledger) Clear() {
	clear(l.entries)
}

// Len returns the number of tracked ids.
func (l *Ledger) Len() int {
	return len(l.entries)
}
