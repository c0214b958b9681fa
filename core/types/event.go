package types

// Event represents a typed notification emitted by an escrow state change.
// Sequence is assigned by the emitting instance and increases by one for every
// notification it commits; Time is the unix timestamp of the commit.
type Event struct {
	Type       string            `json:"type"`
	Sequence   uint64            `json:"sequence"`
	Time       int64             `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the named attribute or the empty string.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Attributes = make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		clone.Attributes[k] = v
	}
	return &clone
}
