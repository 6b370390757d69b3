package types

// Event represents a typed event emitted during escrow state transitions.
// Sequence is assigned when the event is appended to the persisted log and is
// zero for events that have not been recorded yet.
type Event struct {
	Sequence   uint64            `json:"sequence,omitempty"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Copy returns a deep copy of the event.
func (e *Event) Copy() *Event {
	if e == nil {
		return nil
	}
	out := &Event{Sequence: e.Sequence, Type: e.Type}
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
