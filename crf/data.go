package crf

// Feature is one active feature of an event: a dense feature ID and its
// value. Zero-valued features are never stored.
type Feature struct {
	ID    int
	Value float64
}

// Event is a single observation: a gold label ID, an event weight (usually
// 1.0) and the list of active features.
type Event struct {
	Label  int
	Weight float64
	Obs    []Feature
}

// Sequence is an ordered, nonempty list of events.
type Sequence []Event

// TriSequence is a sequence together with a topic-level event. The topic
// event carries the topic label and the sequence-level features that inform
// the topic choice; the inner labels of Seq are interpreted within that
// topic.
type TriSequence struct {
	Topic Event
	Seq   Sequence
}

// Len returns the number of inner positions.
func (ts *TriSequence) Len() int { return len(ts.Seq) }
