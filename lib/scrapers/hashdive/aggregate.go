package hashdive

// Aggregator folds a run's decoded frames, in arrival order, into one
// UserRecord. It owns the classifier state for the run, so a fresh
// Aggregator per run gives every run a reset classifier.
type Aggregator struct {
	record UserRecord
	state  State
	counts map[Tag]int
}

func NewAggregator() *Aggregator {
	return &Aggregator{counts: map[Tag]int{}}
}

// Fold classifies one frame and merges whatever fields it supplies.
// Frame order matters, callers must fold frames as they arrived.
func (a *Aggregator) Fold(msg map[string]any) Classified {
	var classified Classified
	classified, a.state = Classify(msg, a.state)
	a.counts[classified.Tag]++
	extractInto(&a.record, classified)
	return classified
}

func (a *Aggregator) Record() UserRecord {
	return a.record
}

// TagCounts reports how many frames resolved to each tag, used for
// run diagnostics.
func (a *Aggregator) TagCounts() map[Tag]int {
	out := make(map[Tag]int, len(a.counts))
	for tag, count := range a.counts {
		out[tag] = count
	}
	return out
}

// BuildRecord replays an already-captured frame sequence (e.g. a debug
// dump) through a fresh classifier. Replaying the same sequence twice
// yields identical records.
func BuildRecord(frames []map[string]any) UserRecord {
	agg := NewAggregator()
	for _, frame := range frames {
		agg.Fold(frame)
	}
	return agg.Record()
}
