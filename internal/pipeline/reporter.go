package pipeline

// Reporter receives progress notifications from a run. Advance is called
// from a single goroutine, once per discovered file, in completion order.
type Reporter interface {
	Start(total int)
	Advance(state State)
	Finish()
}

type nopReporter struct{}

func (nopReporter) Start(int)     {}
func (nopReporter) Advance(State) {}
func (nopReporter) Finish()       {}
