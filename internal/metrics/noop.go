package metrics

// NoopSink discards all metrics. Used when no metrics backend is configured.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (*NoopSink) ScanCompleted(int, error) {}
func (*NoopSink) PollCompleted(string)     {}
func (*NoopSink) JobFinished(string)       {}
func (*NoopSink) JobsInFlightIncr()        {}
func (*NoopSink) JobsInFlightDecr()        {}
