package metrics

// Package metrics defines interfaces and implementations for collecting
// session metrics. Sinks like PromSink and InfluxSink record events such
// as billing accruals or command outcomes and can be combined with
// NewMultiSink. The factory helpers return a MultiSink automatically when
// multiple sinks are configured.
