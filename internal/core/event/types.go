package event

// TopologyChanged is emitted by a dirty pass that moved or freed nodes.
type TopologyChanged struct {
	Pass        uint64
	Resolved    int
	Removed     int
	Nodes       int
	Fingerprint uint64
}

// ConfigErrorRaised carries a rejected graph request or a cycle found during
// a dirty pass.
type ConfigErrorRaised struct {
	Err error
}
