package preflight

// Plan selects the checks Run performs.
type Plan struct {
	SourceAccessible    bool
	ReplicaAccessible   bool
	EnsureReplicaExists bool
	ReplicaWritable     bool
	PathNesting         bool
	LogFileLocation     bool

	// Global Flags
	DryRun bool
}
