package hook

// Plan holds the hook settings derived from the configuration.
type Plan struct {
	Enabled bool

	PrePassCommands  []string
	PostPassCommands []string

	DryRun   bool
	FailFast bool
}
