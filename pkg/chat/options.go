package chat

// Options is the backend-agnostic client configuration. It is validated as
// a whole when set; the client never mutates an Options value after
// accepting it, so reconfiguration means building a fresh value and
// calling SetOptions again.
type Options struct {
	// N is the default fan-out: the number of parallel completions
	// requested per turn when the call does not specify its own.
	N int

	// Token budget. MaxPromptTokens + MaxResponseTokens must not exceed
	// MaxContextTokens. Zero values are unconstrained.
	MaxContextTokens  int
	MaxPromptTokens   int
	MaxResponseTokens int

	// SystemMessage is prepended to every turn unless the call overrides it.
	SystemMessage string
}

// Validate checks the token-budget invariant. Violations are ConfigErrors:
// fatal, synchronous, at configuration time.
func (o Options) Validate() error {
	if o.MaxContextTokens > 0 && o.MaxPromptTokens+o.MaxResponseTokens > o.MaxContextTokens {
		return NewConfigError(
			"maxPromptTokens (%d) + maxResponseTokens (%d) exceeds maxContextTokens (%d)",
			o.MaxPromptTokens, o.MaxResponseTokens, o.MaxContextTokens,
		)
	}
	if o.N < 0 {
		return NewConfigError("n must not be negative, got %d", o.N)
	}
	return nil
}
