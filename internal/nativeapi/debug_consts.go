package nativeapi

// These consts are used various places in the emitter implementations.
// Instead of defining them in each file, we define them here so that we can quickly iterate on
// debugging without spending "where do we have debug logging?" time.

// ----- Debug logging -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	EmitterLoggingEnabled     = false
	InterpreterLoggingEnabled = false
)

// ----- Output prints -----
// These consts must be disabled by default. Enable them only when debugging.

const (
	PrintIR           = false
	PrintLaidOutIR    = false
	PrintTableUpdates = false
)

// ----- Validations -----
// These consts must be enabled by default until we reach the point where we can disable them.

const (
	IRValidationEnabled = true
)
