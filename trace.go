package allocators

// trace gates the fmt.Fprintf(os.Stderr, ...) diagnostics scattered through
// this package's allocation entry points. It is a plain const, not a
// build tag, so flipping it costs a recompile and nothing else.
const trace = false
