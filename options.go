package rfc

import "github.com/rs/zerolog"

// Option configures a Communicator at construction time: codec choice,
// logger, and initial provider.
type Option func(*Communicator)

// WithCodec overrides the default JSONCodec.
func WithCodec(codec Codec) Option {
	return func(c *Communicator) { c.codec = codec }
}

// WithProvider installs the root provider object at construction time,
// equivalent to calling SetProvider before the Communicator leaves NONE.
func WithProvider(root any) Option {
	return func(c *Communicator) { c.registry.SetRoot(root) }
}

// WithLogger attaches a zerolog.Logger for lifecycle and dispatch
// diagnostics. Defaults to a disabled logger (zerolog.Nop()).
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Communicator) { c.log = logger }
}
