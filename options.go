package pecoff

import "log/slog"

type options struct {
	logger      *slog.Logger
	maxSections int
}

// Option configures Open and NewFile.
type Option func(*options)

// WithLogger sets the logger used for parse tracing. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxSections rejects files declaring more than n sections. Zero means no
// limit.
func WithMaxSections(n int) Option {
	return func(o *options) { o.maxSections = n }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
