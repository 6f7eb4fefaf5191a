package syncservice

import "time"

var (
	ErrServiceClosed = errServiceClosed
)

func WithTeardownGrace(d time.Duration) Option {
	return func(o *options) {
		o.teardownGrace = d
	}
}
