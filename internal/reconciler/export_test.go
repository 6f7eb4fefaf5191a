package reconciler

import (
	"time"

	"github.com/zhukan/fastlane-agent/internal/worksheet"
)

type (
	DConfigManager = dConfigManager
	DReconciler    = dReconciler
)

// WorkerNames returns the worksheet names of active workers.
func (p *Pool) WorkerNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.workers))
	for name := range p.workers {
		names = append(names, name)
	}
	return names
}

// WithRetryPolicy overrides the retry policy for tests.
func WithRetryPolicy(maxAttempts int, baseBackoff, maxBackoff time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.baseBackoff = baseBackoff
		o.maxBackoff = maxBackoff
	}
}

// WithLister overrides the row lister factory for tests.
func WithLister(newLister func(baseURL string, creds worksheet.Credentials) RowLister) Option {
	return func(o *options) {
		o.newLister = newLister
	}
}
