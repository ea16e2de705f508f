package pool

// Stats is a point-in-time snapshot of pool accounting.
type Stats struct {
	State       string `json:"state"`
	MaxPoolSize int    `json:"max_pool_size"`
	MinIdle     int    `json:"min_idle"`
	Total       int    `json:"total"`
	Idle        int    `json:"idle"`
	InUse       int    `json:"in_use"`
	Opening     int    `json:"opening"`
	Pending     int    `json:"pending"` // callers queued in Acquire

	Acquired           uint64 `json:"acquired"`
	Created            uint64 `json:"created"`
	Closed             uint64 `json:"closed"`
	Timeouts           uint64 `json:"timeouts"`
	Leaks              uint64 `json:"leaks"`
	ValidationFailures uint64 `json:"validation_failures"`
}

// Stats returns a consistent snapshot taken under the pool lock.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		State:              p.state.String(),
		MaxPoolSize:        p.cfg.MaxPoolSize,
		MinIdle:            p.cfg.MinIdle,
		Total:              p.totalLocked(),
		Idle:               len(p.idle),
		InUse:              len(p.inUse),
		Opening:            p.opening,
		Pending:            len(p.waiters),
		Acquired:           p.stats.acquired,
		Created:            p.stats.created,
		Closed:             p.stats.closed,
		Timeouts:           p.stats.timeouts,
		Leaks:              p.stats.leaks,
		ValidationFailures: p.stats.validationFailures,
	}
}
