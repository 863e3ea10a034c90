package host

import (
	"sync"
	"time"
)

// grant is one execution window. When the holder does not call Complete
// before the deadline, the window is revoked: Expired is closed and the
// slot is released anyway.
type grant struct {
	task      string
	grantedAt time.Time
	deadline  time.Time
	expired   chan struct{}
	timer     *time.Timer

	once    sync.Once
	used    time.Duration
	release func(g *grant, success bool)
}

func newGrant(task string, now time.Time, budget time.Duration, release func(g *grant, success bool)) *grant {
	g := &grant{
		task:      task,
		grantedAt: now,
		deadline:  now.Add(budget),
		expired:   make(chan struct{}),
		release:   release,
	}
	g.timer = time.AfterFunc(budget, func() {
		close(g.expired)
		g.finish(false)
	})
	return g
}

func (g *grant) GrantedAt() time.Time     { return g.grantedAt }
func (g *grant) Deadline() time.Time      { return g.deadline }
func (g *grant) Expired() <-chan struct{} { return g.expired }

func (g *grant) Complete(success bool) {
	g.timer.Stop()
	g.finish(success)
}

func (g *grant) finish(success bool) {
	g.once.Do(func() {
		g.used = time.Since(g.grantedAt)
		g.release(g, success)
	})
}
