package envctl

import "sync"

// Gate is the per-environment semaphore spec.md §4.H step 7 describes:
// it starts closed, and the Apply call that created it opens it once it
// finishes successfully; it then stays open. Wait blocks until then, but
// pkg/cannon's Run loop does not call Wait.
type Gate struct {
	once sync.Once
	wg   sync.WaitGroup
}

// NewGate returns a closed gate.
func NewGate() *Gate {
	g := &Gate{}
	g.wg.Add(1)
	return g
}

// Open releases every goroutine blocked in Wait, and every future Wait
// call. Safe to call more than once.
func (g *Gate) Open() {
	g.once.Do(g.wg.Done)
}

// Wait blocks until Open has been called.
func (g *Gate) Wait() {
	g.wg.Wait()
}
