package cachetier

// GoExecutor runs functions on their own goroutine, bounding how many run
// concurrently with a buffered channel used as a counting semaphore — the
// Go analogue of the bounded thread pool the original provider's copy task
// runs on.
type GoExecutor struct {
	sem chan struct{}
}

// NewGoExecutor returns an Executor that allows up to maxConcurrent
// goroutines to be running fn bodies at once. maxConcurrent <= 0 means
// unbounded.
func NewGoExecutor(maxConcurrent int) *GoExecutor {
	if maxConcurrent <= 0 {
		return &GoExecutor{}
	}
	return &GoExecutor{sem: make(chan struct{}, maxConcurrent)}
}

// Go runs fn on a new goroutine, blocking the caller only long enough to
// acquire a slot when the executor is bounded and currently full.
func (g *GoExecutor) Go(fn func()) {
	if g.sem == nil {
		go fn()
		return
	}
	g.sem <- struct{}{}
	go func() {
		defer func() { <-g.sem }()
		fn()
	}()
}
