package transport

// Waker is a coalescing wake-up signal shared between a suspended task and
// the parties that can unblock it. Wake never blocks; multiple wakes
// before the task sleeps collapse into one.
type Waker struct {
	ch chan struct{}
}

// NewWaker returns a ready-to-use Waker.
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Wake signals the waiting task, if any. Safe to call from any goroutine.
func (w *Waker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel a task blocks on while suspended.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}
