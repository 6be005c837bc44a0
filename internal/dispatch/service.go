package dispatch

import (
	"context"

	"github.com/mattjoyce/framewire/internal/transport"
)

// Service consumes dispatch items for one connection. Implementations are
// arbitrary user code; the dispatcher only relies on the contract below.
type Service interface {
	// Ready reports whether the service can accept another item. A service
	// returning false must keep the waker and wake it once it can accept
	// work again; the connection's read pump stays paused in the meantime.
	// A non-nil error stops the dispatcher.
	Ready(wake *transport.Waker) (bool, error)

	// Call handles one dispatch item and returns the response frame to
	// write back. A nil frame means no response for this input, which is
	// valid (e.g. one-way messages). Call runs on its own goroutine and
	// may take as long as it needs; responses of concurrent calls may be
	// written out of order.
	Call(ctx context.Context, item Item) ([]byte, error)

	// Shutdown is polled during the shutdown phase until it reports true.
	// failed tells the service whether a terminal error is pending. A
	// service returning false must keep the waker and wake it when its
	// cleanup finishes.
	Shutdown(wake *transport.Waker, failed bool) bool
}

// ServiceFunc adapts a plain handler function to an always-ready Service
// with an immediate shutdown.
type ServiceFunc func(ctx context.Context, item Item) ([]byte, error)

// Ready always reports ready.
func (f ServiceFunc) Ready(*transport.Waker) (bool, error) { return true, nil }

// Call invokes the function.
func (f ServiceFunc) Call(ctx context.Context, item Item) ([]byte, error) {
	return f(ctx, item)
}

// Shutdown completes immediately.
func (f ServiceFunc) Shutdown(*transport.Waker, bool) bool { return true }
