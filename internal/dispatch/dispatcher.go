package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/framewire/internal/codec"
	"github.com/mattjoyce/framewire/internal/log"
	"github.com/mattjoyce/framewire/internal/timer"
	"github.com/mattjoyce/framewire/internal/transport"
)

// ErrKeepAliveExpired is the terminal error of a connection whose
// keep-alive deadline elapsed.
var ErrKeepAliveExpired = errors.New("dispatch: keep-alive timeout expired")

// defaultKeepAlive matches the default of KeepAliveTimeout (30 seconds).
const defaultKeepAlive = 30 * time.Second

// dispatcherState is owned exclusively by the Run goroutine. Transitions
// are one-directional: processing -> stop -> shutdown.
type dispatcherState uint8

const (
	stateProcessing dispatcherState = iota
	stateStop
	stateShutdown
)

// gateSignal is the outcome of one backpressure-gate pass.
type gateSignal uint8

const (
	// gateReady: the service accepts work, proceed to decode a frame.
	gateReady gateSignal = iota
	// gateItem: the gate produced a ready-made item, dispatch it.
	gateItem
	// gateContinue: state changed without producing an item, loop again.
	gateContinue
	// gatePending: nothing to do until a waker fires, suspend.
	gatePending
)

// errKind classifies the single pending error shared between the Run
// goroutine and detached call completions.
type errKind uint8

const (
	errKindKeepAlive errKind = iota + 1
	errKindEncoder
	errKindService
)

type pendingError struct {
	kind errKind
	err  error
}

// shared is the cell jointly owned by the dispatch loop and detached call
// goroutines: the inflight count, the single pending-error slot, and the
// codec every completion needs to encode its result.
type shared struct {
	codec codec.Codec

	mu       sync.Mutex
	inflight int
	slot     *pendingError
}

func (s *shared) inc() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *shared) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// record keeps the first error; later ones are dropped until the slot is
// consumed.
func (s *shared) record(kind errKind, err error) {
	s.mu.Lock()
	if s.slot == nil {
		s.slot = &pendingError{kind: kind, err: err}
	}
	s.mu.Unlock()
}

func (s *shared) take() *pendingError {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe := s.slot
	s.slot = nil
	return pe
}

// handleResult is the result sink: it retires one inflight call, writes
// the outcome into the connection, and records any failure. wake is set by
// detached completions so the dispatch loop re-evaluates state; the inline
// path drains results itself and passes false.
func (s *shared) handleResult(frame []byte, callErr error, st *transport.State, wake bool) {
	s.mu.Lock()
	if s.inflight == 0 {
		s.mu.Unlock()
		panic("dispatch: inflight counter underflow")
	}
	s.inflight--
	s.mu.Unlock()

	if err := st.WriteResult(frame, callErr, s.codec); err != nil {
		var encErr *transport.EncodeError
		if errors.As(err, &encErr) {
			s.record(errKindEncoder, err)
		} else {
			s.record(errKindService, err)
		}
	}

	if wake {
		st.WakeDispatcher()
	}
}

// callOutcome carries an inline call's result back to the dispatch loop.
type callOutcome struct {
	frame []byte
	err   error
}

// Dispatcher pumps decoded frames from a connection to a Service and the
// service's responses back into the connection's write buffer. Construct
// one per connection and drive it to completion with Run.
type Dispatcher struct {
	service Service
	state   *transport.State
	timer   *timer.Timer
	shared  *shared
	logger  *slog.Logger

	st        dispatcherState
	kaTimeout time.Duration
	kaUpdated time.Time
	finalErr  error

	waker *transport.Waker

	// inline is the at-most-one call tracked directly by the loop; further
	// calls detach and report through the result sink on their own.
	inline chan callOutcome

	// turn is the delivery ticket of the most recently dispatched call.
	// Each call closes its ticket right before entering the service, and
	// the next call waits on it first, so items reach the service in
	// arrival order even though the calls themselves run concurrently.
	turn chan struct{}
}

// New constructs a dispatcher over rwc, starting the transport's read and
// write pumps. The keep-alive timeout defaults to 30 seconds and the
// disconnect timeout to 1 second.
func New(rwc io.ReadWriteCloser, c codec.Codec, service Service, tm *timer.Timer) *Dispatcher {
	return FromState(c, transport.New(rwc), service, tm)
}

// FromState constructs a dispatcher over an existing connection state.
func FromState(c codec.Codec, state *transport.State, service Service, tm *timer.Timer) *Dispatcher {
	w := transport.NewWaker()
	state.DspRegisterTask(w)

	d := &Dispatcher{
		service:   service,
		state:     state,
		timer:     tm,
		shared:    &shared{codec: c},
		logger:    log.WithComponent("dispatch"),
		st:        stateProcessing,
		kaTimeout: defaultKeepAlive,
		kaUpdated: tm.Now(),
		waker:     w,
	}

	// register the initial keep-alive deadline
	expire := d.kaUpdated.Add(d.kaTimeout)
	tm.Register(expire, expire, state)

	return d
}

// KeepAliveTimeout sets the keep-alive timeout in whole seconds. Zero
// disables it. Must be called before Run.
func (d *Dispatcher) KeepAliveTimeout(seconds int) *Dispatcher {
	prev := d.kaUpdated.Add(d.kaTimeout)
	if seconds == 0 {
		d.timer.Unregister(prev, d.state)
	} else {
		expire := d.kaUpdated.Add(time.Duration(seconds) * time.Second)
		d.timer.Register(expire, prev, d.state)
	}
	d.kaTimeout = time.Duration(seconds) * time.Second
	return d
}

// DisconnectTimeout bounds, in milliseconds, how long the closing
// connection may spend flushing. Zero disables the bound. Must be called
// before Run.
func (d *Dispatcher) DisconnectTimeout(ms int) *Dispatcher {
	d.state.SetDisconnectTimeout(time.Duration(ms) * time.Millisecond)
	return d
}

// Inflight returns the number of service calls whose result has not been
// written back yet.
func (d *Dispatcher) Inflight() int {
	return d.shared.pending()
}

// Run drives the connection to completion. It returns nil on a clean
// close, or the first terminal error recorded (keep-alive, decode, io,
// encoder or service). Cancelling ctx requests a stop; the machine still
// drains inflight calls and runs the service shutdown hook. Run must be
// called at most once.
func (d *Dispatcher) Run(ctx context.Context) error {
	done := ctx.Done()

	for {
		// a completed inline call is drained before anything else so its
		// response is flushed before a new frame is pulled
		d.drainInline()

		switch d.st {
		case stateProcessing:
			signal, item := d.pollService()
			switch signal {
			case gateContinue:
				continue
			case gatePending:
				done = d.wait(done)
				continue
			case gateReady:
				if !d.state.IsReadReady() {
					d.state.DspRegisterTask(d.waker)
					done = d.wait(done)
					continue
				}
				frame, ok, err := d.state.DecodeItem(d.shared.codec)
				switch {
				case err != nil:
					d.logger.Debug("frame decode failed, stopping", "error", err)
					d.st = stateStop
					d.unregisterKeepAlive()
					d.setFinalErr(err)
					item = Item{Kind: KindDecoderError, Err: err}
				case !ok:
					// not enough data for the next frame; not an error
					d.state.DspReadMoreData(d.waker)
					done = d.wait(done)
					continue
				default:
					d.updateKeepAlive()
					item = Item{Kind: KindFrame, Frame: frame}
				}
			case gateItem:
				// the gate produced the item itself
			}
			d.dispatch(ctx, item)

		case stateStop:
			// drain: the service may rely on readiness polling to flush
			// response state; poll it without consuming the result
			_, _ = d.service.Ready(d.waker)

			if d.shared.pending() == 0 {
				d.st = stateShutdown
				d.state.ShutdownIO()
			} else {
				d.state.DspRegisterTask(d.waker)
				done = d.wait(done)
			}

		case stateShutdown:
			if !d.service.Shutdown(d.waker, d.finalErr != nil) {
				done = d.wait(done)
				continue
			}
			d.logger.Debug("service shutdown complete")
			return d.finalErr
		}
	}
}

// pollService is the backpressure gate: it translates service readiness
// plus pending error and stop signals into the next unit of work.
func (d *Dispatcher) pollService() (gateSignal, Item) {
	ready, err := d.service.Ready(d.waker)
	if err != nil {
		d.logger.Debug("service readiness check failed, stopping", "error", err)
		d.st = stateStop
		d.setFinalErr(err)
		d.unregisterKeepAlive()
		return gateContinue, Item{}
	}
	if !ready {
		// saturated service throttles the read side
		d.state.DspServiceNotReady(d.waker)
		return gatePending, Item{}
	}

	// service is ready, resume the read pump
	d.state.DspRestartReadTask()

	d.checkKeepAlive()

	if pe := d.shared.take(); pe != nil {
		d.logger.Debug("error occurred, stopping dispatcher", "error", pe.err)
		d.unregisterKeepAlive()
		d.st = stateStop

		switch pe.kind {
		case errKindKeepAlive:
			d.setFinalErr(ErrKeepAliveExpired)
			return gateItem, Item{Kind: KindKeepAliveTimeout, Err: ErrKeepAliveExpired}
		case errKindEncoder:
			d.setFinalErr(pe.err)
			return gateItem, Item{Kind: KindEncoderError, Err: pe.err}
		default:
			// service errors are stashed for final reporting, not delivered
			d.setFinalErr(pe.err)
			return gateContinue, Item{}
		}
	}

	if d.state.IsDspStopped() {
		d.logger.Debug("dispatcher instructed to stop")
		d.unregisterKeepAlive()
		d.st = stateStop

		if ioErr := d.state.TakeIOError(); ioErr != nil {
			d.setFinalErr(ioErr)
			return gateItem, Item{Kind: KindIOError, Err: ioErr}
		}
		return gateContinue, Item{}
	}

	return gateReady, Item{}
}

// dispatch starts one service call for item. The first pending call is
// tracked inline; while one is pending, further calls run detached and
// write their own results.
func (d *Dispatcher) dispatch(ctx context.Context, item Item) {
	d.shared.inc()

	prev := d.turn
	turn := make(chan struct{})
	d.turn = turn
	deliver := func() ([]byte, error) {
		if prev != nil {
			<-prev
		}
		close(turn)
		return d.service.Call(ctx, item)
	}

	if d.inline == nil {
		ch := make(chan callOutcome, 1)
		d.inline = ch
		go func() {
			frame, err := deliver()
			ch <- callOutcome{frame: frame, err: err}
			d.waker.Wake()
		}()
		return
	}

	go func() {
		frame, err := deliver()
		d.shared.handleResult(frame, err, d.state, true)
	}()
}

// drainInline retires a completed inline call without blocking.
func (d *Dispatcher) drainInline() {
	if d.inline == nil {
		return
	}
	select {
	case out := <-d.inline:
		d.shared.handleResult(out.frame, out.err, d.state, false)
		d.inline = nil
	default:
	}
}

// wait suspends the loop until a waker fires. The first context
// cancellation is translated into an external stop request; afterwards
// only wakers can resume the loop.
func (d *Dispatcher) wait(done <-chan struct{}) <-chan struct{} {
	select {
	case <-d.waker.C():
		return done
	case <-done:
		d.logger.Debug("context canceled, stopping dispatcher")
		d.state.Close()
		return nil
	}
}

func (d *Dispatcher) setFinalErr(err error) {
	if d.finalErr == nil {
		d.finalErr = err
	}
}

func (d *Dispatcher) kaEnabled() bool {
	return d.kaTimeout > 0
}

// checkKeepAlive records an expired keep-alive deadline. It never
// displaces an error that is already pending.
func (d *Dispatcher) checkKeepAlive() {
	if d.state.IsKeepAlive() {
		d.logger.Debug("keep-alive timeout")
		d.shared.record(errKindKeepAlive, ErrKeepAliveExpired)
	}
}

// updateKeepAlive pushes the connection's deadline forward after a
// successful decode. Deadlines are second-granular, so multiple frames
// within the same second re-register nothing.
func (d *Dispatcher) updateKeepAlive() {
	if !d.kaEnabled() {
		return
	}
	now := d.timer.Now()
	if !now.Equal(d.kaUpdated) {
		d.timer.Register(now.Add(d.kaTimeout), d.kaUpdated.Add(d.kaTimeout), d.state)
		d.kaUpdated = now
	}
}

// unregisterKeepAlive removes the current deadline. Safe to call more
// than once and a no-op when keep-alive is disabled.
func (d *Dispatcher) unregisterKeepAlive() {
	if d.kaEnabled() {
		d.timer.Unregister(d.kaUpdated.Add(d.kaTimeout), d.state)
	}
}
