// Package transport owns the shared per-connection state: the read and
// write buffers, status flags, and the background pump goroutines moving
// bytes between the buffers and the underlying connection. The dispatcher
// only touches this state through the narrow interface below; the buffers
// themselves never leave this package.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mattjoyce/framewire/internal/codec"
)

const readChunkSize = 4 * 1024

// EncodeError wraps a codec failure while writing a response frame. The
// result sink uses the type to tell encoder failures apart from handler
// failures.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("transport: encode frame: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// State is the shared connection state. It is created once per accepted
// connection; the dispatcher, the pump goroutines, the timer facility and
// detached handler completions all hold references to it.
type State struct {
	rwc io.ReadWriteCloser

	mu         sync.Mutex
	readBuf    bytes.Buffer
	writeBuf   bytes.Buffer
	dspStopped bool
	keepalive  bool
	ioErr      error
	readPaused bool
	shutdown   bool
	closed     bool
	writeDead  bool
	bytesIn    uint64
	bytesOut   uint64

	disconnectTimeout time.Duration
	closeTimer        *time.Timer

	dspWaker   *Waker
	readResume *Waker
	writeWake  *Waker
}

// New creates the connection state over rwc and starts its read and write
// pump goroutines.
func New(rwc io.ReadWriteCloser) *State {
	s := &State{
		rwc:               rwc,
		readResume:        NewWaker(),
		writeWake:         NewWaker(),
		disconnectTimeout: time.Second,
	}
	go s.readPump()
	go s.writePump()
	return s
}

// SetDisconnectTimeout bounds how long a closing connection may spend
// flushing buffered writes. Zero disables the bound.
func (s *State) SetDisconnectTimeout(d time.Duration) {
	s.mu.Lock()
	s.disconnectTimeout = d
	s.mu.Unlock()
}

// IsReadReady reports whether buffered bytes are available to decode.
func (s *State) IsReadReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBuf.Len() > 0
}

// DecodeItem attempts to decode one frame from the read buffer. ok=false
// with a nil error means the buffer holds no complete frame yet.
func (s *State) DecodeItem(c codec.Codec) (frame []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.Decode(&s.readBuf)
}

// WriteResult writes a handler outcome into the write buffer. A handler
// error passes through untouched so the result sink can record it; a nil
// frame is a silent no-op; an encoding failure comes back as *EncodeError.
func (s *State) WriteResult(frame []byte, callErr error, c codec.Codec) error {
	if callErr != nil {
		return callErr
	}
	if frame == nil {
		return nil
	}
	return s.WriteItem(frame, c)
}

// WriteItem encodes a frame straight into the write buffer, bypassing the
// dispatcher. Used by the result sink and by callers pushing unsolicited
// frames to the peer.
func (s *State) WriteItem(frame []byte, c codec.Codec) error {
	s.mu.Lock()
	if s.closed || s.shutdown {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	err := c.Encode(frame, &s.writeBuf)
	s.mu.Unlock()
	if err != nil {
		return &EncodeError{Err: err}
	}
	s.writeWake.Wake()
	return nil
}

// Close requests the dispatcher to stop. The dispatcher observes the flag
// on its next pass and drains through its normal shutdown sequence.
func (s *State) Close() {
	s.mu.Lock()
	s.dspStopped = true
	s.mu.Unlock()
	s.WakeDispatcher()
}

// IsDspStopped reports whether an external stop was requested or the
// transport failed.
func (s *State) IsDspStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dspStopped
}

// TakeIOError returns the recorded transport error, clearing it.
func (s *State) TakeIOError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ioErr
	s.ioErr = nil
	return err
}

// KeepAliveExpired marks the connection as idle past its deadline. Called
// by the timer facility.
func (s *State) KeepAliveExpired() {
	s.mu.Lock()
	s.keepalive = true
	s.mu.Unlock()
	s.WakeDispatcher()
}

// IsKeepAlive reports whether a registered keep-alive deadline elapsed.
func (s *State) IsKeepAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalive
}

// Stats returns the byte counters maintained by the pumps.
func (s *State) Stats() (bytesIn, bytesOut uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesIn, s.bytesOut
}

// DspRegisterTask registers the dispatcher's waker for any connection
// event: new bytes, stop requests, keep-alive expiry, completions.
func (s *State) DspRegisterTask(w *Waker) {
	s.setDspWaker(w)
}

// DspReadMoreData registers the dispatcher's waker for the arrival of
// more decodable bytes.
func (s *State) DspReadMoreData(w *Waker) {
	s.setDspWaker(w)
}

// DspServiceNotReady registers the dispatcher's waker and pauses the read
// pump: a saturated service must throttle the read side.
func (s *State) DspServiceNotReady(w *Waker) {
	s.setDspWaker(w)
	s.mu.Lock()
	s.readPaused = true
	s.mu.Unlock()
}

// DspRestartReadTask resumes a read pump paused by DspServiceNotReady.
func (s *State) DspRestartReadTask() {
	s.mu.Lock()
	paused := s.readPaused
	s.readPaused = false
	s.mu.Unlock()
	if paused {
		s.readResume.Wake()
	}
}

// WakeDispatcher wakes the dispatcher's task so it re-evaluates state.
func (s *State) WakeDispatcher() {
	s.mu.Lock()
	w := s.dspWaker
	s.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

// ShutdownIO begins closing the transport: remaining buffered writes are
// flushed, bounded by the disconnect timeout, then the connection closes.
func (s *State) ShutdownIO() {
	s.mu.Lock()
	s.shutdown = true
	writerGone := s.writeDead
	d := s.disconnectTimeout
	if d > 0 && s.closeTimer == nil && !s.closed {
		s.closeTimer = time.AfterFunc(d, s.forceClose)
	}
	s.mu.Unlock()

	if writerGone {
		// no writer left to flush and close, do it here
		s.forceClose()
	}
	s.writeWake.Wake()
	s.readResume.Wake()
}

func (s *State) setDspWaker(w *Waker) {
	s.mu.Lock()
	s.dspWaker = w
	s.mu.Unlock()
}

func (s *State) forceClose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	s.mu.Unlock()

	_ = s.rwc.Close()
	s.readResume.Wake()
	s.writeWake.Wake()
}

// setIOError records the first transport failure and stops the dispatcher.
func (s *State) setIOError(err error) {
	s.mu.Lock()
	if s.ioErr == nil {
		s.ioErr = err
	}
	s.dspStopped = true
	s.mu.Unlock()
	s.WakeDispatcher()
}

// markStopped flags a clean peer EOF: stop dispatching, but it is not an
// io error item.
func (s *State) markStopped() {
	s.mu.Lock()
	s.dspStopped = true
	s.mu.Unlock()
	s.WakeDispatcher()
}

// readPump moves bytes from the connection into the read buffer until the
// peer closes, the transport fails, or shutdown begins.
func (s *State) readPump() {
	buf := make([]byte, readChunkSize)
	for {
		if s.waitReadable() {
			return
		}

		n, err := s.rwc.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.readBuf.Write(buf[:n])
			s.bytesIn += uint64(n)
			s.mu.Unlock()
			s.WakeDispatcher()
		}
		if err != nil {
			if err == io.EOF {
				s.markStopped()
			} else {
				s.mu.Lock()
				done := s.shutdown || s.closed
				s.mu.Unlock()
				if done {
					// errors from our own close are not peer failures
					s.markStopped()
				} else {
					s.setIOError(err)
				}
			}
			return
		}
	}
}

// waitReadable blocks while the read pump is paused. Returns true when the
// pump should exit instead of reading again.
func (s *State) waitReadable() bool {
	for {
		s.mu.Lock()
		if s.shutdown || s.closed {
			s.mu.Unlock()
			return true
		}
		paused := s.readPaused
		s.mu.Unlock()
		if !paused {
			return false
		}
		<-s.readResume.C()
	}
}

// writePump drains the write buffer to the connection and performs the
// final flush-and-close when shutdown is requested.
func (s *State) writePump() {
	for {
		chunk := s.takeWrite()
		if len(chunk) > 0 {
			n, err := s.rwc.Write(chunk)
			s.mu.Lock()
			s.bytesOut += uint64(n)
			s.mu.Unlock()
			if err != nil {
				s.mu.Lock()
				s.writeDead = true
				s.mu.Unlock()
				s.setIOError(err)
				s.forceClose()
				return
			}
			continue
		}

		s.mu.Lock()
		if s.writeBuf.Len() > 0 {
			// bytes arrived between the drain and this check
			s.mu.Unlock()
			continue
		}
		done := s.shutdown || s.closed
		s.writeDead = done
		s.mu.Unlock()
		if done {
			// buffer drained, flush is complete
			s.forceClose()
			return
		}
		<-s.writeWake.C()
	}
}

// takeWrite swaps out the currently buffered write bytes.
func (s *State) takeWrite() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeBuf.Len() == 0 {
		return nil
	}
	chunk := make([]byte, s.writeBuf.Len())
	copy(chunk, s.writeBuf.Bytes())
	s.writeBuf.Reset()
	return chunk
}
