package dispatch

import "fmt"

// ItemKind tags the variant of a dispatch item.
type ItemKind uint8

const (
	// KindFrame carries a regular decoded frame.
	KindFrame ItemKind = iota
	// KindDecoderError reports that decoding the peer's bytes failed.
	KindDecoderError
	// KindEncoderError reports that encoding an earlier response failed.
	KindEncoderError
	// KindIOError reports a transport read/write failure.
	KindIOError
	// KindKeepAliveTimeout reports that the idle deadline elapsed.
	KindKeepAliveTimeout
)

// String returns the kind's wire-log name.
func (k ItemKind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindDecoderError:
		return "decoder_error"
	case KindEncoderError:
		return "encoder_error"
	case KindIOError:
		return "io_error"
	case KindKeepAliveTimeout:
		return "keepalive_timeout"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Item is the tagged value delivered to the service, exactly once per
// dispatch: either a decoded frame or the error condition that ends the
// connection.
type Item struct {
	Kind  ItemKind
	Frame []byte // set for KindFrame
	Err   error  // set for the error kinds
}
