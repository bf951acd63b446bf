package protocol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/sample"
)

// StreamState is the capture stream state.
type StreamState int32

const (
	StreamCreating StreamState = iota
	StreamGood
	StreamFailed
	StreamTerminated
)

// String returns the stream state name.
func (s StreamState) String() string {
	switch s {
	case StreamCreating:
		return "creating"
	case StreamGood:
		return "good"
	case StreamFailed:
		return "failed"
	case StreamTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsGood reports whether data-path operations are valid.
func (s StreamState) IsGood() bool {
	return s == StreamGood
}

// ErrPeekOutstanding is returned when a second peek is attempted
// before the previous borrowed chunk was released.
var ErrPeekOutstanding = errors.New("previous peeked chunk not yet released")

// ErrStreamNotGood is returned for data operations outside the good state.
var ErrStreamNotGood = errors.New("stream is not in a good state")

// Stream is a single capture stream attached to a ready session. It
// queues server data payloads and hands them out as borrowed chunks
// whose release acknowledges the bytes back to this buffer.
type Stream struct {
	// Atomic fields must be first for proper alignment on 32-bit targets.
	latencyUsec     int64
	latencyNegative int32
	latencyValid    int32
	state           int32
	corked          int32
	uncorkRequested int32

	session *Session
	label   string
	spec    sample.Spec
	cmap    sample.ChannelMap
	props   *graph.Proplist
	logger  *zerolog.Logger

	attrMtx sync.Mutex
	attr    BufferAttr

	recvMtx  sync.Mutex
	recvQ    [][]byte
	readable int
	borrowed bool
}

// NewStream creates a capture stream on the session. Valid only while
// the session is ready; destroying the session invalidates the stream.
func (s *Session) NewStream(label string, spec sample.Spec, cmap sample.ChannelMap, props *graph.Proplist) (*Stream, error) {
	if s.State() != SessionReady {
		return nil, fmt.Errorf("cannot create stream in session state %s", s.State())
	}
	if !spec.Valid() {
		return nil, fmt.Errorf("invalid sample spec %s", spec)
	}
	return &Stream{
		state:   int32(StreamCreating),
		corked:  1,
		session: s,
		label:   label,
		spec:    spec,
		cmap:    cmap,
		props:   props,
		logger:  s.logger,
	}, nil
}

// State returns the current stream state.
func (st *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&st.state))
}

// Label returns the descriptive stream label.
func (st *Stream) Label() string {
	return st.label
}

// ConnectRecord asks the server to attach this stream in capture
// direction to the named remote source. Invoked once, right after
// construction.
func (st *Stream) ConnectRecord(sourceName string, attr BufferAttr) error {
	st.attrMtx.Lock()
	st.attr = attr
	st.attrMtx.Unlock()

	return st.session.send(MsgCreateStream, encodeCreateStream(CreateStreamRequest{
		Label:      st.label,
		SourceName: sourceName,
		Spec:       st.spec,
		Map:        st.cmap,
		Attr:       attr,
		Props:      st.props,
	}))
}

// Feed routes one stream-scoped server message into the stream state
// machine and returns effects for the runtime.
func (st *Stream) Feed(msg *Message) []Effect {
	switch msg.Type {
	case MsgStreamReady:
		sr, err := parseStreamReady(msg.Payload)
		if err != nil {
			return st.fail(errCodeProtocol)
		}
		st.attrMtx.Lock()
		st.attr = sr.Attr
		st.attrMtx.Unlock()
		if sr.Corked {
			atomic.StoreInt32(&st.corked, 1)
		} else {
			atomic.StoreInt32(&st.corked, 0)
		}
		atomic.StoreInt32(&st.state, int32(StreamGood))
		st.logger.Debug().Str("label", st.label).Msg("stream ready")
		return nil

	case MsgStreamData:
		if !st.State().IsGood() || len(msg.Payload) == 0 {
			return nil
		}
		st.recvMtx.Lock()
		st.recvQ = append(st.recvQ, msg.Payload)
		st.readable += len(msg.Payload)
		st.recvMtx.Unlock()
		return nil

	case MsgLatency:
		l, err := parseLatencyReply(msg.Payload)
		if err != nil {
			// Latency failures are recoverable: the value simply
			// stays unavailable and queries read as zero.
			atomic.StoreInt32(&st.latencyValid, 0)
			return nil
		}
		atomic.StoreInt64(&st.latencyUsec, l.Usec)
		if l.Negative {
			atomic.StoreInt32(&st.latencyNegative, 1)
		} else {
			atomic.StoreInt32(&st.latencyNegative, 0)
		}
		atomic.StoreInt32(&st.latencyValid, 1)
		return nil

	case MsgCork:
		corked, err := ParseCork(msg.Payload)
		if err != nil {
			return nil
		}
		if corked {
			atomic.StoreInt32(&st.corked, 1)
		} else {
			atomic.StoreInt32(&st.corked, 0)
			atomic.StoreInt32(&st.uncorkRequested, 0)
		}
		return nil

	case MsgStreamFailed:
		st.logger.Error().Str("label", st.label).Msg("stream failed")
		return st.fail(parseErrorCode(msg.Payload))

	case MsgStreamTerminated:
		st.logger.Debug().Str("label", st.label).Msg("stream terminated")
		atomic.StoreInt32(&st.state, int32(StreamTerminated))
		return nil
	}
	return nil
}

func (st *Stream) fail(code uint32) []Effect {
	atomic.StoreInt32(&st.state, int32(StreamFailed))
	atomic.StoreInt32(&st.session.errno, int32(code))
	return []Effect{{Kind: EffectQuitLoop, Code: QuitFailed}}
}

// IsCorked reports whether the stream is paused on the server side.
func (st *Stream) IsCorked() bool {
	return atomic.LoadInt32(&st.corked) == 1
}

// Uncork requests the server resume the stream. Only the first call
// sends; repeats are no-ops until the server reports a cork change.
// The boolean reports whether a request actually went out.
func (st *Stream) Uncork() (bool, error) {
	if !atomic.CompareAndSwapInt32(&st.uncorkRequested, 0, 1) {
		return false, nil
	}
	return true, st.session.send(MsgCork, encodeCork(false))
}

// ReadableSize returns the number of buffered capture bytes.
func (st *Stream) ReadableSize() int {
	st.recvMtx.Lock()
	defer st.recvMtx.Unlock()
	return st.readable
}

// Peek borrows the first contiguous block of buffered data without
// copying. The chunk's release drops the block from this buffer; until
// then no further peek is allowed. Valid only in the good state.
func (st *Stream) Peek() (*graph.Chunk, error) {
	if !st.State().IsGood() {
		return nil, ErrStreamNotGood
	}
	st.recvMtx.Lock()
	defer st.recvMtx.Unlock()
	if st.borrowed {
		return nil, ErrPeekOutstanding
	}
	if len(st.recvQ) == 0 {
		return nil, nil
	}
	block := st.recvQ[0]
	st.borrowed = true
	return graph.NewBorrowedChunk(block, st.drop), nil
}

// drop releases the currently borrowed block back to the buffer; the
// bytes are consumed, not freed.
func (st *Stream) drop() {
	st.recvMtx.Lock()
	defer st.recvMtx.Unlock()
	if !st.borrowed || len(st.recvQ) == 0 {
		return
	}
	st.readable -= len(st.recvQ[0])
	st.recvQ[0] = nil
	st.recvQ = st.recvQ[1:]
	st.borrowed = false
}

// BufferAttr returns the attribute set negotiated with the server.
func (st *Stream) BufferAttr() BufferAttr {
	st.attrMtx.Lock()
	defer st.attrMtx.Unlock()
	return st.attr
}

// SetBufferAttr asks the server to adopt new buffering parameters.
// Best-effort: there is no delivery confirmation.
func (st *Stream) SetBufferAttr(attr BufferAttr) error {
	if !st.State().IsGood() {
		return ErrStreamNotGood
	}
	st.attrMtx.Lock()
	st.attr = attr
	st.attrMtx.Unlock()
	return st.session.send(MsgSetBufferAttr, encodeSetBufferAttr(attr))
}

// RequestLatency asks the server for a fresh latency measurement.
func (st *Stream) RequestLatency() error {
	if !st.State().IsGood() {
		return ErrStreamNotGood
	}
	return st.session.send(MsgQueryLatency, nil)
}

// LatencyUsec returns the last remote-measured latency. ok is false
// while no measurement is available; callers treat that as zero.
func (st *Stream) LatencyUsec() (usec int64, negative bool, ok bool) {
	if !st.State().IsGood() {
		return 0, false, false
	}
	if atomic.LoadInt32(&st.latencyValid) == 0 {
		return 0, false, false
	}
	return atomic.LoadInt64(&st.latencyUsec), atomic.LoadInt32(&st.latencyNegative) == 1, true
}
