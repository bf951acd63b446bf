package protocol

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/KapTmaN/pulseaudio/internal/graph"
)

// SessionState is the transport-level connection state.
type SessionState int32

const (
	SessionUnconnected SessionState = iota
	SessionConnecting
	SessionAuthorizing
	SessionSettingName
	SessionReady
	SessionFailed
	SessionTerminated
)

// String returns the session state name.
func (s SessionState) String() string {
	switch s {
	case SessionUnconnected:
		return "unconnected"
	case SessionConnecting:
		return "connecting"
	case SessionAuthorizing:
		return "authorizing"
	case SessionSettingName:
		return "setting-name"
	case SessionReady:
		return "ready"
	case SessionFailed:
		return "failed"
	case SessionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final for this session instance.
func (s SessionState) Terminal() bool {
	return s == SessionFailed || s == SessionTerminated
}

// Protocol error codes.
const (
	errCodeOK uint32 = iota
	errCodeUnknown
	errCodeConnectionLost
	errCodeProtocol
	errCodeNoSuchEntity
	errCodeInternal
)

// Quit codes for the I/O loop.
const (
	QuitClean  = 0
	QuitFailed = 1
)

// EventKind classifies events fed into the session state machine.
type EventKind int

const (
	// EventConnected is emitted once the transport dial completed.
	EventConnected EventKind = iota
	// EventMessage carries a decoded server message.
	EventMessage
	// EventTransportError reports a broken transport.
	EventTransportError
)

// Event is one input to the connection state machine.
type Event struct {
	Kind EventKind
	Msg  *Message
	Err  error
}

// EffectKind identifies a side effect requested by a state transition.
// Transitions are pure; effects are executed by the caller.
type EffectKind int

const (
	// EffectSendAuth sends the auth request.
	EffectSendAuth EffectKind = iota
	// EffectSendSetName sends the client name properties.
	EffectSendSetName
	// EffectSessionReady tells the runtime to create the stream.
	EffectSessionReady
	// EffectStreamMessage routes a stream-scoped message to the stream.
	EffectStreamMessage
	// EffectQuitLoop stops the I/O loop with the given code.
	EffectQuitLoop
)

// Effect is a side effect produced by a transition.
type Effect struct {
	Kind EffectKind
	Code int
	Msg  *Message
}

// sessionTransition is the pure transition function of the transport
// state machine: (state, event) -> (new state, effects).
func sessionTransition(state SessionState, ev Event) (SessionState, []Effect) {
	if state.Terminal() {
		return state, nil
	}

	switch ev.Kind {
	case EventConnected:
		if state == SessionConnecting {
			return SessionAuthorizing, []Effect{{Kind: EffectSendAuth}}
		}
		return state, nil

	case EventTransportError:
		return SessionFailed, []Effect{{Kind: EffectQuitLoop, Code: QuitFailed}}

	case EventMessage:
		switch ev.Msg.Type {
		case MsgAuthAck:
			if state == SessionAuthorizing {
				return SessionSettingName, []Effect{{Kind: EffectSendSetName}}
			}
		case MsgNameAck:
			if state == SessionSettingName {
				return SessionReady, []Effect{{Kind: EffectSessionReady}}
			}
		case MsgStreamReady, MsgStreamData, MsgLatency, MsgStreamFailed, MsgStreamTerminated, MsgCork:
			if state == SessionReady {
				return state, []Effect{{Kind: EffectStreamMessage, Msg: ev.Msg}}
			}
		case MsgError:
			return SessionFailed, []Effect{{Kind: EffectQuitLoop, Code: QuitFailed}}
		case MsgTerminate:
			return SessionTerminated, []Effect{{Kind: EffectQuitLoop, Code: QuitFailed}}
		case MsgSubscribeAck, MsgEvent:
			// Subscription traffic carries no state.
			return state, nil
		}
		return state, nil
	}
	return state, nil
}

// Dialer opens the transport to the remote server. Tests substitute a
// pipe-backed implementation.
type Dialer func(address string) (net.Conn, error)

// ParseAddress splits a server address into network and dial address.
// "unix:<path>" and absolute paths select unix sockets; everything
// else is TCP, with the default port appended when missing.
func ParseAddress(address string) (network, addr string, err error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", fmt.Errorf("empty server address")
	}
	if path, ok := strings.CutPrefix(address, "unix:"); ok {
		if path == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", address)
		}
		return "unix", path, nil
	}
	if strings.HasPrefix(address, "/") {
		return "unix", address, nil
	}
	addr = strings.TrimPrefix(address, "tcp:")
	if addr == "" {
		return "", "", fmt.Errorf("empty tcp address in %q", address)
	}
	if !strings.Contains(addr, ":") {
		addr += ":4713"
	}
	return "tcp", addr, nil
}

// DefaultDialer dials the parsed address with a plain net.Dial.
func DefaultDialer(address string) (net.Conn, error) {
	network, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return net.Dial(network, addr)
}

// Session owns the transport connection to the remote server and its
// state machine. All sends happen on the I/O loop goroutine; state is
// published atomically so the host thread may observe it.
type Session struct {
	// Atomic fields must be first for proper alignment on 32-bit targets.
	state  int32
	errno  int32
	closed int32

	connMtx   sync.Mutex
	conn      net.Conn
	events    chan Event
	done      chan struct{}
	readerWG  sync.WaitGroup
	writeMtx  sync.Mutex
	props     *graph.Proplist
	clientTag string
	logger    *zerolog.Logger
}

// NewSession creates an unconnected session carrying the given client
// properties.
func NewSession(props *graph.Proplist, logger *zerolog.Logger) *Session {
	if props == nil {
		props = graph.NewProplist()
	}
	return &Session{
		state:     int32(SessionUnconnected),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		props:     props,
		clientTag: uuid.NewString(),
		logger:    logger,
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

// Errno returns the protocol error code; meaningful only in the
// failed state.
func (s *Session) Errno() uint32 {
	return uint32(atomic.LoadInt32(&s.errno))
}

// Events returns the channel the reader goroutine feeds decoded
// events into. Owned by the I/O loop.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connect initiates the transport handshake without blocking: the dial
// runs on its own goroutine so the caller's loop can service control
// messages while the connection is established. It returns an error
// only when the attempt cannot even start (malformed address); dial
// failures surface as transport-error events.
func (s *Session) Connect(address string, dial Dialer) error {
	if s.State() != SessionUnconnected {
		return fmt.Errorf("session already connected")
	}
	if dial == nil {
		dial = DefaultDialer
	}
	if _, _, err := ParseAddress(address); err != nil {
		return err
	}
	atomic.StoreInt32(&s.state, int32(SessionConnecting))

	go func() {
		conn, err := dial(address)
		if err != nil {
			s.pushEvent(Event{Kind: EventTransportError, Err: fmt.Errorf("failed to connect to %s: %w", address, err)})
			return
		}

		s.connMtx.Lock()
		if atomic.LoadInt32(&s.closed) == 1 {
			// Disconnected while the dial was in flight.
			s.connMtx.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.readerWG.Add(1)
		s.connMtx.Unlock()

		go s.readLoop()
		s.pushEvent(Event{Kind: EventConnected})
	}()
	return nil
}

// readLoop decodes server messages into the event channel until the
// transport breaks or the session closes.
func (s *Session) readLoop() {
	defer s.readerWG.Done()
	for {
		msg, err := DecodeMessage(s.conn)
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.pushEvent(Event{Kind: EventTransportError, Err: err})
			}
			return
		}
		s.pushEvent(Event{Kind: EventMessage, Msg: msg})
	}
}

func (s *Session) pushEvent(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Feed applies one event to the state machine and returns the effects
// the runtime must execute. The send effects are handled here since
// they are purely protocol-level.
func (s *Session) Feed(ev Event) []Effect {
	oldState := s.State()
	newState, effects := sessionTransition(oldState, ev)
	atomic.StoreInt32(&s.state, int32(newState))

	if newState == SessionFailed && oldState != SessionFailed {
		code := errCodeConnectionLost
		if ev.Kind == EventMessage && ev.Msg.Type == MsgError {
			code = parseErrorCode(ev.Msg.Payload)
		}
		atomic.StoreInt32(&s.errno, int32(code))
		s.logger.Debug().Uint32("errno", code).Msg("session failed")
	}
	if newState != oldState {
		s.logger.Debug().
			Str("from", oldState.String()).
			Str("to", newState.String()).
			Msg("session state changed")
	}

	out := make([]Effect, 0, len(effects))
	for _, eff := range effects {
		switch eff.Kind {
		case EffectSendAuth:
			if err := s.sendAuth(); err != nil {
				return s.failSend(err)
			}
		case EffectSendSetName:
			if err := s.sendSetName(); err != nil {
				return s.failSend(err)
			}
		default:
			out = append(out, eff)
		}
	}
	return out
}

func (s *Session) failSend(err error) []Effect {
	s.logger.Error().Err(err).Msg("failed to send handshake message")
	atomic.StoreInt32(&s.state, int32(SessionFailed))
	atomic.StoreInt32(&s.errno, int32(errCodeConnectionLost))
	return []Effect{{Kind: EffectQuitLoop, Code: QuitFailed}}
}

func (s *Session) transport() net.Conn {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()
	return s.conn
}

func (s *Session) send(t MessageType, payload []byte) error {
	conn := s.transport()
	if conn == nil {
		return fmt.Errorf("session has no transport")
	}
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()
	return EncodeMessage(conn, t, payload)
}

func (s *Session) sendAuth() error {
	return s.send(MsgAuth, encodeAuthRequest(AuthRequest{
		Version:   Version,
		ClientTag: s.clientTag,
	}))
}

func (s *Session) sendSetName() error {
	return s.send(MsgSetClientName, encodeClientName(s.props))
}

// Subscribe asks the server for change notifications of the given
// event facilities. Failure is non-fatal for the session.
func (s *Session) Subscribe(mask uint32) error {
	if s.State() != SessionReady {
		return fmt.Errorf("cannot subscribe in state %s", s.State())
	}
	return s.send(MsgSubscribe, encodeSubscribe(mask))
}

// Disconnect performs an orderly disconnect. Safe to call in any
// state and more than once.
func (s *Session) Disconnect() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	if !s.State().Terminal() {
		atomic.StoreInt32(&s.state, int32(SessionTerminated))
	}
	// A dial still in flight observes the closed flag under connMtx and
	// discards its connection; after this lock no new transport appears.
	conn := s.transport()
	if conn != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_ = s.send(MsgDisconnect, nil)
		_ = conn.Close()
	}
	close(s.done)
	s.readerWG.Wait()
}

// ClientTag returns the tag announced during auth.
func (s *Session) ClientTag() string {
	return s.clientTag
}

// WaitEvent is a test helper: it receives the next event with a bound.
func (s *Session) WaitEvent(timeout time.Duration) (Event, bool) {
	select {
	case ev := <-s.events:
		return ev, true
	case <-time.After(timeout):
		return Event{}, false
	}
}
