package protocol

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// remotePeer is a scripted stand-in for the remote audio server, good
// enough to drive the client handshake and stream over a pipe.
type remotePeer struct {
	conn net.Conn

	// failAfterAuth closes the transport right after the auth request
	// arrives, simulating a failure while connecting.
	failAfterAuth bool

	// latency answered to MsgQueryLatency.
	latencyUsec int64
}

func (p *remotePeer) serve() {
	for {
		msg, err := DecodeMessage(p.conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case MsgAuth:
			if p.failAfterAuth {
				p.conn.Close()
				return
			}
			p.reply(MsgAuthAck, nil)
		case MsgSetClientName:
			p.reply(MsgNameAck, nil)
		case MsgCreateStream:
			p.reply(MsgStreamReady, EncodeStreamReady(StreamReady{
				Attr:   BufferAttr{MaxLength: 65536, FragSize: 4096},
				Corked: false,
			}))
		case MsgCork:
			p.reply(MsgCork, msg.Payload)
		case MsgQueryLatency:
			p.reply(MsgLatency, EncodeLatencyReply(LatencyReply{Usec: p.latencyUsec}))
		case MsgSubscribe:
			p.reply(MsgSubscribeAck, nil)
		case MsgDisconnect:
			p.conn.Close()
			return
		}
	}
}

func (p *remotePeer) reply(t MessageType, payload []byte) {
	_ = EncodeMessage(p.conn, t, payload)
}

func (p *remotePeer) sendData(data []byte) error {
	return EncodeMessage(p.conn, MsgStreamData, data)
}

// dialPeer wires a session to a scripted peer over a pipe.
func dialPeer(t *testing.T, peer *remotePeer) (*Session, Dialer) {
	t.Helper()
	client, server := net.Pipe()
	peer.conn = server
	go peer.serve()
	return NewSession(nil, nopLogger()), func(string) (net.Conn, error) { return client, nil }
}

// feedUntil pumps events through the session until the predicate holds
// or the timeout expires, returning all collected effects.
func feedUntil(t *testing.T, s *Session, pred func() bool) []Effect {
	t.Helper()
	var effects []Effect
	deadline := time.Now().Add(2 * time.Second)
	for !pred() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, session state %s", s.State())
		}
		ev, ok := s.WaitEvent(100 * time.Millisecond)
		if !ok {
			continue
		}
		effects = append(effects, s.Feed(ev)...)
	}
	return effects
}

func TestSessionTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		state   SessionState
		event   Event
		want    SessionState
		effects []EffectKind
	}{
		{
			name:    "connected starts auth",
			state:   SessionConnecting,
			event:   Event{Kind: EventConnected},
			want:    SessionAuthorizing,
			effects: []EffectKind{EffectSendAuth},
		},
		{
			name:    "auth ack sets name",
			state:   SessionAuthorizing,
			event:   Event{Kind: EventMessage, Msg: &Message{Type: MsgAuthAck}},
			want:    SessionSettingName,
			effects: []EffectKind{EffectSendSetName},
		},
		{
			name:    "name ack reaches ready",
			state:   SessionSettingName,
			event:   Event{Kind: EventMessage, Msg: &Message{Type: MsgNameAck}},
			want:    SessionReady,
			effects: []EffectKind{EffectSessionReady},
		},
		{
			name:    "transport error fails from connecting",
			state:   SessionConnecting,
			event:   Event{Kind: EventTransportError},
			want:    SessionFailed,
			effects: []EffectKind{EffectQuitLoop},
		},
		{
			name:    "transport error fails from ready",
			state:   SessionReady,
			event:   Event{Kind: EventTransportError},
			want:    SessionFailed,
			effects: []EffectKind{EffectQuitLoop},
		},
		{
			name:    "terminate message",
			state:   SessionReady,
			event:   Event{Kind: EventMessage, Msg: &Message{Type: MsgTerminate}},
			want:    SessionTerminated,
			effects: []EffectKind{EffectQuitLoop},
		},
		{
			name:  "failed is terminal",
			state: SessionFailed,
			event: Event{Kind: EventConnected},
			want:  SessionFailed,
		},
		{
			name:    "stream message routed in ready",
			state:   SessionReady,
			event:   Event{Kind: EventMessage, Msg: &Message{Type: MsgStreamData}},
			want:    SessionReady,
			effects: []EffectKind{EffectStreamMessage},
		},
		{
			name:  "out of order auth ack ignored",
			state: SessionConnecting,
			event: Event{Kind: EventMessage, Msg: &Message{Type: MsgAuthAck}},
			want:  SessionConnecting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects := sessionTransition(tt.state, tt.event)
			assert.Equal(t, tt.want, got)
			kinds := make([]EffectKind, 0, len(effects))
			for _, e := range effects {
				kinds = append(kinds, e.Kind)
			}
			if len(tt.effects) == 0 {
				assert.Empty(t, kinds)
			} else {
				assert.Equal(t, tt.effects, kinds)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in          string
		network     string
		addr        string
		wantErr     bool
	}{
		{in: "unix:/tmp/native", network: "unix", addr: "/tmp/native"},
		{in: "/run/audio/native", network: "unix", addr: "/run/audio/native"},
		{in: "tcp:remote:4000", network: "tcp", addr: "remote:4000"},
		{in: "remote", network: "tcp", addr: "remote:4713"},
		{in: "local:9999", network: "tcp", addr: "local:9999"},
		{in: "", wantErr: true},
		{in: "unix:", wantErr: true},
		{in: "tcp:", wantErr: true},
	}
	for _, tt := range tests {
		network, addr, err := ParseAddress(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.network, network, tt.in)
		assert.Equal(t, tt.addr, addr, tt.in)
	}
}

func TestSessionHandshakeToReady(t *testing.T) {
	s, dial := dialPeer(t, &remotePeer{})
	require.NoError(t, s.Connect("remote", dial))
	defer s.Disconnect()

	effects := feedUntil(t, s, func() bool { return s.State() == SessionReady })
	var sawReady bool
	for _, e := range effects {
		if e.Kind == EffectSessionReady {
			sawReady = true
		}
	}
	assert.True(t, sawReady)
}

func TestSessionConnectDoesNotBlockOnDial(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	s := NewSession(nil, nopLogger())
	start := time.Now()
	err := s.Connect("remote", func(string) (net.Conn, error) {
		<-release
		return nil, errors.New("connection refused")
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, SessionConnecting, s.State())

	// Teardown must not wait for the stalled dial either.
	s.Disconnect()
	assert.True(t, s.State().Terminal())
}

func TestSessionConnectDialFailureIsAnEvent(t *testing.T) {
	s := NewSession(nil, nopLogger())
	require.NoError(t, s.Connect("remote", func(string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}))
	defer s.Disconnect()

	effects := feedUntil(t, s, func() bool { return s.State() == SessionFailed })
	var sawQuit bool
	for _, e := range effects {
		if e.Kind == EffectQuitLoop {
			sawQuit = true
		}
	}
	assert.True(t, sawQuit)
}

func TestSessionConnectMalformedAddress(t *testing.T) {
	s := NewSession(nil, nopLogger())
	err := s.Connect("", func(string) (net.Conn, error) {
		t.Fatal("dialer must not run for a malformed address")
		return nil, nil
	})
	assert.Error(t, err)
	assert.Equal(t, SessionUnconnected, s.State())
}

func TestSessionTransportFailureDuringHandshake(t *testing.T) {
	s, dial := dialPeer(t, &remotePeer{failAfterAuth: true})
	require.NoError(t, s.Connect("remote", dial))
	defer s.Disconnect()

	effects := feedUntil(t, s, func() bool { return s.State() == SessionFailed })
	var quit *Effect
	for i := range effects {
		if effects[i].Kind == EffectQuitLoop {
			quit = &effects[i]
		}
	}
	require.NotNil(t, quit, "failure must request a loop stop")
	assert.Equal(t, QuitFailed, quit.Code)
	assert.True(t, s.State().Terminal())
	assert.NotZero(t, s.Errno())
}

func TestSessionDisconnectIdempotent(t *testing.T) {
	s, dial := dialPeer(t, &remotePeer{})
	require.NoError(t, s.Connect("remote", dial))
	s.Disconnect()
	s.Disconnect()
	assert.True(t, s.State().Terminal())
}
