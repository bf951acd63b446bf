package tunnelsource

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/protocol"
)

const waitTimeout = 2 * time.Second

// fakeServer is a scripted remote audio server speaking the tunnel
// protocol over a pipe, driven entirely by the module under test.
type fakeServer struct {
	mu   sync.Mutex
	conn net.Conn

	// failAfterAuth drops the transport right after the auth request,
	// simulating a failure while the session is still connecting.
	failAfterAuth bool

	// dialErr makes the dialer itself fail.
	dialErr error

	// startCorked reports the stream as corked in the create reply; the
	// server then waits for the client's uncork before echoing it back.
	startCorked bool

	// answerLatency enables latency replies with this value.
	answerLatency int64

	once     sync.Once
	uncorked chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{uncorked: make(chan struct{})}
}

// dialer returns a pipe-backed transport and spawns the serve loop.
func (f *fakeServer) dialer() protocol.Dialer {
	return func(string) (net.Conn, error) {
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		client, server := net.Pipe()
		f.conn = server
		go f.serve()
		return client, nil
	}
}

func (f *fakeServer) serve() {
	for {
		msg, err := protocol.DecodeMessage(f.conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.MsgAuth:
			if f.failAfterAuth {
				f.conn.Close()
				return
			}
			f.reply(protocol.MsgAuthAck, nil)
		case protocol.MsgSetClientName:
			f.reply(protocol.MsgNameAck, nil)
		case protocol.MsgCreateStream:
			f.reply(protocol.MsgStreamReady, protocol.EncodeStreamReady(protocol.StreamReady{
				Attr:   protocol.BufferAttr{MaxLength: 65536, FragSize: 4096},
				Corked: f.startCorked,
			}))
		case protocol.MsgCork:
			if corked, err := protocol.ParseCork(msg.Payload); err == nil && !corked {
				f.once.Do(func() { close(f.uncorked) })
			}
			f.reply(protocol.MsgCork, msg.Payload)
		case protocol.MsgQueryLatency:
			if f.answerLatency != 0 {
				f.reply(protocol.MsgLatency, protocol.EncodeLatencyReply(protocol.LatencyReply{
					Usec: f.answerLatency,
				}))
			}
		case protocol.MsgSubscribe:
			f.reply(protocol.MsgSubscribeAck, nil)
		case protocol.MsgSetBufferAttr:
			// Accepted silently, like a server that simply adopts them.
		case protocol.MsgDisconnect:
			f.conn.Close()
			return
		}
	}
}

func (f *fakeServer) reply(t protocol.MessageType, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = protocol.EncodeMessage(f.conn, t, payload)
}

// sendData pushes one capture payload to the client.
func (f *fakeServer) sendData(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = protocol.EncodeMessage(f.conn, protocol.MsgStreamData, data)
}

func loadModule(t *testing.T, srv *fakeServer, args map[string]string) (*graph.Core, *Module) {
	t.Helper()
	core := graph.NewCore()
	m, err := Load(core, args, WithDialer(srv.dialer()))
	require.NoError(t, err)
	t.Cleanup(m.Unload)
	return core, m
}

func TestLoadRejectsBadArguments(t *testing.T) {
	core := graph.NewCore()

	_, err := Load(core, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server given")

	_, err = Load(core, map[string]string{"server": "remote", "bogus": "1"})
	require.Error(t, err)

	// A rejected load leaves no trace in the graph.
	assert.Equal(t, 0, core.SourceCount())
}

func TestLoadPublishesSource(t *testing.T) {
	srv := newFakeServer()
	core, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	src := core.SourceByName("tunnel-source-new.local:9999")
	require.NotNil(t, src)
	assert.Same(t, m.Source(), src)
	assert.True(t, src.IsLinked())
	assert.Equal(t, uint8(2), src.Spec().Channels)
	assert.Equal(t, uint32(44100), src.Spec().Rate)
	assert.Equal(t, "sound", src.Proplist().Get(graph.PropDeviceClass))
	assert.NotZero(t, src.Flags()&graph.FlagNetwork)
}

func TestEndToEndCaptureFlow(t *testing.T) {
	srv := newFakeServer()
	srv.startCorked = true
	core, m := loadModule(t, srv, map[string]string{
		"server": "local:9999",
		"source": "remote-mic",
	})

	// Every chunk must still be live (unreleased) at post time.
	var sinkMu sync.Mutex
	var posted [][]byte
	m.Source().PostSink = func(c *graph.Chunk) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		if !c.Borrowed() {
			t.Error("chunk posted after release")
		}
		posted = append(posted, append([]byte(nil), c.Data()...))
	}

	// The corked stream forces the module through the uncork request
	// before any data moves.
	select {
	case <-srv.uncorked:
	case <-time.After(waitTimeout):
		t.Fatal("module never requested uncork")
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv.sendData(payload)

	require.Eventually(t, func() bool {
		chunks, _ := m.Source().PostStats()
		return chunks == 1
	}, waitTimeout, 5*time.Millisecond)

	_, bytes := m.Source().PostStats()
	assert.Equal(t, int64(4096), bytes)

	sinkMu.Lock()
	require.Len(t, posted, 1)
	assert.Equal(t, payload, posted[0])
	sinkMu.Unlock()

	chunks, total := m.Events().Stats()
	assert.Equal(t, int64(1), chunks)
	assert.Equal(t, int64(4096), total)

	m.Unload()
	assert.False(t, m.Source().IsLinked())
	assert.Equal(t, 0, core.SourceCount())

	// Unload is idempotent.
	m.Unload()
	assert.Zero(t, m.UnloadRequests())
}

func TestUnloadDoesNotWaitForStalledDial(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	dial := func(string) (net.Conn, error) {
		<-release
		return nil, fmt.Errorf("connection refused")
	}

	core := graph.NewCore()
	m, err := Load(core, map[string]string{"server": "local:9999"}, WithDialer(dial))
	require.NoError(t, err)

	// The I/O loop must keep servicing the control queue while the
	// remote connection is still being established.
	done := make(chan struct{})
	go func() {
		m.Unload()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("unload blocked behind a stalled dial")
	}
	assert.Equal(t, 0, core.SourceCount())
	assert.Zero(t, m.UnloadRequests())
}

func TestTransportFailureUnloadsModule(t *testing.T) {
	srv := newFakeServer()
	srv.failAfterAuth = true
	core, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	// The I/O loop must raise exactly one unload request and the host
	// handler must pull the source out of the graph.
	require.Eventually(t, func() bool {
		return m.UnloadRequests() == 1 && core.SourceCount() == 0
	}, waitTimeout, 5*time.Millisecond)

	chunks, bytes := m.Source().PostStats()
	assert.Zero(t, chunks)
	assert.Zero(t, bytes)

	// Settled: no second request ever shows up.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), m.UnloadRequests())
}

func TestDialFailureUnloadsModule(t *testing.T) {
	srv := newFakeServer()
	srv.dialErr = fmt.Errorf("connection refused")
	core, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	require.Eventually(t, func() bool {
		return m.UnloadRequests() == 1 && core.SourceCount() == 0
	}, waitTimeout, 5*time.Millisecond)
}

func TestGetLatencyReportsRemoteValue(t *testing.T) {
	srv := newFakeServer()
	srv.answerLatency = 2500
	_, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	require.Eventually(t, func() bool {
		return m.Source().GetLatency() == 2500
	}, waitTimeout, 5*time.Millisecond)
}

func TestGetLatencyZeroWithoutMeasurement(t *testing.T) {
	srv := newFakeServer()
	srv.startCorked = true
	_, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	// Queries never block on the remote, so before the stream delivers
	// a measurement the answer is zero.
	assert.Zero(t, m.Source().GetLatency())

	select {
	case <-srv.uncorked:
	case <-time.After(waitTimeout):
		t.Fatal("module never requested uncork")
	}

	// Keep the module running a moment: the server never answers
	// latency queries, so the value must stay zero.
	srv.sendData(make([]byte, 64))
	require.Eventually(t, func() bool {
		chunks, _ := m.Source().PostStats()
		return chunks == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Zero(t, m.Source().GetLatency())
}

func TestGetLatencyZeroAfterUnload(t *testing.T) {
	srv := newFakeServer()
	srv.answerLatency = 2500
	_, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	require.Eventually(t, func() bool {
		return m.Source().GetLatency() == 2500
	}, waitTimeout, 5*time.Millisecond)

	src := m.Source()
	src.Unlink()
	assert.Zero(t, src.GetLatency())
}

func TestRequestedLatencyResizesFragments(t *testing.T) {
	srv := newFakeServer()
	_, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	// Publishing ran the callback once with no request: the rewind
	// window covers the host maximum (2 s at 176400 B/s).
	assert.Equal(t, int64(352800), m.Source().MaxRewind())

	m.Source().SetRequestedLatency(100 * 1000)
	assert.Equal(t, int64(17640), m.Source().MaxRewind())
	assert.Equal(t, uint32(17640), m.bufferAttrSnapshot().FragSize)
}

func TestEventBroadcasterLifecycle(t *testing.T) {
	srv := newFakeServer()
	srv.startCorked = true
	_, m := loadModule(t, srv, map[string]string{"server": "local:9999"})

	b := m.Events()
	assert.Equal(t, 0, b.SubscriberCount())

	select {
	case <-srv.uncorked:
	case <-time.After(waitTimeout):
		t.Fatal("module never requested uncork")
	}

	// Counters track the data path even with no subscribers attached.
	srv.sendData(make([]byte, 128))
	require.Eventually(t, func() bool {
		chunks, _ := b.Stats()
		return chunks == 1
	}, waitTimeout, 5*time.Millisecond)

	m.Unload()
	b.Subscribe("late", nil, nil, nil)
	assert.Equal(t, 0, b.SubscriberCount())
}
