package tunnelsource

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/metrics"
	"github.com/KapTmaN/pulseaudio/internal/protocol"
)

const (
	// Upper bound on one loop iteration's wait, keeping control
	// messages and shutdown promptly observed.
	loopMaxWait = time.Millisecond

	// How often a fresh remote latency measurement is requested while
	// the stream is good.
	latencyRequestInterval = 250 * time.Millisecond
)

// runtime is the module's dedicated I/O execution context: a single
// goroutine running a cooperative loop that owns the protocol session
// and stream. It communicates with the host thread exclusively through
// the module's control channel pair.
type runtime struct {
	m       *Module
	session *protocol.Session
	stream  atomic.Pointer[protocol.Stream]
	logger  *zerolog.Logger

	wg      sync.WaitGroup
	started bool

	// Loop-local state; touched only on the I/O goroutine.
	quitting       bool
	quitCode       int
	quitErr        error
	connected      bool
	lastLatencyReq time.Time
}

func newRuntime(m *Module) *runtime {
	logger := m.logger.With().Str("thread", "tunnel-source-io").Logger()
	return &runtime{
		m:       m,
		session: protocol.NewSession(clientProps(), &logger),
		logger:  &logger,
	}
}

func (r *runtime) start() {
	r.started = true
	r.wg.Add(1)
	go r.run()
}

func (r *runtime) running() bool {
	return r.started
}

func (r *runtime) join() {
	r.wg.Wait()
}

// streamRef returns the live stream, or nil. Safe from any goroutine.
func (r *runtime) streamRef() *protocol.Stream {
	return r.stream.Load()
}

// quit arms the loop's exit with the given code; the first non-clean
// code wins.
func (r *runtime) quit(code int, err error) {
	if r.quitting {
		return
	}
	r.quitting = true
	r.quitCode = code
	r.quitErr = err
}

func (r *runtime) run() {
	defer r.wg.Done()
	r.logger.Debug().Msg("thread starting up")

	if err := r.session.Connect(r.m.cfg.Server, r.m.dialer); err != nil {
		r.logger.Error().Err(err).Msg("failed to connect to remote server")
		r.quit(protocol.QuitFailed, err)
	} else {
		r.loop()
	}

	if r.quitCode != protocol.QuitClean {
		// The host must perform the actual teardown from its own
		// thread. Request it, then hold local cleanup until the
		// shutdown token arrives so the two never race.
		metrics.TransportErrors.Inc()
		if err := r.m.pair.Out.Post(graph.MessageUnloadModule, r.quitErr); err != nil {
			r.logger.Error().Err(err).Msg("failed to post unload request")
		}
		if err := r.m.pair.In.WaitFor(graph.MessageShutdown); err != nil {
			r.logger.Error().Err(err).Msg("shutdown wait interrupted")
		}
	}

	r.teardown()
	r.logger.Debug().Msg("thread shutting down")
}

func (r *runtime) loop() {
	ticker := time.NewTicker(loopMaxWait)
	defer ticker.Stop()

	inbound := r.m.pair.In.Chan()

	for !r.quitting {
		select {
		case ev := <-r.session.Events():
			r.dispatch(ev)
		case msg, ok := <-inbound:
			if !ok {
				r.quit(protocol.QuitClean, nil)
				break
			}
			r.handleControl(msg)
		case <-ticker.C:
		}

		// Drain whatever else is already pending before touching the
		// data path, so a burst of events is observed as one batch.
	drain:
		for !r.quitting {
			select {
			case ev := <-r.session.Events():
				r.dispatch(ev)
			case msg, ok := <-inbound:
				if !ok {
					r.quit(protocol.QuitClean, nil)
				} else {
					r.handleControl(msg)
				}
			default:
				break drain
			}
		}

		if r.quitting {
			break
		}
		r.pumpAudio()
	}
}

// dispatch feeds one transport event through the session state machine
// and executes the resulting effects.
func (r *runtime) dispatch(ev protocol.Event) {
	effects := r.session.Feed(ev)
	metrics.SessionState.Set(float64(r.session.State()))

	for _, eff := range effects {
		switch eff.Kind {
		case protocol.EffectSessionReady:
			r.onSessionReady()
		case protocol.EffectStreamMessage:
			r.onStreamMessage(eff.Msg)
		case protocol.EffectQuitLoop:
			r.connected = false
			r.quit(eff.Code, ev.Err)
		}
	}

	r.m.events.BroadcastState(r.session.State(), r.streamState())
}

func (r *runtime) streamState() protocol.StreamState {
	if st := r.streamRef(); st != nil {
		return st.State()
	}
	return protocol.StreamCreating
}

// onSessionReady creates the capture stream on the freshly ready
// session and subscribes to sink-input notifications.
func (r *runtime) onSessionReady() {
	r.logger.Debug().Msg("connection successful, creating stream")

	props := clientProps()
	props.Set(graph.PropMediaRole, "sound")

	stream, err := r.session.NewStream(streamLabel(), r.m.source.Spec(), r.m.source.Map(), props)
	if err != nil {
		r.logger.Error().Err(err).Msg("could not create a stream")
		r.quit(protocol.QuitFailed, err)
		return
	}

	if err := stream.ConnectRecord(r.m.cfg.RemoteSource, r.m.bufferAttrSnapshot()); err != nil {
		r.logger.Error().Err(err).Msg("could not connect the record stream")
		r.quit(protocol.QuitFailed, err)
		return
	}
	r.stream.Store(stream)
	r.connected = true

	// Sink-input notifications feed optional extensions; failing to
	// subscribe is not fatal.
	if err := r.session.Subscribe(protocol.SubscriptionMaskSinkInput); err != nil {
		r.logger.Warn().Err(err).Msg("failed to subscribe to sink-input events")
	}
}

// onStreamMessage routes a stream-scoped server message and executes
// the stream's effects.
func (r *runtime) onStreamMessage(msg *protocol.Message) {
	st := r.streamRef()
	if st == nil {
		return
	}
	for _, eff := range st.Feed(msg) {
		if eff.Kind == protocol.EffectQuitLoop {
			r.connected = false
			r.quit(eff.Code, protocol.ErrStreamNotGood)
		}
	}
	metrics.StreamState.Set(float64(st.State()))
	if usec, _, ok := st.LatencyUsec(); ok {
		metrics.RemoteLatency.Set(float64(usec))
	}
}

// handleControl services one message from the host thread.
func (r *runtime) handleControl(msg graph.Message) {
	switch msg.Kind {
	case graph.MessageShutdown:
		msg.Ack()
		r.quit(protocol.QuitClean, nil)
	default:
		msg.Ack()
	}
}

// pumpAudio runs the data path for one loop iteration: uncork the
// stream if needed, otherwise peek the next block, post it into the
// routing graph and only then drop it from the protocol buffer.
func (r *runtime) pumpAudio() {
	st := r.streamRef()
	if !r.connected || st == nil || !st.State().IsGood() {
		return
	}

	if st.IsCorked() {
		sent, err := st.Uncork()
		if err != nil {
			r.logger.Warn().Err(err).Msg("failed to uncork stream")
		} else if sent {
			metrics.UncorkRequests.Inc()
		}
		return
	}

	r.maybeRequestLatency(st)

	if st.ReadableSize() == 0 {
		return
	}

	chunk, err := st.Peek()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to peek stream data")
		r.quit(protocol.QuitFailed, err)
		return
	}
	if chunk == nil {
		return
	}

	n := chunk.Len()

	// The post hands the graph a read-only reference into the
	// protocol buffer; releasing first would invalidate it.
	r.m.source.Post(chunk)
	chunk.Release()

	metrics.ChunksPosted.Inc()
	metrics.BytesPosted.Add(float64(n))
	r.m.events.NoteChunk(n)
}

// maybeRequestLatency issues a periodic latency measurement request;
// failures leave the published value unset and queries read zero.
func (r *runtime) maybeRequestLatency(st *protocol.Stream) {
	if time.Since(r.lastLatencyReq) < latencyRequestInterval {
		return
	}
	r.lastLatencyReq = time.Now()
	if err := st.RequestLatency(); err != nil {
		r.logger.Debug().Err(err).Msg("latency request failed")
	}
}

// teardown releases the protocol objects on the I/O goroutine. The
// stream reference is cleared first so host-side latency queries stop
// observing it.
func (r *runtime) teardown() {
	r.connected = false
	r.stream.Store(nil)
	r.session.Disconnect()
	metrics.SessionState.Set(float64(r.session.State()))
}
