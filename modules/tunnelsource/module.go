// Package tunnelsource implements a network source module: it opens a
// client connection to a remote audio server, attaches a capture
// stream and forwards the received audio into the local routing graph
// through a source object, without blocking the host's audio thread.
package tunnelsource

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/logging"
	"github.com/KapTmaN/pulseaudio/internal/protocol"
)

const (
	moduleName    = "module-tunnel-source-new"
	moduleVersion = "1.0"

	// Capacity of each directed control queue.
	controlQueueSize = 8

	// Upper bound on the teardown handshake. The handshake is driven
	// by the cooperative shutdown protocol, not external I/O, so this
	// only guards against programming errors.
	shutdownSendTimeout = 30 * time.Second
)

// Option adjusts module construction; used by hosts and tests.
type Option func(*Module)

// WithDialer overrides the transport dialer.
func WithDialer(d protocol.Dialer) Option {
	return func(m *Module) { m.dialer = d }
}

// Module is the loadable tunnel-source module instance. It owns the
// local source object, the cross-thread control channel and the I/O
// loop bridging them to the remote server.
type Module struct {
	// Atomic fields must be first for proper alignment on 32-bit targets.
	unloadRequests int64

	core   *graph.Core
	cfg    *Config
	logger *zerolog.Logger
	dialer protocol.Dialer

	attrMtx    sync.Mutex
	bufferAttr protocol.BufferAttr

	source  *graph.Source
	pair    *graph.ChannelPair
	runtime *runtime
	events  *EventBroadcaster

	unloadMtx sync.Mutex
	unloaded  bool
}

// clientProps returns the application properties announced to the
// remote server.
func clientProps() *graph.Proplist {
	p := graph.NewProplist()
	p.Set(graph.PropApplicationName, "PulseAudio")
	p.Set(graph.PropApplicationID, "org.PulseAudio.PulseAudio")
	p.Set(graph.PropApplicationVersion, moduleVersion)
	return p
}

// streamLabel derives the descriptive capture stream label from the
// local user and host identifiers.
func streamLabel() string {
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("Tunnel for %s@%s", username, hostname)
}

// Load constructs the module: it validates the arguments, registers
// the local source and spawns the I/O loop. Any failure after partial
// construction runs the full teardown before reporting.
func Load(core *graph.Core, args map[string]string, opts ...Option) (*Module, error) {
	logger := logging.GetComponentLogger("tunnel-source")

	cfg, err := parseConfig(core, args)
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse module arguments")
		return nil, err
	}

	m := &Module{
		core:       core,
		cfg:        cfg,
		logger:     logger,
		dialer:     protocol.DefaultDialer,
		bufferAttr: protocol.DefaultBufferAttr(),
		events:     NewEventBroadcaster(logger),
	}
	for _, opt := range opts {
		opt(m)
	}

	// The control channel is the module's event-loop backbone; it is
	// created before anything that depends on it.
	m.pair = graph.NewChannelPair(controlQueueSize)

	props := graph.NewProplist()
	props.Set(graph.PropDeviceClass, "sound")
	props.Set(graph.PropDeviceDescription, fmt.Sprintf("Tunnel to %s/%s", cfg.Server, cfg.RemoteSource))
	props.UpdateReplace(cfg.SourceProperties)

	source, err := graph.NewSource(core, graph.SourceConfig{
		Name:     cfg.SourceName,
		Driver:   moduleName,
		Spec:     cfg.Spec,
		Map:      cfg.Map,
		Proplist: props,
		Flags:    graph.FlagLatency | graph.FlagDynamicLatency | graph.FlagNetwork,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create source")
		m.Unload()
		return nil, err
	}
	m.source = source
	source.ProcessMessage = m.processMessage
	source.UpdateRequestedLatency = m.updateRequestedLatency

	m.pair.ServeHost(m.handleHostMessage)

	m.runtime = newRuntime(m)
	m.runtime.start()

	if err := source.Put(); err != nil {
		logger.Error().Err(err).Msg("failed to publish source")
		m.Unload()
		return nil, err
	}

	logger.Info().
		Str("source", cfg.SourceName).
		Str("server", cfg.Server).
		Str("spec", cfg.Spec.String()).
		Msg("tunnel source loaded")
	return m, nil
}

// handleHostMessage is the host-facing receive point of the control
// channel.
func (m *Module) handleHostMessage(msg graph.Message) {
	switch msg.Kind {
	case graph.MessageUnloadModule:
		atomic.AddInt64(&m.unloadRequests, 1)
		m.logger.Warn().Err(msg.Err).Msg("I/O loop requested module unload")
		m.Unload()
	default:
		m.logger.Debug().Str("kind", msg.Kind.String()).Msg("ignoring host message")
	}
}

// UnloadRequests returns how many unload requests the I/O loop has
// raised; useful for host diagnostics.
func (m *Module) UnloadRequests() int64 {
	return atomic.LoadInt64(&m.unloadRequests)
}

// Source returns the module's local source object.
func (m *Module) Source() *graph.Source {
	return m.source
}

// Events returns the module's state/metrics event broadcaster.
func (m *Module) Events() *EventBroadcaster {
	return m.events
}

// Unload tears the module down in order: unlink the source, send the
// shutdown token and join the I/O loop, release the channel, drop the
// source reference. Idempotent and safe from a partially-constructed
// state.
func (m *Module) Unload() {
	m.unloadMtx.Lock()
	defer m.unloadMtx.Unlock()
	if m.unloaded {
		return
	}
	m.unloaded = true

	if m.source != nil {
		m.source.Unlink()
	}

	if m.runtime != nil && m.runtime.running() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownSendTimeout)
		if err := m.pair.In.Send(ctx, graph.MessageShutdown); err != nil {
			m.logger.Error().Err(err).Msg("failed to deliver shutdown token")
		}
		cancel()
		m.runtime.join()
	}

	if m.pair != nil {
		m.pair.Close()
	}
	if m.events != nil {
		m.events.Close()
	}
	if m.source != nil {
		m.source.Unref()
	}

	m.logger.Info().Msg("tunnel source unloaded")
}

// bufferAttrSnapshot returns the current buffer-attribute set.
func (m *Module) bufferAttrSnapshot() protocol.BufferAttr {
	m.attrMtx.Lock()
	defer m.attrMtx.Unlock()
	return m.bufferAttr
}
