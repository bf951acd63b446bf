package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/KapTmaN/pulseaudio/internal/sample"
)

// SourceFlags describe capabilities of a local source.
type SourceFlags uint32

const (
	// FlagLatency marks a source that can report its latency.
	FlagLatency SourceFlags = 1 << iota
	// FlagDynamicLatency marks a source whose latency is adjustable.
	FlagDynamicLatency
	// FlagNetwork marks a source backed by a network transport.
	FlagNetwork
)

// SourceConfig carries the parameters for registering a local source.
type SourceConfig struct {
	Name     string
	Driver   string
	Spec     sample.Spec
	Map      sample.ChannelMap
	Proplist *Proplist
	Flags    SourceFlags
}

// Source is a local audio input endpoint registered with the routing
// graph. Downstream consumers read the chunks posted into it. The two
// overridable callbacks are invoked on the host's processing thread.
type Source struct {
	// Atomic fields must be first for proper alignment on 32-bit targets.
	linked               int32
	refGone              int32
	requestedLatencyUsec int64
	maxRewindBytes       int64
	chunksPosted         int64
	bytesPosted          int64

	core   *Core
	name   string
	driver string
	spec   sample.Spec
	cmap   sample.ChannelMap
	props  *Proplist
	flags  SourceFlags

	// PostSink receives every posted chunk while the source is linked.
	PostSink func(*Chunk)
	// ProcessMessage handles control messages; a non-nil override is
	// consulted before the generic handler.
	ProcessMessage func(kind MessageKind, payload any) int64
	// UpdateRequestedLatency is invoked when the host's requested
	// latency for this source changes.
	UpdateRequestedLatency func()
}

// NewSource validates the configuration and creates an unlinked source.
func NewSource(core *Core, cfg SourceConfig) (*Source, error) {
	if core == nil {
		return nil, fmt.Errorf("source requires a core")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("source requires a name")
	}
	if !cfg.Spec.Valid() {
		return nil, fmt.Errorf("invalid sample spec %s", cfg.Spec)
	}
	if !cfg.Map.Compatible(cfg.Spec) {
		return nil, fmt.Errorf("channel map %s does not match spec %s", cfg.Map, cfg.Spec)
	}
	props := cfg.Proplist
	if props == nil {
		props = NewProplist()
	}
	return &Source{
		core:                 core,
		name:                 cfg.Name,
		driver:               cfg.Driver,
		spec:                 cfg.Spec,
		cmap:                 cfg.Map,
		props:                props,
		flags:                cfg.Flags,
		requestedLatencyUsec: sample.USecInvalid,
	}, nil
}

// Name returns the source's registered name.
func (s *Source) Name() string { return s.name }

// Spec returns the source's sample spec.
func (s *Source) Spec() sample.Spec { return s.spec }

// Map returns the source's channel map.
func (s *Source) Map() sample.ChannelMap { return s.cmap }

// Proplist returns the source's property list.
func (s *Source) Proplist() *Proplist { return s.props }

// Flags returns the source's capability flags.
func (s *Source) Flags() SourceFlags { return s.flags }

// Put publishes the source into the routing graph.
func (s *Source) Put() error {
	if !atomic.CompareAndSwapInt32(&s.linked, 0, 1) {
		return fmt.Errorf("source %s already linked", s.name)
	}
	if err := s.core.registerSource(s); err != nil {
		atomic.StoreInt32(&s.linked, 0)
		return err
	}
	if s.UpdateRequestedLatency != nil {
		s.UpdateRequestedLatency()
	}
	return nil
}

// Unlink removes the source from the graph. Idempotent; no further
// chunks are forwarded afterwards.
func (s *Source) Unlink() {
	if !atomic.CompareAndSwapInt32(&s.linked, 1, 0) {
		return
	}
	s.core.unregisterSource(s)
}

// IsLinked reports whether the source is currently in the graph.
func (s *Source) IsLinked() bool {
	return atomic.LoadInt32(&s.linked) == 1
}

// Post hands a chunk to the routing sink. Posting to an unlinked
// source is a silent no-op; the caller still owns the release.
func (s *Source) Post(c *Chunk) {
	if c == nil || !s.IsLinked() {
		return
	}
	atomic.AddInt64(&s.chunksPosted, 1)
	atomic.AddInt64(&s.bytesPosted, int64(c.Len()))
	if s.PostSink != nil {
		s.PostSink(c)
	}
}

// PostStats returns the number of chunks and bytes posted so far.
func (s *Source) PostStats() (chunks, bytes int64) {
	return atomic.LoadInt64(&s.chunksPosted), atomic.LoadInt64(&s.bytesPosted)
}

// GenericProcessMessage is the fallback control-message handler for
// kinds a source override does not care about.
func (s *Source) GenericProcessMessage(kind MessageKind, payload any) int64 {
	return 0
}

// GetLatency dispatches a latency query to the message handler and
// returns the latency in microseconds.
func (s *Source) GetLatency() int64 {
	if s.ProcessMessage == nil {
		return 0
	}
	return s.ProcessMessage(MessageGetLatency, nil)
}

// SetRequestedLatency records the host's requested latency and
// notifies the source's callback. USecInvalid means "unspecified".
func (s *Source) SetRequestedLatency(usec int64) {
	atomic.StoreInt64(&s.requestedLatencyUsec, usec)
	if s.UpdateRequestedLatency != nil {
		s.UpdateRequestedLatency()
	}
}

// RequestedLatencyUsec returns the host's requested latency, or
// USecInvalid when unspecified.
func (s *Source) RequestedLatencyUsec() int64 {
	return atomic.LoadInt64(&s.requestedLatencyUsec)
}

// MaxLatencyUsec returns the maximum latency supported for this source.
func (s *Source) MaxLatencyUsec() int64 {
	return s.core.MaxLatencyUsec
}

// SetMaxRewind updates the maximum rewindable byte count.
func (s *Source) SetMaxRewind(bytes int64) {
	atomic.StoreInt64(&s.maxRewindBytes, bytes)
}

// MaxRewind returns the maximum rewindable byte count.
func (s *Source) MaxRewind() int64 {
	return atomic.LoadInt64(&s.maxRewindBytes)
}

// Unref drops the caller's reference. The source must be unlinked
// first; callbacks are detached so late invocations cannot reach
// freed module state.
func (s *Source) Unref() {
	if !atomic.CompareAndSwapInt32(&s.refGone, 0, 1) {
		return
	}
	s.Unlink()
	s.PostSink = nil
	s.ProcessMessage = nil
	s.UpdateRequestedLatency = nil
}
