package tunnelsource

import (
	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/sample"
)

// processMessage is the source's control-message handler, invoked on
// the host's processing thread. A latency query answers zero whenever
// the source is unlinked, no stream exists yet, the stream left the
// good state or no remote measurement is available; otherwise the
// remote-reported value is returned unmodified.
func (m *Module) processMessage(kind graph.MessageKind, payload any) int64 {
	switch kind {
	case graph.MessageGetLatency:
		if m.source == nil || !m.source.IsLinked() {
			return 0
		}
		if m.runtime == nil {
			return 0
		}
		st := m.runtime.streamRef()
		if st == nil {
			return 0
		}
		if !st.State().IsGood() {
			return 0
		}
		usec, _, ok := st.LatencyUsec()
		if !ok {
			return 0
		}
		return usec
	}
	return m.source.GenericProcessMessage(kind, payload)
}

// updateRequestedLatency reacts to a change of the host's requested
// latency: it resizes the rewind window and pushes a matching fragment
// size to the remote stream, best-effort.
func (m *Module) updateRequestedLatency() {
	blockUsec := m.source.RequestedLatencyUsec()
	if blockUsec == sample.USecInvalid {
		blockUsec = m.source.MaxLatencyUsec()
	}

	nbytes := m.source.Spec().UsecToBytes(blockUsec)
	m.source.SetMaxRewind(int64(nbytes))

	if blockUsec == sample.USecInvalid {
		return
	}

	m.attrMtx.Lock()
	m.bufferAttr.FragSize = uint32(nbytes)
	attr := m.bufferAttr
	m.attrMtx.Unlock()

	if m.runtime == nil {
		return
	}
	if st := m.runtime.streamRef(); st != nil && st.State().IsGood() {
		if err := st.SetBufferAttr(attr); err != nil {
			m.logger.Debug().Err(err).Msg("failed to update stream buffer attributes")
		}
	}
}
