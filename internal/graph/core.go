// Package graph provides the host-server surface a loadable module
// interacts with: the core defaults, the local source object, the
// cross-thread control channel and the chunk hand-off type.
package graph

import (
	"fmt"
	"sync"

	"github.com/KapTmaN/pulseaudio/internal/sample"
)

// DefaultMaxLatencyUsec is the fallback maximum source latency when
// the host does not configure one (2 seconds).
const DefaultMaxLatencyUsec int64 = 2 * 1000 * 1000

// Core holds host-wide defaults and the registry of published sources.
type Core struct {
	DefaultSampleSpec sample.Spec
	DefaultChannelMap sample.ChannelMap
	MaxLatencyUsec    int64

	mtx     sync.RWMutex
	sources map[string]*Source
}

// NewCore creates a core with s16le stereo 44100 Hz defaults.
func NewCore() *Core {
	cmap, _ := sample.DefaultChannelMap(2)
	return &Core{
		DefaultSampleSpec: sample.Spec{Format: sample.FormatS16LE, Channels: 2, Rate: 44100},
		DefaultChannelMap: cmap,
		MaxLatencyUsec:    DefaultMaxLatencyUsec,
		sources:           make(map[string]*Source),
	}
}

// SourceByName looks up a published source.
func (c *Core) SourceByName(name string) *Source {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.sources[name]
}

// Sources returns a snapshot of all published sources.
func (c *Core) Sources() []*Source {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	out := make([]*Source, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s)
	}
	return out
}

// SourceCount returns the number of published sources.
func (c *Core) SourceCount() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.sources)
}

func (c *Core) registerSource(s *Source) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, exists := c.sources[s.name]; exists {
		return fmt.Errorf("source name %q already in use", s.name)
	}
	c.sources[s.name] = s
	return nil
}

func (c *Core) unregisterSource(s *Source) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sources[s.name] == s {
		delete(c.sources, s.name)
	}
}
