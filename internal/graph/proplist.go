package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Well-known property keys.
const (
	PropApplicationName    = "application.name"
	PropApplicationID      = "application.id"
	PropApplicationVersion = "application.version"
	PropDeviceClass        = "device.class"
	PropDeviceDescription  = "device.description"
	PropMediaRole          = "media.role"
)

// Proplist is a thread-safe string property set attached to sources,
// streams and protocol clients.
type Proplist struct {
	mtx   sync.RWMutex
	props map[string]string
}

// NewProplist creates an empty property list.
func NewProplist() *Proplist {
	return &Proplist{props: make(map[string]string)}
}

// Set stores a property, replacing any previous value.
func (p *Proplist) Set(key, value string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.props[key] = value
}

// Get returns a property value, or "" when unset.
func (p *Proplist) Get(key string) string {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.props[key]
}

// Len returns the number of properties.
func (p *Proplist) Len() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.props)
}

// UpdateReplace merges other into p, overwriting existing keys.
func (p *Proplist) UpdateReplace(other *Proplist) {
	if other == nil {
		return
	}
	other.mtx.RLock()
	defer other.mtx.RUnlock()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for k, v := range other.props {
		p.props[k] = v
	}
}

// Clone returns an independent copy of the property list.
func (p *Proplist) Clone() *Proplist {
	c := NewProplist()
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	for k, v := range p.props {
		c.props[k] = v
	}
	return c
}

// Keys returns the property keys in sorted order.
func (p *Proplist) Keys() []string {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	keys := make([]string, 0, len(p.props))
	for k := range p.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseOverlay parses a "key=value key2='quoted value'" overlay string
// as used by the source_properties module argument.
func ParseOverlay(s string) (*Proplist, error) {
	p := NewProplist()
	rest := strings.TrimSpace(s)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed property overlay near %q", rest)
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]

		var value string
		if strings.HasPrefix(rest, "'") || strings.HasPrefix(rest, "\"") {
			quote := rest[0]
			end := strings.IndexByte(rest[1:], quote)
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote in property overlay near %q", rest)
			}
			value = rest[1 : 1+end]
			rest = strings.TrimSpace(rest[2+end:])
		} else {
			end := strings.IndexByte(rest, ' ')
			if end < 0 {
				value = rest
				rest = ""
			} else {
				value = rest[:end]
				rest = strings.TrimSpace(rest[end+1:])
			}
		}
		if key == "" {
			return nil, fmt.Errorf("empty property key in overlay")
		}
		p.Set(key, value)
	}
	return p, nil
}
