// Package sample defines audio sample specifications and the
// conversions between time and byte quantities that the routing graph
// performs when sizing buffers.
package sample

import (
	"fmt"
	"strconv"
	"strings"
)

// Format identifies the in-memory encoding of a single sample.
type Format uint8

const (
	FormatU8 Format = iota
	FormatALaw
	FormatULaw
	FormatS16LE
	FormatS16BE
	FormatS24LE
	FormatFloat32LE
)

// USecInvalid is the sentinel for "no latency specified".
const USecInvalid int64 = -1

// MaxChannels bounds channel maps; matches common server limits.
const MaxChannels = 32

var formatNames = map[Format]string{
	FormatU8:        "u8",
	FormatALaw:      "alaw",
	FormatULaw:      "ulaw",
	FormatS16LE:     "s16le",
	FormatS16BE:     "s16be",
	FormatS24LE:     "s24le",
	FormatFloat32LE: "float32le",
}

var formatSizes = map[Format]int{
	FormatU8:        1,
	FormatALaw:      1,
	FormatULaw:      1,
	FormatS16LE:     2,
	FormatS16BE:     2,
	FormatS24LE:     3,
	FormatFloat32LE: 4,
}

// ParseFormat parses a sample format name such as "s16le".
func ParseFormat(name string) (Format, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for f, n := range formatNames {
		if n == needle {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown sample format %q", name)
}

// String returns the canonical format name.
func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// SampleSize returns the size in bytes of one sample in this format.
func (f Format) SampleSize() int {
	if s, ok := formatSizes[f]; ok {
		return s
	}
	return 0
}

// Spec describes a stream's sample format, channel count and rate.
type Spec struct {
	Format   Format
	Channels uint8
	Rate     uint32
}

// Valid reports whether the spec describes a usable stream format.
func (s Spec) Valid() bool {
	return s.Format.SampleSize() > 0 &&
		s.Channels > 0 && s.Channels <= MaxChannels &&
		s.Rate > 0 && s.Rate <= 768000
}

// FrameSize returns the size in bytes of one multichannel frame.
func (s Spec) FrameSize() int {
	return s.Format.SampleSize() * int(s.Channels)
}

// BytesPerSecond returns the stream's data rate in bytes.
func (s Spec) BytesPerSecond() int {
	return s.FrameSize() * int(s.Rate)
}

// String renders the spec as "s16le 2ch 44100Hz".
func (s Spec) String() string {
	return fmt.Sprintf("%s %dch %dHz", s.Format, s.Channels, s.Rate)
}

// UsecToBytes converts a duration in microseconds into a byte count,
// rounded down to a whole frame boundary.
func (s Spec) UsecToBytes(usec int64) int {
	if usec <= 0 || !s.Valid() {
		return 0
	}
	bytes := usec * int64(s.BytesPerSecond()) / 1000000
	frame := int64(s.FrameSize())
	return int(bytes - bytes%frame)
}

// BytesToUsec converts a byte count into a duration in microseconds.
func (s Spec) BytesToUsec(n int) int64 {
	if n <= 0 || !s.Valid() {
		return 0
	}
	return int64(n) * 1000000 / int64(s.BytesPerSecond())
}

// Position identifies a speaker position within a channel map.
type Position uint8

const (
	PositionMono Position = iota
	PositionFrontLeft
	PositionFrontRight
	PositionFrontCenter
	PositionRearLeft
	PositionRearRight
	PositionLFE
	PositionSideLeft
	PositionSideRight
)

var positionNames = map[Position]string{
	PositionMono:        "mono",
	PositionFrontLeft:   "front-left",
	PositionFrontRight:  "front-right",
	PositionFrontCenter: "front-center",
	PositionRearLeft:    "rear-left",
	PositionRearRight:   "rear-right",
	PositionLFE:         "lfe",
	PositionSideLeft:    "side-left",
	PositionSideRight:   "side-right",
}

// String returns the canonical position name.
func (p Position) String() string {
	if n, ok := positionNames[p]; ok {
		return n
	}
	return fmt.Sprintf("aux%d", uint8(p))
}

// ChannelMap assigns a speaker position to each channel of a spec.
type ChannelMap struct {
	Positions []Position
}

// Channels returns the number of mapped channels.
func (m ChannelMap) Channels() int {
	return len(m.Positions)
}

// Compatible reports whether the map covers exactly the spec's channels.
func (m ChannelMap) Compatible(s Spec) bool {
	return m.Channels() == int(s.Channels)
}

// String renders the map as a comma-separated position list.
func (m ChannelMap) String() string {
	names := make([]string, len(m.Positions))
	for i, p := range m.Positions {
		names[i] = p.String()
	}
	return strings.Join(names, ",")
}

// DefaultChannelMap returns the standard layout for a channel count.
func DefaultChannelMap(channels int) (ChannelMap, error) {
	switch {
	case channels == 1:
		return ChannelMap{Positions: []Position{PositionMono}}, nil
	case channels == 2:
		return ChannelMap{Positions: []Position{PositionFrontLeft, PositionFrontRight}}, nil
	case channels > 2 && channels <= MaxChannels:
		pos := make([]Position, channels)
		pos[0], pos[1] = PositionFrontLeft, PositionFrontRight
		for i := 2; i < channels; i++ {
			pos[i] = Position(uint8(PositionFrontCenter) + uint8(i-2))
		}
		return ChannelMap{Positions: pos}, nil
	default:
		return ChannelMap{}, fmt.Errorf("unsupported channel count %d", channels)
	}
}

// ParseChannelMap parses a comma-separated position list.
func ParseChannelMap(s string) (ChannelMap, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 0 || len(parts) > MaxChannels {
		return ChannelMap{}, fmt.Errorf("invalid channel map %q", s)
	}
	m := ChannelMap{Positions: make([]Position, 0, len(parts))}
	for _, part := range parts {
		needle := strings.ToLower(strings.TrimSpace(part))
		found := false
		for p, n := range positionNames {
			if n == needle {
				m.Positions = append(m.Positions, p)
				found = true
				break
			}
		}
		if !found {
			return ChannelMap{}, fmt.Errorf("unknown channel position %q", part)
		}
	}
	return m, nil
}

// ParseSpecArgs applies format/rate/channels/channel_map overrides from
// module arguments on top of the given defaults. The returned map is
// always compatible with the returned spec.
func ParseSpecArgs(args map[string]string, defSpec Spec, defMap ChannelMap) (Spec, ChannelMap, error) {
	spec := defSpec
	cmap := defMap

	if v, ok := args["format"]; ok {
		f, err := ParseFormat(v)
		if err != nil {
			return Spec{}, ChannelMap{}, err
		}
		spec.Format = f
	}
	if v, ok := args["rate"]; ok {
		rate, err := strconv.ParseUint(v, 10, 32)
		if err != nil || rate == 0 {
			return Spec{}, ChannelMap{}, fmt.Errorf("invalid rate %q", v)
		}
		spec.Rate = uint32(rate)
	}
	channelsSet := false
	if v, ok := args["channels"]; ok {
		ch, err := strconv.ParseUint(v, 10, 8)
		if err != nil || ch == 0 || ch > MaxChannels {
			return Spec{}, ChannelMap{}, fmt.Errorf("invalid channel count %q", v)
		}
		spec.Channels = uint8(ch)
		channelsSet = true
	}
	if v, ok := args["channel_map"]; ok {
		m, err := ParseChannelMap(v)
		if err != nil {
			return Spec{}, ChannelMap{}, err
		}
		cmap = m
		if !channelsSet {
			spec.Channels = uint8(m.Channels())
		}
	} else if channelsSet {
		m, err := DefaultChannelMap(int(spec.Channels))
		if err != nil {
			return Spec{}, ChannelMap{}, err
		}
		cmap = m
	}

	if !spec.Valid() {
		return Spec{}, ChannelMap{}, fmt.Errorf("invalid sample specification %s", spec)
	}
	if !cmap.Compatible(spec) {
		return Spec{}, ChannelMap{}, fmt.Errorf("channel map %s does not match %d channels", cmap, spec.Channels)
	}
	return spec, cmap, nil
}
