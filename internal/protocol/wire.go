// Package protocol implements the client side of the remote audio
// server protocol: the framed wire codec, the transport session state
// machine and the capture stream with its zero-copy receive buffer.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/KapTmaN/pulseaudio/internal/graph"
	"github.com/KapTmaN/pulseaudio/internal/sample"
)

const (
	wireMagic uint32 = 0x544E4C53 // "SLNT" (sound-tunnel)
	// Fixed header size: 4+1+4+8 bytes.
	headerSize = 17
	// Upper bound on a single frame payload.
	maxPayloadSize = 1 << 20

	// Version is the protocol revision announced during auth.
	Version uint32 = 1
)

// MessageType identifies a wire message.
type MessageType uint8

const (
	// Client to server.
	MsgAuth MessageType = iota
	MsgSetClientName
	MsgCreateStream
	MsgCork
	MsgSetBufferAttr
	MsgQueryLatency
	MsgSubscribe
	MsgDisconnect

	// Server to client.
	MsgAuthAck
	MsgNameAck
	MsgStreamReady
	MsgStreamData
	MsgLatency
	MsgStreamFailed
	MsgStreamTerminated
	MsgSubscribeAck
	MsgEvent
	MsgError
	MsgTerminate
)

// Subscription event facilities.
const (
	SubscriptionMaskSinkInput uint32 = 1 << 0
)

// AttrUnset marks a buffer attribute the server should choose.
const AttrUnset uint32 = 0xFFFFFFFF

// BufferAttr carries the stream buffering parameters. Fields set to
// AttrUnset are chosen by the server.
type BufferAttr struct {
	MaxLength uint32
	TLength   uint32
	Prebuf    uint32
	MinReq    uint32
	FragSize  uint32
}

// DefaultBufferAttr returns an attribute set with every length unset.
func DefaultBufferAttr() BufferAttr {
	return BufferAttr{
		MaxLength: AttrUnset,
		TLength:   AttrUnset,
		Prebuf:    AttrUnset,
		MinReq:    AttrUnset,
		FragSize:  AttrUnset,
	}
}

// Message is one decoded wire frame.
type Message struct {
	Type      MessageType
	Timestamp int64
	Payload   []byte
}

// EncodeMessage writes one framed message.
func EncodeMessage(w io.Writer, t MessageType, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("payload size %d exceeds maximum %d", len(payload), maxPayloadSize)
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], wireMagic)
	header[4] = byte(t)
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[9:17], uint64(time.Now().UnixNano()))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMessage reads and validates one framed message.
func DecodeMessage(r io.Reader) (*Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != wireMagic {
		return nil, fmt.Errorf("invalid magic number: %x", magic)
	}
	size := binary.LittleEndian.Uint32(header[5:9])
	if size > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d", size, maxPayloadSize)
	}
	msg := &Message{
		Type:      MessageType(header[4]),
		Timestamp: int64(binary.LittleEndian.Uint64(header[9:17])),
	}
	if size > 0 {
		msg.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	return msg, nil
}

// payloadWriter builds message payloads field by field.
type payloadWriter struct {
	buf bytes.Buffer
}

func (w *payloadWriter) putU8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *payloadWriter) putBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *payloadWriter) putU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *payloadWriter) putU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *payloadWriter) putI64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *payloadWriter) putString(s string) {
	w.putU16(uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *payloadWriter) putProplist(p *graph.Proplist) {
	if p == nil {
		w.putU16(0)
		return
	}
	keys := p.Keys()
	w.putU16(uint16(len(keys)))
	for _, k := range keys {
		w.putString(k)
		w.putString(p.Get(k))
	}
}

func (w *payloadWriter) putSpec(s sample.Spec) {
	w.putU8(uint8(s.Format))
	w.putU8(s.Channels)
	w.putU32(s.Rate)
}

func (w *payloadWriter) putChannelMap(m sample.ChannelMap) {
	w.putU8(uint8(len(m.Positions)))
	for _, p := range m.Positions {
		w.putU8(uint8(p))
	}
}

func (w *payloadWriter) putBufferAttr(a BufferAttr) {
	w.putU32(a.MaxLength)
	w.putU32(a.TLength)
	w.putU32(a.Prebuf)
	w.putU32(a.MinReq)
	w.putU32(a.FragSize)
}

func (w *payloadWriter) bytes() []byte {
	return w.buf.Bytes()
}

// payloadReader parses message payloads with sticky error handling.
type payloadReader struct {
	data []byte
	off  int
	err  error
}

func newPayloadReader(data []byte) *payloadReader {
	return &payloadReader{data: data}
}

func (r *payloadReader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("payload truncated reading %s at offset %d", what, r.off)
	}
}

func (r *payloadReader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.data) {
		r.fail("u8")
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *payloadReader) boolean() bool {
	return r.u8() != 0
}

func (r *payloadReader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.fail("u16")
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *payloadReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.data) {
		r.fail("u32")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) i64() int64 {
	if r.err != nil || r.off+8 > len(r.data) {
		r.fail("i64")
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v
}

func (r *payloadReader) str() string {
	n := int(r.u16())
	if r.err != nil || r.off+n > len(r.data) {
		r.fail("string")
		return ""
	}
	v := string(r.data[r.off : r.off+n])
	r.off += n
	return v
}

func (r *payloadReader) proplist() *graph.Proplist {
	n := int(r.u16())
	p := graph.NewProplist()
	for i := 0; i < n && r.err == nil; i++ {
		k := r.str()
		v := r.str()
		if r.err == nil {
			p.Set(k, v)
		}
	}
	return p
}

func (r *payloadReader) spec() sample.Spec {
	return sample.Spec{
		Format:   sample.Format(r.u8()),
		Channels: r.u8(),
		Rate:     r.u32(),
	}
}

func (r *payloadReader) channelMap() sample.ChannelMap {
	n := int(r.u8())
	m := sample.ChannelMap{Positions: make([]sample.Position, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		m.Positions = append(m.Positions, sample.Position(r.u8()))
	}
	return m
}

func (r *payloadReader) bufferAttr() BufferAttr {
	return BufferAttr{
		MaxLength: r.u32(),
		TLength:   r.u32(),
		Prebuf:    r.u32(),
		MinReq:    r.u32(),
		FragSize:  r.u32(),
	}
}

// AuthRequest is the first client message of the handshake.
type AuthRequest struct {
	Version   uint32
	ClientTag string
}

func encodeAuthRequest(a AuthRequest) []byte {
	var w payloadWriter
	w.putU32(a.Version)
	w.putString(a.ClientTag)
	return w.bytes()
}

// ParseAuthRequest decodes a MsgAuth payload.
func ParseAuthRequest(data []byte) (AuthRequest, error) {
	r := newPayloadReader(data)
	a := AuthRequest{Version: r.u32(), ClientTag: r.str()}
	return a, r.err
}

// CreateStreamRequest asks the server for a capture stream.
type CreateStreamRequest struct {
	Label      string
	SourceName string
	Spec       sample.Spec
	Map        sample.ChannelMap
	Attr       BufferAttr
	Props      *graph.Proplist
}

func encodeCreateStream(req CreateStreamRequest) []byte {
	var w payloadWriter
	w.putString(req.Label)
	w.putString(req.SourceName)
	w.putSpec(req.Spec)
	w.putChannelMap(req.Map)
	w.putBufferAttr(req.Attr)
	w.putProplist(req.Props)
	return w.bytes()
}

// ParseCreateStream decodes a MsgCreateStream payload.
func ParseCreateStream(data []byte) (CreateStreamRequest, error) {
	r := newPayloadReader(data)
	req := CreateStreamRequest{
		Label:      r.str(),
		SourceName: r.str(),
		Spec:       r.spec(),
		Map:        r.channelMap(),
		Attr:       r.bufferAttr(),
		Props:      r.proplist(),
	}
	return req, r.err
}

// StreamReady is the server's answer to MsgCreateStream.
type StreamReady struct {
	Attr   BufferAttr
	Corked bool
}

// EncodeStreamReady builds a MsgStreamReady payload.
func EncodeStreamReady(sr StreamReady) []byte {
	var w payloadWriter
	w.putBufferAttr(sr.Attr)
	w.putBool(sr.Corked)
	return w.bytes()
}

func parseStreamReady(data []byte) (StreamReady, error) {
	r := newPayloadReader(data)
	sr := StreamReady{Attr: r.bufferAttr(), Corked: r.boolean()}
	return sr, r.err
}

// LatencyReply carries the remote-measured latency.
type LatencyReply struct {
	Usec     int64
	Negative bool
}

// EncodeLatencyReply builds a MsgLatency payload.
func EncodeLatencyReply(l LatencyReply) []byte {
	var w payloadWriter
	w.putI64(l.Usec)
	w.putBool(l.Negative)
	return w.bytes()
}

func parseLatencyReply(data []byte) (LatencyReply, error) {
	r := newPayloadReader(data)
	l := LatencyReply{Usec: r.i64(), Negative: r.boolean()}
	return l, r.err
}

// EncodeErrorCode builds an error payload for MsgError / MsgStreamFailed.
func EncodeErrorCode(code uint32) []byte {
	var w payloadWriter
	w.putU32(code)
	return w.bytes()
}

func parseErrorCode(data []byte) uint32 {
	r := newPayloadReader(data)
	code := r.u32()
	if r.err != nil {
		return errCodeUnknown
	}
	return code
}

func encodeCork(corked bool) []byte {
	var w payloadWriter
	w.putBool(corked)
	return w.bytes()
}

// ParseCork decodes a MsgCork payload.
func ParseCork(data []byte) (bool, error) {
	r := newPayloadReader(data)
	v := r.boolean()
	return v, r.err
}

func encodeSubscribe(mask uint32) []byte {
	var w payloadWriter
	w.putU32(mask)
	return w.bytes()
}

// ParseSubscribe decodes a MsgSubscribe payload.
func ParseSubscribe(data []byte) (uint32, error) {
	r := newPayloadReader(data)
	mask := r.u32()
	return mask, r.err
}

func encodeSetBufferAttr(a BufferAttr) []byte {
	var w payloadWriter
	w.putBufferAttr(a)
	return w.bytes()
}

// ParseSetBufferAttr decodes a MsgSetBufferAttr payload.
func ParseSetBufferAttr(data []byte) (BufferAttr, error) {
	r := newPayloadReader(data)
	a := r.bufferAttr()
	return a, r.err
}

func encodeClientName(props *graph.Proplist) []byte {
	var w payloadWriter
	w.putProplist(props)
	return w.bytes()
}

// ParseClientName decodes a MsgSetClientName payload.
func ParseClientName(data []byte) (*graph.Proplist, error) {
	r := newPayloadReader(data)
	p := r.proplist()
	return p, r.err
}
