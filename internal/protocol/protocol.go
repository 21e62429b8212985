// Package protocol implements the dirty pool's framed binary wire format: a
// 16-byte fixed header followed by a TLV-encoded payload, bit-exact with
// spec.md §4.1. It is the Go counterpart of
// original_source/gunicorn/dirty/protocol.py, restructured the way
// Generativebots-ocx-backend-go-svc/internal/protocol/frame.go splits a
// fixed binary header from an opaque payload and provides ReadFrame/
// WriteFrame helpers over io.Reader/io.Writer.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dirtypool/dirtypool/internal/tlv"
)

// Magic identifies a dirty pool frame ("GD" — Dirty Gopher).
var Magic = [2]byte{'G', 'D'}

// Version is the only supported wire version.
const Version byte = 0x01

// Type is the one-byte message kind tag.
type Type byte

const (
	TypeRequest  Type = 0x01
	TypeResponse Type = 0x02
	TypeError    Type = 0x03
	TypeChunk    Type = 0x04
	TypeEnd      Type = 0x05
	TypeStash    Type = 0x10
	TypeStatus   Type = 0x11
	TypeManage   Type = 0x12
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypeChunk:
		return "CHUNK"
	case TypeEnd:
		return "END"
	case TypeStash:
		return "STASH"
	case TypeStatus:
		return "STATUS"
	case TypeManage:
		return "MANAGE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// Stash operation codes (spec.md §4.1 STASH payload).
const (
	StashOpPut         = 1
	StashOpGet         = 2
	StashOpDelete      = 3
	StashOpKeys        = 4
	StashOpClear       = 5
	StashOpInfo        = 6
	StashOpEnsure      = 7
	StashOpDeleteTable = 8
	StashOpTables      = 9
	StashOpExists      = 10
)

// Manage operation codes (spec.md §4.1 MANAGE payload).
const (
	ManageOpAdd              = 1
	ManageOpRemove           = 2
	ManageOpKill             = 3
	ManageOpReload           = 4
	ManageOpShutdownGraceful = 5
	ManageOpShutdownQuick    = 6
)

// HeaderSize is the fixed 16-byte header size.
const HeaderSize = 16

// MaxPayloadSize is the hard 64 MiB payload ceiling (spec.md §4.1).
const MaxPayloadSize = 64 * 1024 * 1024

// Header is the 16-byte fixed frame header.
type Header struct {
	Type          Type
	PayloadLength uint32
	RequestID     uint64
}

// Marshal encodes the header to its 16-byte wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0], buf[1] = Magic[0], Magic[1]
	buf[2] = Version
	buf[3] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[4:8], h.PayloadLength)
	binary.BigEndian.PutUint64(buf[8:16], h.RequestID)
	return buf
}

// UnmarshalHeader decodes and validates a 16-byte header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("protocol: short header: %d bytes", len(buf))
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return Header{}, fmt.Errorf("protocol: bad magic: %02x%02x", buf[0], buf[1])
	}
	if buf[2] != Version {
		return Header{}, fmt.Errorf("protocol: unsupported version: %d", buf[2])
	}
	typ := Type(buf[3])
	if !validType(typ) {
		return Header{}, fmt.Errorf("protocol: unknown message type: 0x%02x", buf[3])
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	if length > MaxPayloadSize {
		return Header{}, fmt.Errorf("protocol: payload too large: %d bytes", length)
	}
	reqID := binary.BigEndian.Uint64(buf[8:16])
	return Header{Type: typ, PayloadLength: length, RequestID: reqID}, nil
}

func validType(t Type) bool {
	switch t {
	case TypeRequest, TypeResponse, TypeError, TypeChunk, TypeEnd, TypeStash, TypeStatus, TypeManage:
		return true
	default:
		return false
	}
}

// Message is a fully decoded frame: its header plus a TLV-decoded payload
// dict (empty for END/STATUS-with-no-body frames).
type Message struct {
	Type      Type
	RequestID uint64
	Payload   map[string]any
}

// ReadMessage reads one complete framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Message{}, err
	}
	header, err := UnmarshalHeader(headerBuf)
	if err != nil {
		return Message{}, err
	}

	var payload map[string]any
	if header.PayloadLength > 0 {
		payloadBuf := make([]byte, header.PayloadLength)
		if _, err := io.ReadFull(r, payloadBuf); err != nil {
			return Message{}, fmt.Errorf("protocol: reading payload: %w", err)
		}
		decoded, err := tlv.DecodeFull(payloadBuf)
		if err != nil {
			return Message{}, fmt.Errorf("protocol: decoding payload: %w", err)
		}
		dict, ok := decoded.(map[string]any)
		if !ok {
			return Message{}, fmt.Errorf("protocol: payload is not a dict: %T", decoded)
		}
		payload = dict
	} else {
		payload = map[string]any{}
	}

	return Message{Type: header.Type, RequestID: header.RequestID, Payload: payload}, nil
}

// WriteMessage encodes and writes msg to w as a single framed write.
func WriteMessage(w io.Writer, msg Message) error {
	var payloadBytes []byte
	if len(msg.Payload) > 0 || msg.Type != TypeEnd {
		encoded, err := tlv.Encode(map[string]any(msg.Payload))
		if err != nil {
			return fmt.Errorf("protocol: encoding payload: %w", err)
		}
		payloadBytes = encoded
	}
	if msg.Type == TypeEnd {
		payloadBytes = nil
	}

	header := Header{Type: msg.Type, PayloadLength: uint32(len(payloadBytes)), RequestID: msg.RequestID}
	buf := make([]byte, 0, HeaderSize+len(payloadBytes))
	buf = append(buf, header.Marshal()...)
	buf = append(buf, payloadBytes...)

	_, err := w.Write(buf)
	return err
}

// -----------------------------------------------------------------------
// Typed payload constructors/accessors for each message kind (spec.md §4.1).
// -----------------------------------------------------------------------

// Request is the decoded REQUEST payload shape.
type Request struct {
	AppPath string
	Action  string
	Args    []any
	Kwargs  map[string]any
}

// NewRequestMessage builds a REQUEST message.
func NewRequestMessage(requestID uint64, req Request) Message {
	args := req.Args
	if args == nil {
		args = []any{}
	}
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Message{
		Type:      TypeRequest,
		RequestID: requestID,
		Payload: map[string]any{
			"app_path": req.AppPath,
			"action":   req.Action,
			"args":     args,
			"kwargs":   kwargs,
		},
	}
}

// DecodeRequest extracts a Request from a REQUEST message's payload.
func DecodeRequest(m Message) (Request, error) {
	appPath, _ := m.Payload["app_path"].(string)
	action, _ := m.Payload["action"].(string)
	args, _ := m.Payload["args"].([]any)
	kwargs, _ := m.Payload["kwargs"].(map[string]any)
	if appPath == "" || action == "" {
		return Request{}, fmt.Errorf("protocol: malformed request payload")
	}
	return Request{AppPath: appPath, Action: action, Args: args, Kwargs: kwargs}, nil
}

// NewResponseMessage builds a RESPONSE message carrying result.
func NewResponseMessage(requestID uint64, result any) Message {
	return Message{Type: TypeResponse, RequestID: requestID, Payload: map[string]any{"result": result}}
}

// NewChunkMessage builds a CHUNK message carrying one streamed element.
func NewChunkMessage(requestID uint64, data any) Message {
	return Message{Type: TypeChunk, RequestID: requestID, Payload: map[string]any{"data": data}}
}

// NewEndMessage builds a terminal END message (empty payload).
func NewEndMessage(requestID uint64) Message {
	return Message{Type: TypeEnd, RequestID: requestID, Payload: map[string]any{}}
}

// NewErrorMessage builds an ERROR message from an encoded error dict.
func NewErrorMessage(requestID uint64, errDict map[string]any) Message {
	return Message{Type: TypeError, RequestID: requestID, Payload: map[string]any{"error": errDict}}
}

// NewStatusMessage builds an empty-payload STATUS query message.
func NewStatusMessage(requestID uint64) Message {
	return Message{Type: TypeStatus, RequestID: requestID, Payload: map[string]any{}}
}

// ManageOp is the decoded MANAGE payload shape. Count applies to
// Add/Remove; PID applies to Kill.
type ManageOp struct {
	Op    int
	Count int
	PID   int
}

// NewManageMessage builds a MANAGE message.
func NewManageMessage(requestID uint64, op ManageOp) Message {
	return Message{
		Type:      TypeManage,
		RequestID: requestID,
		Payload: map[string]any{
			"op":    int64(op.Op),
			"count": int64(op.Count),
			"pid":   int64(op.PID),
		},
	}
}

// DecodeManage extracts a ManageOp from a MANAGE message's payload.
func DecodeManage(m Message) ManageOp {
	op, _ := asInt(m.Payload["op"])
	count, _ := asInt(m.Payload["count"])
	pid, _ := asInt(m.Payload["pid"])
	if count == 0 {
		count = 1
	}
	return ManageOp{Op: op, Count: count, PID: pid}
}

// StashOp is the decoded STASH payload shape.
type StashOp struct {
	Op      int
	Table   string
	Key     string
	HasKey  bool
	Value   any
	Pattern string
}

// NewStashMessage builds a STASH message.
func NewStashMessage(requestID uint64, op StashOp) Message {
	payload := map[string]any{
		"op":    int64(op.Op),
		"table": op.Table,
	}
	if op.HasKey {
		payload["key"] = op.Key
	}
	if op.Value != nil {
		payload["value"] = op.Value
	}
	if op.Pattern != "" {
		payload["pattern"] = op.Pattern
	}
	return Message{Type: TypeStash, RequestID: requestID, Payload: payload}
}

// DecodeStash extracts a StashOp from a STASH message's payload.
func DecodeStash(m Message) StashOp {
	op, _ := asInt(m.Payload["op"])
	table, _ := m.Payload["table"].(string)
	pattern, _ := m.Payload["pattern"].(string)
	key, hasKey := m.Payload["key"].(string)
	return StashOp{
		Op: op, Table: table, Key: key, HasKey: hasKey,
		Value: m.Payload["value"], Pattern: pattern,
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
