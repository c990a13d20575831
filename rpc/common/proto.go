package common

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Packet Structure
// --------------------------------------------------------------------------

// Header is the header map of every IPROTO packet.
// For requests Code is the request type, for responses it is the response code.
type Header struct {
	Code     RequestCode
	Sync     uint64
	SchemaID uint64
	StreamID uint64
}

// Packet represents a single IPROTO packet used for both requests and responses.
// Which body keys are set depends on the type of packet.
type Packet struct {
	Header Header
	Body   map[BodyKey]interface{}
}

// IsError returns true if the packet is an error response
func (p *Packet) IsError() bool {
	return p.Header.Code&ErrorCodeBit != 0
}

// Err returns the server error carried by the packet or nil if the packet is not an error response
func (p *Packet) Err() error {
	if !p.IsError() {
		return nil
	}
	msg, _ := p.Body[KeyError24].(string)
	return &ServerError{
		Code:    uint32(p.Header.Code &^ ErrorCodeBit),
		Message: msg,
	}
}

// Data returns the IPROTO_DATA part of a response
func (p *Packet) Data() []interface{} {
	data, _ := p.Body[KeyData].([]interface{})
	return data
}

// EventKey returns the key of an IPROTO_EVENT packet
func (p *Packet) EventKey() (string, bool) {
	key, ok := p.Body[KeyEvent].(string)
	return key, ok
}

// EventData returns the value of an IPROTO_EVENT packet (nil if the key is unset on the server)
func (p *Packet) EventData() interface{} {
	return p.Body[KeyEventData]
}

// String returns a short representation of the packet used in logs
func (p *Packet) String() string {
	keys := make([]int, 0, len(p.Body))
	for k := range p.Body {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	return fmt.Sprintf("packet{code=%s sync=%d schema=%d body=%v}", p.Header.Code, p.Header.Sync, p.Header.SchemaID, keys)
}

// --------------------------------------------------------------------------
// Greeting
// --------------------------------------------------------------------------

// GreetingSize is the fixed size of the greeting the server sends on connect
const GreetingSize = 128

// Greeting holds the information the server sends right after accepting a connection
type Greeting struct {
	Version    string
	Protocol   string
	InstanceID uuid.UUID
	Salt       string
}

// --------------------------------------------------------------------------
// Packet Factory Functions
// --------------------------------------------------------------------------

// NewPingRequest creates a new ping request
func NewPingRequest() *Packet {
	return &Packet{
		Header: Header{Code: ReqPing},
		Body:   map[BodyKey]interface{}{},
	}
}

// NewIDRequest creates a new feature negotiation request
func NewIDRequest(version uint64, features []Feature) *Packet {
	codes := make([]uint64, len(features))
	for i, f := range features {
		codes[i] = uint64(f)
	}
	return &Packet{
		Header: Header{Code: ReqID},
		Body: map[BodyKey]interface{}{
			KeyVersion:  version,
			KeyFeatures: codes,
		},
	}
}

// NewAuthRequest creates a new auth request (the scramble is sent as a msgpack string)
func NewAuthRequest(user string, method AuthMethod, scramble []byte) *Packet {
	return &Packet{
		Header: Header{Code: ReqAuth},
		Body: map[BodyKey]interface{}{
			KeyUserName: user,
			KeyTuple:    []interface{}{string(method), string(scramble)},
		},
	}
}

// NewWatchRequest creates a new watch request (also used to acknowledge an event)
func NewWatchRequest(key string) *Packet {
	return &Packet{
		Header: Header{Code: ReqWatch},
		Body:   map[BodyKey]interface{}{KeyEvent: key},
	}
}

// NewUnwatchRequest creates a new unwatch request
func NewUnwatchRequest(key string) *Packet {
	return &Packet{
		Header: Header{Code: ReqUnwatch},
		Body:   map[BodyKey]interface{}{KeyEvent: key},
	}
}

// NewEventPacket creates a new push event (sent by servers)
func NewEventPacket(key string, value interface{}) *Packet {
	body := map[BodyKey]interface{}{KeyEvent: key}
	if value != nil {
		body[KeyEventData] = value
	}
	return &Packet{
		Header: Header{Code: RespEvent},
		Body:   body,
	}
}

// NewCallRequest creates a new call request for a stored function
func NewCallRequest(function string, args ...interface{}) *Packet {
	if args == nil {
		args = []interface{}{}
	}
	return &Packet{
		Header: Header{Code: ReqCall},
		Body: map[BodyKey]interface{}{
			KeyFunctionName: function,
			KeyTuple:        args,
		},
	}
}

// NewEvalRequest creates a new eval request
func NewEvalRequest(expr string, args ...interface{}) *Packet {
	if args == nil {
		args = []interface{}{}
	}
	return &Packet{
		Header: Header{Code: ReqEval},
		Body: map[BodyKey]interface{}{
			KeyExpr:  expr,
			KeyTuple: args,
		},
	}
}

// NewOkResponse creates a successful response for the given sync
func NewOkResponse(sync uint64, body map[BodyKey]interface{}) *Packet {
	if body == nil {
		body = map[BodyKey]interface{}{}
	}
	return &Packet{
		Header: Header{Code: RespOK, Sync: sync},
		Body:   body,
	}
}

// NewErrorResponse creates an error response for the given sync
func NewErrorResponse(sync uint64, code uint32, msg string) *Packet {
	return &Packet{
		Header: Header{Code: ErrorCodeBit | RequestCode(code), Sync: sync},
		Body:   map[BodyKey]interface{}{KeyError24: msg},
	}
}

// --------------------------------------------------------------------------
// Request / Response Codes
// --------------------------------------------------------------------------

// RequestCode is the value of the IPROTO_REQUEST_TYPE header key
type RequestCode uint32

const (
	RespOK     RequestCode = 0x00
	ReqSelect  RequestCode = 0x01
	ReqInsert  RequestCode = 0x02
	ReqAuth    RequestCode = 0x07
	ReqEval    RequestCode = 0x08
	ReqCall    RequestCode = 0x0a
	ReqPing    RequestCode = 0x40
	ReqID      RequestCode = 0x49
	ReqWatch   RequestCode = 0x4a
	ReqUnwatch RequestCode = 0x4b
	RespEvent  RequestCode = 0x4c
	RespChunk  RequestCode = 0x80

	// ErrorCodeBit marks error responses, the lower bits carry the error code
	ErrorCodeBit RequestCode = 0x8000
)

// String returns the string representation of a RequestCode.
func (c RequestCode) String() string {
	if c&ErrorCodeBit != 0 {
		return fmt.Sprintf("error(%d)", uint32(c&^ErrorCodeBit))
	}
	switch c {
	case RespOK:
		return "ok"
	case ReqSelect:
		return "select"
	case ReqInsert:
		return "insert"
	case ReqAuth:
		return "auth"
	case ReqEval:
		return "eval"
	case ReqCall:
		return "call"
	case ReqPing:
		return "ping"
	case ReqID:
		return "id"
	case ReqWatch:
		return "watch"
	case ReqUnwatch:
		return "unwatch"
	case RespEvent:
		return "event"
	case RespChunk:
		return "chunk"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// Server error codes the client reacts to
const (
	ErrCodeUnknownRequestType uint32 = 48
	ErrCodeCredsMismatch      uint32 = 47
)

// --------------------------------------------------------------------------
// Header / Body Keys
// --------------------------------------------------------------------------

// BodyKey is a key of the header or body map
type BodyKey int

const (
	KeyRequestType  BodyKey = 0x00
	KeySync         BodyKey = 0x01
	KeySchemaID     BodyKey = 0x05
	KeyStreamID     BodyKey = 0x0a
	KeyTuple        BodyKey = 0x21
	KeyFunctionName BodyKey = 0x22
	KeyUserName     BodyKey = 0x23
	KeyExpr         BodyKey = 0x27
	KeyData         BodyKey = 0x30
	KeyError24      BodyKey = 0x31
	KeyVersion      BodyKey = 0x54
	KeyFeatures     BodyKey = 0x55
	KeyEvent        BodyKey = 0x57
	KeyEventData    BodyKey = 0x58
	KeyAuthType     BodyKey = 0x5b
)

// --------------------------------------------------------------------------
// Protocol Features
// --------------------------------------------------------------------------

// ProtocolVersion is the protocol version the client announces in IPROTO_ID
const ProtocolVersion uint64 = 6

// Feature is a protocol feature code negotiated with IPROTO_ID
type Feature uint64

const (
	FeatureStreams Feature = iota
	FeatureTransactions
	FeatureErrorExtension
	FeatureWatchers
	FeaturePagination
	FeatureSpaceAndIndexNames
	FeatureWatchOnce
	FeatureDMLTupleExtension
	FeatureCallRetTupleExtension
	FeatureCallArgTupleExtension
)

// String returns the string representation of a Feature.
func (f Feature) String() string {
	switch f {
	case FeatureStreams:
		return "streams"
	case FeatureTransactions:
		return "transactions"
	case FeatureErrorExtension:
		return "error_extension"
	case FeatureWatchers:
		return "watchers"
	case FeaturePagination:
		return "pagination"
	case FeatureSpaceAndIndexNames:
		return "space_and_index_names"
	case FeatureWatchOnce:
		return "watch_once"
	case FeatureDMLTupleExtension:
		return "dml_tuple_extension"
	case FeatureCallRetTupleExtension:
		return "call_ret_tuple_extension"
	case FeatureCallArgTupleExtension:
		return "call_arg_tuple_extension"
	default:
		return fmt.Sprintf("feature(%d)", uint64(f))
	}
}

// DefaultFeatures is the feature list the client announces when none is configured
func DefaultFeatures() []Feature {
	return []Feature{
		FeatureStreams,
		FeatureTransactions,
		FeatureErrorExtension,
		FeatureWatchers,
		FeaturePagination,
		FeatureSpaceAndIndexNames,
		FeatureWatchOnce,
		FeatureDMLTupleExtension,
		FeatureCallRetTupleExtension,
		FeatureCallArgTupleExtension,
	}
}

// ProtocolInfo is the result of feature negotiation
type ProtocolInfo struct {
	Version  uint64
	Features []Feature
}

// Has reports whether the feature was negotiated
func (p ProtocolInfo) Has(f Feature) bool {
	for _, ff := range p.Features {
		if ff == f {
			return true
		}
	}
	return false
}

// Intersect returns the features of a that are also in b, in the order of a
func Intersect(a, b []Feature) []Feature {
	set := make(map[Feature]struct{}, len(b))
	for _, f := range b {
		set[f] = struct{}{}
	}
	out := make([]Feature, 0, len(a))
	for _, f := range a {
		if _, ok := set[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Value helpers
// --------------------------------------------------------------------------

// ToUint64 converts a decoded msgpack number to uint64
func ToUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int8:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	default:
		return 0, false
	}
}
