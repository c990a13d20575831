// Package serializer converts IPROTO packets to and from bytes.
//
// The package focuses on:
//   - Encoding header and body maps with msgpack (vmihailenco/msgpack)
//   - Reading and writing length prefixed frames on a byte stream
//   - Parsing the fixed size greeting a server sends on connect
//
// Key Components:
//
//   - IPacketSerializer: Interface of packet codecs, implemented by
//     msgpackSerializerImpl (see NewMsgpackSerializer). Body values are
//     decoded loosely, so every integer arrives as int64 or uint64
//     (use common.ToUint64) and arrays as []interface{}.
//
//   - WriteFrame / ReadFrame: Frame handling. Writes always use the 5 byte
//     uint32 prefix, reads accept every unsigned msgpack integer encoding.
//
//   - ParseGreeting / FormatGreeting: Greeting handling, malformed greetings
//     fail with common.ErrBadGreeting.
//
// Thread Safety:
//
//	The serializer is stateless and safe for concurrent use. Frames must not
//	be written concurrently to the same writer without external locking.
//
// Usage:
//
//	s := serializer.NewMsgpackSerializer()
//	data, err := s.Serialize(common.NewPingRequest())
//	err = serializer.WriteFrame(conn, data)
//	...
//	payload, err := serializer.ReadFrame(reader, buf)
//	var p common.Packet
//	err = s.Deserialize(payload, &p)
package serializer
