package serializer

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/vmihailenco/msgpack/v5"
)

// NewMsgpackSerializer creates a new serializer for the IPROTO msgpack encoding
func NewMsgpackSerializer() IPacketSerializer {
	return &msgpackSerializerImpl{}
}

// msgpackSerializerImpl implements IPacketSerializer with vmihailenco/msgpack
type msgpackSerializerImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IPacketSerializer)
// --------------------------------------------------------------------------

func (m msgpackSerializerImpl) Serialize(p *common.Packet) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)

	// Header: code and sync are always present, schema and stream only when set
	headerLen := 2
	if p.Header.SchemaID != 0 {
		headerLen++
	}
	if p.Header.StreamID != 0 {
		headerLen++
	}
	if err := enc.EncodeMapLen(headerLen); err != nil {
		return nil, err
	}
	if err := encodeUintPair(enc, common.KeyRequestType, uint64(p.Header.Code)); err != nil {
		return nil, err
	}
	if err := encodeUintPair(enc, common.KeySync, p.Header.Sync); err != nil {
		return nil, err
	}
	if p.Header.SchemaID != 0 {
		if err := encodeUintPair(enc, common.KeySchemaID, p.Header.SchemaID); err != nil {
			return nil, err
		}
	}
	if p.Header.StreamID != 0 {
		if err := encodeUintPair(enc, common.KeyStreamID, p.Header.StreamID); err != nil {
			return nil, err
		}
	}

	// Body: keys in ascending order so equal packets encode to equal bytes
	keys := make([]int, 0, len(p.Body))
	for k := range p.Body {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)

	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := enc.EncodeUint(uint64(k)); err != nil {
			return nil, err
		}
		if err := enc.Encode(p.Body[common.BodyKey(k)]); err != nil {
			return nil, fmt.Errorf("failed to encode body key 0x%02x: %w", k, err)
		}
	}

	return buf.Bytes(), nil
}

func (m msgpackSerializerImpl) Deserialize(b []byte, p *common.Packet) error {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)

	// Header
	n, err := dec.DecodeMapLen()
	if err != nil {
		return fmt.Errorf("%w: header: %v", ErrMalformedFrame, err)
	}
	p.Header = common.Header{}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return fmt.Errorf("%w: header key: %v", ErrMalformedFrame, err)
		}
		switch common.BodyKey(key) {
		case common.KeyRequestType:
			code, err := dec.DecodeUint64()
			if err != nil {
				return fmt.Errorf("%w: code: %v", ErrMalformedFrame, err)
			}
			p.Header.Code = common.RequestCode(code)
		case common.KeySync:
			if p.Header.Sync, err = dec.DecodeUint64(); err != nil {
				return fmt.Errorf("%w: sync: %v", ErrMalformedFrame, err)
			}
		case common.KeySchemaID:
			if p.Header.SchemaID, err = dec.DecodeUint64(); err != nil {
				return fmt.Errorf("%w: schema id: %v", ErrMalformedFrame, err)
			}
		case common.KeyStreamID:
			if p.Header.StreamID, err = dec.DecodeUint64(); err != nil {
				return fmt.Errorf("%w: stream id: %v", ErrMalformedFrame, err)
			}
		default:
			if err := dec.Skip(); err != nil {
				return fmt.Errorf("%w: header value: %v", ErrMalformedFrame, err)
			}
		}
	}

	// Body (may be absent)
	p.Body = map[common.BodyKey]interface{}{}
	if r.Len() == 0 {
		return nil
	}
	n, err = dec.DecodeMapLen()
	if err != nil {
		return fmt.Errorf("%w: body: %v", ErrMalformedFrame, err)
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeUint64()
		if err != nil {
			return fmt.Errorf("%w: body key: %v", ErrMalformedFrame, err)
		}
		value, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return fmt.Errorf("%w: body key 0x%02x: %v", ErrMalformedFrame, key, err)
		}
		p.Body[common.BodyKey(key)] = value
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func encodeUintPair(enc *msgpack.Encoder, key common.BodyKey, value uint64) error {
	if err := enc.EncodeUint(uint64(key)); err != nil {
		return err
	}
	return enc.EncodeUint(value)
}
