package serializer

import "github.com/ValentinKolb/ipool/rpc/common"

// IPacketSerializer is the interface for all packet serializers
type IPacketSerializer interface {
	// Serialize encodes the header and body map of a packet.
	// The result does not include the length prefix (see WriteFrame).
	Serialize(p *common.Packet) ([]byte, error)
	// Deserialize decodes a frame payload (header map followed by body map) into p
	Deserialize(b []byte, p *common.Packet) error
}
