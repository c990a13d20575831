package serializer

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/ipool/rpc/common"
)

// benchmarkPackets returns a set of packets for targeted benchmarking
func benchmarkPackets() map[string]*common.Packet {
	return map[string]*common.Packet{
		"Ping":       common.NewPingRequest(),
		"Watch":      common.NewWatchRequest("box.status"),
		"ID":         common.NewIDRequest(common.ProtocolVersion, common.DefaultFeatures()),
		"SmallCall":  common.NewCallRequest("f", 1),
		"MediumCall": common.NewCallRequest("app.handler", "medium length argument", 42, true),
		"LargeCall":  common.NewCallRequest("app.put", make([]byte, 16*1024)),
		"Error":      common.NewErrorResponse(1, 32, "Lorem ipsum dolor sit amet, consectetur adipiscing elit."),
	}
}

func BenchmarkSerialize(b *testing.B) {
	s := NewMsgpackSerializer()
	for name, p := range benchmarkPackets() {
		p.Header.Sync = 1
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := s.Serialize(p); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkDeserialize(b *testing.B) {
	s := NewMsgpackSerializer()
	for name, p := range benchmarkPackets() {
		data, err := s.Serialize(p)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			var out common.Packet
			for i := 0; i < b.N; i++ {
				if err := s.Deserialize(data, &out); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkFrameRoundTrip(b *testing.B) {
	payload := make([]byte, 1024)
	var stream bytes.Buffer
	buf := make([]byte, 0, 2048)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		stream.Reset()
		if err := WriteFrame(&stream, payload); err != nil {
			b.Fatal(err)
		}
		if _, err := ReadFrame(&stream, buf); err != nil {
			b.Fatal(err)
		}
	}
}
