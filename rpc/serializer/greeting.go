package serializer

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ValentinKolb/ipool/rpc/common"
	"github.com/google/uuid"
)

const (
	greetingLineSize = common.GreetingSize / 2
	greetingProduct  = "Tarantool"
	greetingProtocol = "Binary"
)

// ParseGreeting parses the 128 byte greeting the server sends on connect.
//
// Line 1: "Tarantool <version> (<protocol>) <instance uuid>", padded to 64 bytes
// Line 2: base64 salt, padded to 64 bytes
func ParseGreeting(buf []byte) (common.Greeting, error) {
	if len(buf) != common.GreetingSize {
		return common.Greeting{}, fmt.Errorf("%w: expected %d bytes, got %d", common.ErrBadGreeting, common.GreetingSize, len(buf))
	}

	line1 := strings.TrimRight(string(buf[:greetingLineSize]), " \n\x00")
	line2 := strings.TrimSpace(strings.TrimRight(string(buf[greetingLineSize:]), "\x00"))

	fields := strings.Fields(line1)
	if len(fields) < 4 || fields[0] != greetingProduct {
		return common.Greeting{}, fmt.Errorf("%w: unexpected first line %q", common.ErrBadGreeting, line1)
	}

	protocol := strings.TrimSuffix(strings.TrimPrefix(fields[2], "("), ")")
	if protocol != greetingProtocol {
		return common.Greeting{}, fmt.Errorf("%w: unsupported protocol %q", common.ErrBadGreeting, protocol)
	}

	id, err := uuid.Parse(fields[3])
	if err != nil {
		return common.Greeting{}, fmt.Errorf("%w: instance id: %v", common.ErrBadGreeting, err)
	}

	if line2 == "" {
		return common.Greeting{}, fmt.Errorf("%w: missing salt", common.ErrBadGreeting)
	}
	if _, err := base64.StdEncoding.DecodeString(line2); err != nil {
		return common.Greeting{}, fmt.Errorf("%w: salt: %v", common.ErrBadGreeting, err)
	}

	return common.Greeting{
		Version:    fields[1],
		Protocol:   protocol,
		InstanceID: id,
		Salt:       line2,
	}, nil
}

// MaxGreetingVersion is the longest version FormatGreeting keeps intact.
// Line 1 holds product, protocol and the 36 character uuid besides the version.
const MaxGreetingVersion = greetingLineSize - 1 - len(greetingProduct) - len(greetingProtocol) - 36 - 5

// FormatGreeting builds a greeting as a server would send it.
// Versions longer than MaxGreetingVersion are cut so the instance id stays whole.
func FormatGreeting(version string, id uuid.UUID, salt []byte) []byte {
	if len(version) > MaxGreetingVersion {
		version = version[:MaxGreetingVersion]
	}
	line1 := fmt.Sprintf("%s %s (%s) %s", greetingProduct, version, greetingProtocol, id)
	line2 := base64.StdEncoding.EncodeToString(salt)

	buf := make([]byte, 0, common.GreetingSize)
	buf = append(buf, padLine(line1)...)
	buf = append(buf, padLine(line2)...)
	return buf
}

// padLine truncates or pads s with spaces to 63 bytes and terminates it with a newline
func padLine(s string) string {
	if len(s) > greetingLineSize-1 {
		s = s[:greetingLineSize-1]
	}
	return s + strings.Repeat(" ", greetingLineSize-1-len(s)) + "\n"
}
