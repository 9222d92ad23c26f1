// Package rfb provides the protocol collaborators of the session driver:
// the handshake, the client message receiver and the update transmitter.
// Only security type None and the Raw encoding are implemented.
package rfb

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	versionPrefix = "RFB "
	versionLen    = 12
)

// ServerVersion is the protocol version announced to clients.
const ServerVersion = "RFB 003.008\n"

// Protocol minor versions the server speaks.
const (
	Version33 = 3
	Version37 = 7
	Version38 = 8
)

// Security types.
const (
	SecurityInvalid uint8 = 0
	SecurityNone    uint8 = 1
)

// Client-to-server message types.
const (
	MsgSetPixelFormat           uint8 = 0
	MsgSetEncodings             uint8 = 2
	MsgFramebufferUpdateRequest uint8 = 3
	MsgKeyEvent                 uint8 = 4
	MsgPointerEvent             uint8 = 5
	MsgClientCutText            uint8 = 6
)

// Server-to-client message types.
const (
	MsgFramebufferUpdate uint8 = 0
)

// Encodings.
const (
	EncodingRaw int32 = 0
)

// maxCutText bounds a single ClientCutText payload.
const maxCutText = 1 << 20

var (
	ErrHandshake       = errors.New("rfb: handshake failed")
	ErrSecurity        = errors.New("rfb: security negotiation failed")
	ErrUnknownMessage  = errors.New("rfb: unknown client message")
	ErrMessageTooLarge = errors.New("rfb: message too large")
	ErrNotConnected    = errors.New("rfb: session has no connection")
	ErrStopTimeout     = errors.New("rfb: updater did not stop in time")
)

// parseVersion returns the minor version from a 12 byte ProtocolVersion
// message. Versions other than 3.7 and 3.8 are treated as 3.3; versions
// above 3.8 as 3.8.
func parseVersion(b []byte) (int, error) {
	if len(b) != versionLen || string(b[:4]) != versionPrefix || b[7] != '.' || b[11] != '\n' {
		return 0, fmt.Errorf("%w: malformed version %q", ErrHandshake, b)
	}
	major, err1 := strconv.Atoi(string(b[4:7]))
	minor, err2 := strconv.Atoi(string(b[8:11]))
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("%w: malformed version %q", ErrHandshake, b)
	}
	if major != 3 {
		return 0, fmt.Errorf("%w: unsupported major version %d", ErrHandshake, major)
	}
	switch {
	case minor >= Version38:
		return Version38, nil
	case minor == Version37:
		return Version37, nil
	default:
		return Version33, nil
	}
}
