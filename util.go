package simcmd_server

import (
	"encoding/hex"
	"fmt"
	"strings"
)

type (
	clientStateEvent struct {
		newState  cxnState
		eventData any
	}

	// SimClient is a connected client of any transport kind.
	SimClient interface {
		ClientInfo() []string
		RequestClose()
		IsCloseRequested() bool
		ServerAddr() string
		ClientAddr() string

		// send queues one encoded message. With wait false the call never
		// blocks and reports false when the outbound queue is full.
		send(message string, wait bool) bool
	}
)

// Payloads are value-escaped on the wire so that a frame never contains a
// line break: bytes < 32 and the backslash are sent as \XX hex.
func valueEscape(v string) string {
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		by := v[i]
		if by < 32 || by == '\\' {
			sb.WriteString(fmt.Sprintf("\\%02X", by))
		} else {
			sb.WriteByte(by)
		}
	}
	return sb.String()
}

func valueUnescape(v string) []byte {
	unescaped := make([]byte, 0, len(v))

	pos := 0
	for pos < len(v) {
		by := v[pos]
		if by == '\\' && pos+3 <= len(v) {
			decoded, err := hex.DecodeString(v[pos+1 : pos+3])
			if err == nil {
				unescaped = append(unescaped, decoded[0])
				pos += 3
				continue
			}
		}
		unescaped = append(unescaped, by)
		pos++
	}

	return unescaped
}

// encodeMessage renders "<token> <payload>", or just the token when the
// payload is empty.
func encodeMessage(token, payload string) string {
	if payload == "" {
		return token
	}
	return token + " " + valueEscape(payload)
}

func encodeResult(res Result) string {
	return encodeMessage(res.Status.String(), res.Payload)
}
