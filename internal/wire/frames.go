// ABOUTME: Wire protocol frames exchanged over relay connections.
// ABOUTME: JSON-encoded tagged union, one message per WebSocket frame.

package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the kind of message carried by a frame.
type FrameType string

const (
	TypeHTTPRequest       FrameType = "HTTP_REQUEST"
	TypeHTTPResponseStart FrameType = "HTTP_RESPONSE_START"
	TypeHTTPResponseChunk FrameType = "HTTP_RESPONSE_CHUNK"
	TypeHTTPResponseEnd   FrameType = "HTTP_RESPONSE_END"
	TypeHTTPResponseError FrameType = "HTTP_RESPONSE_ERROR"
	TypePing              FrameType = "PING"
	TypePong              FrameType = "PONG"
)

// Frame is the closed set of messages that travel over a relay connection.
type Frame interface {
	frameType() FrameType
}

// Target describes the device-side HTTP call an HTTPRequest asks for.
type Target struct {
	BaseURL string            `json:"baseUrl"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
}

// HTTPRequest asks a connector to perform one HTTP call against a device.
type HTTPRequest struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId"`
	TenantID  string    `json:"tenantId"`
	DeviceID  string    `json:"deviceId"`
	Target    Target    `json:"target"`
	TimeoutMs int64     `json:"timeoutMs"`
}

// HTTPResponseStart carries the status line and headers of a device response.
type HTTPResponseStart struct {
	Type       FrameType         `json:"type"`
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// HTTPResponseChunk carries one body fragment. Fragments are reassembled in
// arrival order; Index is informational.
type HTTPResponseChunk struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId"`
	Data      []byte    `json:"data"`
	Index     int       `json:"index"`
}

// HTTPResponseEnd marks a response complete.
type HTTPResponseEnd struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId"`
}

// HTTPResponseError terminates a request with an error instead of a response.
type HTTPResponseError struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"requestId"`
	Error     string    `json:"error"`
}

// Ping is a liveness probe; the far side answers with Pong.
type Ping struct {
	Type FrameType `json:"type"`
	TS   int64     `json:"ts"`
}

// Pong answers a Ping.
type Pong struct {
	Type FrameType `json:"type"`
	TS   int64     `json:"ts"`
}

func (*HTTPRequest) frameType() FrameType       { return TypeHTTPRequest }
func (*HTTPResponseStart) frameType() FrameType { return TypeHTTPResponseStart }
func (*HTTPResponseChunk) frameType() FrameType { return TypeHTTPResponseChunk }
func (*HTTPResponseEnd) frameType() FrameType   { return TypeHTTPResponseEnd }
func (*HTTPResponseError) frameType() FrameType { return TypeHTTPResponseError }
func (*Ping) frameType() FrameType              { return TypePing }
func (*Pong) frameType() FrameType              { return TypePong }

// Encode marshals a frame, stamping its type discriminator.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *HTTPRequest:
		v.Type = TypeHTTPRequest
	case *HTTPResponseStart:
		v.Type = TypeHTTPResponseStart
	case *HTTPResponseChunk:
		v.Type = TypeHTTPResponseChunk
	case *HTTPResponseEnd:
		v.Type = TypeHTTPResponseEnd
	case *HTTPResponseError:
		v.Type = TypeHTTPResponseError
	case *Ping:
		v.Type = TypePing
	case *Pong:
		v.Type = TypePong
	default:
		return nil, fmt.Errorf("unknown frame %T", f)
	}
	return json.Marshal(f)
}

// Decode parses one JSON frame. Unknown or malformed frames return an error;
// callers log and drop them rather than closing the connection.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parsing frame envelope: %w", err)
	}

	var f Frame
	switch head.Type {
	case TypeHTTPRequest:
		f = &HTTPRequest{}
	case TypeHTTPResponseStart:
		f = &HTTPResponseStart{}
	case TypeHTTPResponseChunk:
		f = &HTTPResponseChunk{}
	case TypeHTTPResponseEnd:
		f = &HTTPResponseEnd{}
	case TypeHTTPResponseError:
		f = &HTTPResponseError{}
	case TypePing:
		f = &Ping{}
	case TypePong:
		f = &Pong{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", head.Type)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parsing %s frame: %w", head.Type, err)
	}
	return f, nil
}

// Terminal reports whether a frame ends the request it belongs to.
func Terminal(f Frame) bool {
	switch f.(type) {
	case *HTTPResponseEnd, *HTTPResponseError:
		return true
	}
	return false
}

// RequestID returns the correlation id of a response frame, or "" for frames
// that carry none.
func RequestID(f Frame) string {
	switch v := f.(type) {
	case *HTTPRequest:
		return v.RequestID
	case *HTTPResponseStart:
		return v.RequestID
	case *HTTPResponseChunk:
		return v.RequestID
	case *HTTPResponseEnd:
		return v.RequestID
	case *HTTPResponseError:
		return v.RequestID
	}
	return ""
}
