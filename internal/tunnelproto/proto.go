// Package tunnelproto defines the JSON wire protocol exchanged between the
// tunl edge server and its tunnel clients over a WebSocket control channel.
package tunnelproto

import (
	"encoding/base64"
	"encoding/json"

	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindRegister   = "register"
	KindRegistered = "registered"
	KindRequest    = "request"
	KindResponse   = "response"
	KindError      = "error"
)

// MaxFrameBytes is the largest encoded message the codec will accept or
// produce, per spec.md §4.1.
const MaxFrameBytes = 1 << 20 // 1 MiB

// Message is the top-level envelope exchanged on the tunnel control channel.
type Message struct {
	Kind       string      `json:"type"`
	Register   *Register   `json:"register,omitempty"`
	Registered *Registered `json:"registered,omitempty"`
	Request    *Request    `json:"request,omitempty"`
	Response   *Response   `json:"response,omitempty"`
	Error      *ErrorMsg   `json:"error,omitempty"`
}

// Register asks the server to bind a control channel to a subdomain.
type Register struct {
	Subdomain string `json:"subdomain,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
}

// Registered confirms a successful Register and names the public URL.
type Registered struct {
	Subdomain string `json:"subdomain"`
	URL       string `json:"url"`
}

// Request carries a public HTTP request to the tunnel client.
type Request struct {
	RequestID string              `json:"requestId"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      string              `json:"body,omitempty"` // base64
}

// Response carries the tunnel client's reply to a [Request].
type Response struct {
	RequestID  string              `json:"requestId"`
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"` // utf-8 text
}

// ErrorMsg reports a fatal registration/policy failure before the channel
// closes.
type ErrorMsg struct {
	Message string `json:"message"`
}

// Encode marshals msg to JSON and fails with [domain.ErrFrameTooLarge] if
// the encoded form exceeds [MaxFrameBytes].
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxFrameBytes {
		return nil, domain.ErrFrameTooLarge
	}
	return b, nil
}

// Decode unmarshals a received frame into msg. A frame larger than
// [MaxFrameBytes] is rejected before even attempting to parse it; any
// other structural failure is reported as [domain.ErrMalformedMessage].
func Decode(b []byte, msg *Message) error {
	if len(b) > MaxFrameBytes {
		return domain.ErrFrameTooLarge
	}
	if err := json.Unmarshal(b, msg); err != nil {
		return domain.ErrMalformedMessage
	}
	switch msg.Kind {
	case KindRegister:
		if msg.Register == nil {
			return domain.ErrMalformedMessage
		}
	case KindRegistered:
		if msg.Registered == nil || msg.Registered.Subdomain == "" || msg.Registered.URL == "" {
			return domain.ErrMalformedMessage
		}
	case KindRequest:
		if msg.Request == nil || msg.Request.RequestID == "" || msg.Request.Method == "" {
			return domain.ErrMalformedMessage
		}
	case KindResponse:
		if msg.Response == nil || msg.Response.RequestID == "" {
			return domain.ErrMalformedMessage
		}
	case KindError:
		if msg.Error == nil || msg.Error.Message == "" {
			return domain.ErrMalformedMessage
		}
	default:
		// Unknown kinds are logged and ignored by the caller without
		// closing the channel, per spec.md §4.1 — not a decode error.
	}
	return nil
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded body string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// CloneHeaders returns a deep copy of a header map.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

// IsUnknownKind reports whether kind is outside the recognized set, so
// callers can log-and-ignore per spec.md §4.1.
func IsUnknownKind(kind string) bool {
	switch kind {
	case KindRegister, KindRegistered, KindRequest, KindResponse, KindError:
		return false
	default:
		return true
	}
}
