// Package queue implements the Queue Broker of section 4.6: a batching
// consumer with retries and dead-letter routing, driven by a
// test-controllable fake-time scheduler.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/errs"
)

// Error is the class for queue-level failures.
var Error = errs.Class("queue")

// maxMessageBytes is the section 4.6 serialized-payload ceiling.
const maxMessageBytes = 128000

// ContentType selects how a message body is serialized on send and
// decoded on delivery.
type ContentType int

const (
	ContentText ContentType = iota
	ContentJSON
	ContentBytes
	ContentV8
)

// Message is a QueueMessage (section 3).
type Message struct {
	ID          string
	Body        []byte
	ContentType ContentType
	Timestamp   int64
	Attempts    int
	Queue       string

	retried bool
}

func newMessageID() string {
	var b [16]byte
	_, _ = rand.Read(b)
	return hex.EncodeToString(b[:])
}

// EncodeBody serializes value per contentType, enforcing the 128000
// byte ceiling.
func EncodeBody(contentType ContentType, value interface{}) ([]byte, error) {
	var body []byte
	switch contentType {
	case ContentText:
		s, ok := value.(string)
		if !ok {
			return nil, Error.New("text content-type requires a string value")
		}
		body = []byte(s)
	case ContentJSON:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		body = b
	case ContentBytes:
		b, ok := value.([]byte)
		if !ok {
			return nil, Error.New("bytes content-type requires a []byte value")
		}
		body = b
	case ContentV8:
		b, err := encodeStructuredClone(value)
		if err != nil {
			return nil, err
		}
		body = b
	default:
		return nil, Error.New("unknown content-type")
	}
	if len(body) > maxMessageBytes {
		return nil, Error.New("Queue send failed: message length of %d bytes exceeds limit of %d", len(body), maxMessageBytes)
	}
	return body, nil
}

// DecodeBody reverses EncodeBody.
func DecodeBody(contentType ContentType, body []byte) (interface{}, error) {
	switch contentType {
	case ContentText:
		return string(body), nil
	case ContentJSON:
		var v interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, Error.Wrap(err)
		}
		return v, nil
	case ContentBytes:
		return body, nil
	case ContentV8:
		return decodeStructuredClone(body)
	default:
		return nil, Error.New("unknown content-type")
	}
}
