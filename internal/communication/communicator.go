package communication

import (
	"context"
	"reflect"
)

// Message is one request on the wire. Payload holds the typed request
// struct registered for Type.
type Message struct {
	From    string
	Type    string
	Payload any
}

type SandCode string

const (
	CodeOK               SandCode = "OK"
	CodeBadRequest       SandCode = "BAD_REQUEST"
	CodeNotFound         SandCode = "NOT_FOUND"
	CodeAlreadyExists    SandCode = "ALREADY_EXISTS"
	CodePermissionDenied SandCode = "PERMISSION_DENIED"
	CodeConflict         SandCode = "CONFLICT"
	CodeUnavailable      SandCode = "UNAVAILABLE"
	CodeInternal         SandCode = "INTERNAL"
)

type Response struct {
	Code    SandCode
	Body    []byte
	Headers map[string]string
}

type Communicator interface {
	Start(handler MessageHandler) error
	Stop() error
	Send(ctx context.Context, to string, msg Message) (*Response, error)
	// RegisterPayloadType tells the receiving side which struct to decode
	// payloads of msgType into.
	RegisterPayloadType(msgType string, payloadType reflect.Type)
	Address() string
}
