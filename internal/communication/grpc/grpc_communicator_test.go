package grpccomm

import (
	"context"
	"reflect"
	"testing"

	"github.com/AnishMulay/sandmem/internal/communication"
	"github.com/AnishMulay/sandmem/internal/log_service/inmemory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

type echoRequest struct {
	Text  string
	Count int
}

func TestCBORCodec_RoundTrip(t *testing.T) {
	codec := cborCodec{}
	in := &messageRequest{From: "a", Type: "echo", Payload: []byte{1, 2, 3}}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	out := new(messageRequest)
	require.NoError(t, codec.Unmarshal(data, out))
	require.Equal(t, in, out)
	require.Equal(t, "cbor", codec.Name())
}

func TestGRPCCommunicator_SendReceive(t *testing.T) {
	ls := inmemory.NewInMemoryLogService()
	server := NewGRPCCommunicator("127.0.0.1:0", ls)
	server.RegisterPayloadType("echo", reflect.TypeOf(echoRequest{}))

	handler := func(ctx context.Context, msg communication.Message) (*communication.Response, error) {
		req := msg.Payload.(echoRequest)
		body, err := cbor.Marshal(req.Count * 2)
		if err != nil {
			return nil, err
		}
		return &communication.Response{
			Code:    communication.CodeOK,
			Body:    body,
			Headers: map[string]string{"from": msg.From, "text": req.Text},
		}, nil
	}
	require.NoError(t, server.Start(handler))
	t.Cleanup(func() { server.Stop() })

	client := NewGRPCCommunicator("", ls)
	t.Cleanup(func() { client.Stop() })

	tests := []struct {
		name     string
		msg      communication.Message
		wantCode communication.SandCode
	}{
		{
			name:     "registered type",
			msg:      communication.Message{From: "test", Type: "echo", Payload: echoRequest{Text: "hi", Count: 21}},
			wantCode: communication.CodeOK,
		},
		{
			name:     "unregistered type",
			msg:      communication.Message{From: "test", Type: "nope", Payload: echoRequest{}},
			wantCode: communication.CodeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Send(context.Background(), server.Address(), tt.msg)
			require.NoError(t, err)
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.wantCode != communication.CodeOK {
				return
			}
			var doubled int
			require.NoError(t, cbor.Unmarshal(resp.Body, &doubled))
			require.Equal(t, 42, doubled)
			require.Equal(t, "test", resp.Headers["from"])
			require.Equal(t, "hi", resp.Headers["text"])
		})
	}
}

func TestGRPCCommunicator_StopIsIdempotent(t *testing.T) {
	c := NewGRPCCommunicator("127.0.0.1:0", inmemory.NewInMemoryLogService())
	require.NoError(t, c.Start(func(context.Context, communication.Message) (*communication.Response, error) {
		return &communication.Response{Code: communication.CodeOK}, nil
	}))
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}
