// Package websocket accepts client sessions over WebSocket and feeds their
// messages to the game dispatcher.
package websocket

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/gameserver"
)

// ErrMalformedFrame is returned for a frame that is not {"type": string, "body"?: object}.
var ErrMalformedFrame = errors.New("malformed frame")

// EncodeFrame renders a message as a JSON text frame.
//
// Postcondition: Returns {"type": msgType, "body": body}; a nil body encodes as {}.
func EncodeFrame(msgType string, body *structpb.Struct) ([]byte, error) {
	if body == nil {
		body = &structpb.Struct{}
	}
	frame := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(msgType),
		"body": structpb.NewStructValue(body),
	}}
	data, err := protojson.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", msgType, err)
	}
	return data, nil
}

// DecodeFrame parses a JSON text frame into a message.
//
// Postcondition: Returns a message with a non-empty Type and non-nil Body, or
// an error wrapping ErrMalformedFrame.
func DecodeFrame(data []byte) (gameserver.Message, error) {
	var frame structpb.Struct
	if err := protojson.Unmarshal(data, &frame); err != nil {
		return gameserver.Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	typ, ok := frame.GetFields()["type"].GetKind().(*structpb.Value_StringValue)
	if !ok || typ.StringValue == "" {
		return gameserver.Message{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	msg := gameserver.Message{Type: typ.StringValue, Body: &structpb.Struct{Fields: map[string]*structpb.Value{}}}
	if raw, present := frame.GetFields()["body"]; present {
		body, ok := raw.GetKind().(*structpb.Value_StructValue)
		if !ok {
			return gameserver.Message{}, fmt.Errorf("%w: body must be an object", ErrMalformedFrame)
		}
		msg.Body = body.StructValue
	}
	return msg, nil
}
