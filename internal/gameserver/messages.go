package gameserver

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/world"
)

// Client message types.
const (
	MsgLogin          = "login"
	MsgEcho           = "echo"
	MsgPosition       = "position"
	MsgMatch          = "match"
	MsgLogout         = "logout"
	MsgPlayerPosition = "player_position"
	MsgWorldSnapshot  = "world_snapshot"
)

// maxNameLength bounds account names accepted by login.
const maxNameLength = 64

func stringField(body *structpb.Struct, key string) (string, error) {
	v, ok := body.GetFields()[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidMessage, key)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidMessage, key)
	}
	return s.StringValue, nil
}

func optionalString(body *structpb.Struct, key string) (string, error) {
	if _, ok := body.GetFields()[key]; !ok {
		return "", nil
	}
	return stringField(body, key)
}

func numberField(body *structpb.Struct, key string) (float64, error) {
	v, ok := body.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidMessage, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidMessage, key)
	}
	return n.NumberValue, nil
}

func optionalStruct(body *structpb.Struct, key string) (*structpb.Struct, error) {
	v, ok := body.GetFields()[key]
	if !ok {
		return nil, nil
	}
	s, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be an object", ErrInvalidMessage, key)
	}
	return s.StructValue, nil
}

func positionFromBody(body *structpb.Struct) (world.Position, error) {
	var pos world.Position
	var err error
	if pos.X, err = numberField(body, "x"); err != nil {
		return pos, err
	}
	if pos.Y, err = numberField(body, "y"); err != nil {
		return pos, err
	}
	if pos.Z, err = numberField(body, "z"); err != nil {
		return pos, err
	}
	return pos, nil
}

func playerStruct(p world.Player) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"name": structpb.NewStringValue(p.Name),
		"x":    structpb.NewNumberValue(p.Position.X),
		"y":    structpb.NewNumberValue(p.Position.Y),
		"z":    structpb.NewNumberValue(p.Position.Z),
	}}
}

func snapshotStruct(players []world.Player) *structpb.Struct {
	list := make([]*structpb.Value, len(players))
	for i, p := range players {
		list[i] = structpb.NewStructValue(playerStruct(p))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"players": structpb.NewListValue(&structpb.ListValue{Values: list}),
	}}
}

func fields(kv map[string]string) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(kv))}
	for k, v := range kv {
		out.Fields[k] = structpb.NewStringValue(v)
	}
	return out
}
