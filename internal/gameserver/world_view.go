package gameserver

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/channel"
	"github.com/cory-johannsen/lobby/internal/game/world"
)

// WorldView exposes the world and its channel to scripts and tick handlers.
type WorldView struct {
	world    *world.State
	channels *channel.Multicaster
	key      channel.Key
}

// NewWorldView creates a WorldView over the world channel key.
//
// Precondition: w and channels must be non-nil.
func NewWorldView(w *world.State, channels *channel.Multicaster, key channel.Key) *WorldView {
	return &WorldView{world: w, channels: channels, key: key}
}

// Players returns a sorted snapshot of the world.
func (v *WorldView) Players() []world.Player {
	return v.world.AllPlayers()
}

// Broadcast sends a message to every world channel member.
//
// Postcondition: Returns the number of successful deliveries.
func (v *WorldView) Broadcast(msgType string, body *structpb.Struct) int {
	return v.channels.Broadcast(v.key, msgType, body)
}
