// Package gameserver routes client messages to game handlers and drives the
// periodic world tick.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/session"
	"github.com/cory-johannsen/lobby/internal/observability"
)

var (
	// ErrUnknownMessageType is returned for a message tag with no handler.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrInvalidMessage is returned for a message body that fails validation.
	ErrInvalidMessage = errors.New("invalid message")
)

// MsgError is the message type used to report a rejected client message.
const MsgError = "error"

// Message is a decoded client message.
type Message struct {
	Type string
	Body *structpb.Struct
}

// HandlerFunc handles one message type for a session.
type HandlerFunc func(ctx context.Context, sess *session.Session, body *structpb.Struct) error

// Dispatcher maps message type tags to handlers.
// All methods are safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewDispatcher creates an empty Dispatcher.
//
// Precondition: logger must be non-nil.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register installs fn for tag.
//
// Precondition: tag must be non-empty; fn must be non-nil.
// Postcondition: Returns an error if tag is already registered.
func (d *Dispatcher) Register(tag string, fn HandlerFunc) error {
	if tag == "" {
		return fmt.Errorf("dispatcher: empty message type")
	}
	if fn == nil {
		return fmt.Errorf("dispatcher: nil handler for %q", tag)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[tag]; exists {
		return fmt.Errorf("dispatcher: %q already registered", tag)
	}
	d.handlers[tag] = fn
	return nil
}

// Types returns the number of registered message types.
func (d *Dispatcher) Types() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch routes msg to its handler. An unknown tag or a handler error is
// logged and reported to the client as an "error" message; the session stays
// connected either way.
//
// Precondition: sess must be non-nil.
// Postcondition: Returns the handler error, or ErrUnknownMessageType.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, msg Message) error {
	d.mu.RLock()
	fn, ok := d.handlers[msg.Type]
	d.mu.RUnlock()

	if !ok {
		observability.DispatchedMessages.WithLabelValues(observability.OutcomeUnknown, observability.OutcomeRejected).Inc()
		d.logger.Warn("unknown message type",
			zap.String("session", sess.ID()),
			zap.String("type", msg.Type),
		)
		err := fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
		d.reply(sess, msg.Type, err)
		return err
	}

	body := msg.Body
	if body == nil {
		body = &structpb.Struct{}
	}
	if err := fn(ctx, sess, body); err != nil {
		observability.DispatchedMessages.WithLabelValues(msg.Type, observability.OutcomeRejected).Inc()
		d.logger.Info("message rejected",
			zap.String("session", sess.ID()),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		d.reply(sess, msg.Type, err)
		return err
	}
	observability.DispatchedMessages.WithLabelValues(msg.Type, observability.OutcomeOK).Inc()
	return nil
}

func (d *Dispatcher) reply(sess *session.Session, msgType string, cause error) {
	body := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":  structpb.NewStringValue(msgType),
		"error": structpb.NewStringValue(cause.Error()),
	}}
	if err := sess.Send(MsgError, body); err != nil {
		d.logger.Debug("error reply not delivered",
			zap.String("session", sess.ID()),
			zap.Error(err),
		)
	}
}
