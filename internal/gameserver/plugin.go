package gameserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/game/match"
	"github.com/cory-johannsen/lobby/internal/game/session"
	"github.com/cory-johannsen/lobby/internal/observability"
)

// CredentialChecker verifies a login password.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context, name, password string) error
}

// ScriptHooks receives world and match events.
type ScriptHooks interface {
	WorldReady()
	WorldTick(now time.Time)
	MatchFinished(m match.Match, payload *structpb.Struct, success bool)
}

// MatchRecorder persists finished matches.
type MatchRecorder interface {
	Record(ctx context.Context, m match.Match, payload *structpb.Struct, success bool) error
}

// PluginOption configures a Plugin.
type PluginOption func(*Plugin)

// WithCredentials enables password verification on login.
func WithCredentials(c CredentialChecker) PluginOption {
	return func(p *Plugin) { p.credentials = c }
}

// WithScripts installs script hooks.
func WithScripts(s ScriptHooks) PluginOption {
	return func(p *Plugin) { p.scripts = s }
}

// WithMatchRecorder persists finished matches.
func WithMatchRecorder(r MatchRecorder) PluginOption {
	return func(p *Plugin) { p.recorder = r }
}

// Plugin wires the game's message handlers and world events to the session
// manager, the world and the match orchestrator.
type Plugin struct {
	world    config.WorldConfig
	match    config.MatchConfig
	auth     config.AuthConfig
	sessions *session.Manager
	view     *WorldView
	orch     *match.Orchestrator
	logger   *zap.Logger

	credentials CredentialChecker
	scripts     ScriptHooks
	recorder    MatchRecorder
}

// NewPlugin creates a Plugin and registers its match finished hook.
//
// Precondition: sessions, view, orch and logger must be non-nil.
func NewPlugin(cfg config.Config, sessions *session.Manager, view *WorldView, orch *match.Orchestrator, logger *zap.Logger, opts ...PluginOption) *Plugin {
	p := &Plugin{
		world:    cfg.World,
		match:    cfg.Match,
		auth:     cfg.Auth,
		sessions: sessions,
		view:     view,
		orch:     orch,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	orch.OnFinished(p.onMatchFinished)
	return p
}

// RegisterEventHandlers installs every client message handler on d.
//
// Postcondition: Returns an error if any type is already registered on d.
func (p *Plugin) RegisterEventHandlers(d *Dispatcher) error {
	handlers := []struct {
		tag string
		fn  HandlerFunc
	}{
		{MsgLogin, p.handleLogin},
		{MsgEcho, p.handleEcho},
		{MsgPosition, p.handlePosition},
		{MsgMatch, p.handleMatch},
		{MsgLogout, p.handleLogout},
	}
	for _, h := range handlers {
		if err := d.Register(h.tag, h.fn); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) handleLogin(ctx context.Context, sess *session.Session, body *structpb.Struct) error {
	name, err := stringField(body, "name")
	if err != nil {
		return err
	}
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidMessage, maxNameLength)
	}
	password, err := optionalString(body, "password")
	if err != nil {
		return err
	}

	if p.auth.RequirePassword {
		if p.credentials == nil {
			return fmt.Errorf("password verification unavailable")
		}
		if err := p.credentials.CheckCredentials(ctx, name, password); err != nil {
			p.logger.Info("login credentials rejected",
				zap.String("session", sess.ID()),
				zap.String("account", name),
				zap.Error(err),
			)
			p.rejectLogin(sess, "invalid_credentials")
			return nil
		}
	}

	switch err := p.sessions.OnAuthenticate(ctx, sess.ID(), name); {
	case errors.Is(err, session.ErrAlreadyLoggedIn):
		p.rejectLogin(sess, "already_logged_in")
		return nil
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		p.rejectLogin(sess, "already_authenticated")
		return nil
	case err != nil:
		return err
	}

	if err := sess.Send(MsgLogin, fields(map[string]string{"result": "ok", "name": name})); err != nil {
		p.logger.Debug("login reply not delivered", zap.String("session", sess.ID()), zap.Error(err))
	}

	if p.match.AutoRequest {
		ticket, err := p.orch.RequestMatch(ctx, p.match.DefaultGroup, []string{name}, nil)
		if err != nil {
			p.logger.Warn("automatic match request failed", zap.String("account", name), zap.Error(err))
		} else {
			p.logger.Info("automatic match request",
				zap.String("account", name),
				zap.Stringer("ticket", ticket),
			)
		}
	}
	return nil
}

func (p *Plugin) rejectLogin(sess *session.Session, reason string) {
	if err := sess.Send(MsgLogin, fields(map[string]string{"result": "rejected", "reason": reason})); err != nil {
		p.logger.Debug("login reply not delivered", zap.String("session", sess.ID()), zap.Error(err))
	}
}

func (p *Plugin) handleEcho(_ context.Context, sess *session.Session, body *structpb.Struct) error {
	if _, err := stringField(body, "message"); err != nil {
		return err
	}
	return sess.Send(MsgEcho, body)
}

func (p *Plugin) handlePosition(_ context.Context, sess *session.Session, body *structpb.Struct) error {
	pos, err := positionFromBody(body)
	if err != nil {
		return err
	}
	if err := p.sessions.OnPositionUpdate(sess.ID(), pos); err != nil {
		return err
	}
	if p.world.BroadcastPolicy == config.BroadcastPerUpdate {
		if player, ok := p.view.world.Get(sess.Account()); ok {
			p.view.Broadcast(MsgPlayerPosition, playerStruct(player))
		}
	}
	return nil
}

func (p *Plugin) handleMatch(ctx context.Context, sess *session.Session, body *structpb.Struct) error {
	if sess.State() != session.StateAuthenticated {
		return session.ErrNotAuthenticated
	}
	group, err := optionalString(body, "group")
	if err != nil {
		return err
	}
	if group == "" {
		group = p.match.DefaultGroup
	}
	data, err := optionalStruct(body, "data")
	if err != nil {
		return err
	}

	ticket, err := p.orch.RequestMatch(ctx, group, []string{sess.Account()}, data)
	if err != nil {
		return err
	}
	status := "requested"
	if ticket.Kind == match.KindNoop {
		status = "already_joined"
	}
	return sess.Send(MsgMatch, fields(map[string]string{
		"status":   status,
		"match_id": ticket.MatchID.String(),
		"kind":     ticket.Kind.String(),
	}))
}

func (p *Plugin) handleLogout(ctx context.Context, sess *session.Session, _ *structpb.Struct) error {
	p.sessions.OnClose(ctx, sess.ID(), session.ReasonServerInitiated)
	return nil
}

// OnWorldReady runs once before the first world tick.
func (p *Plugin) OnWorldReady() {
	p.logger.Info("world ready",
		zap.String("channel", p.sessions.WorldKey().String()),
		zap.String("broadcast_policy", p.world.BroadcastPolicy),
	)
	if p.scripts != nil {
		p.scripts.WorldReady()
	}
}

// OnWorldTick runs every world tick.
func (p *Plugin) OnWorldTick(now time.Time) {
	observability.Sessions.Set(float64(p.sessions.Count()))
	observability.WorldPlayers.Set(float64(p.view.world.Len()))

	if p.scripts != nil {
		p.scripts.WorldTick(now)
	}
	if p.world.BroadcastPolicy == config.BroadcastTick {
		if players := p.view.Players(); len(players) > 0 {
			p.view.Broadcast(MsgWorldSnapshot, snapshotStruct(players))
		}
	}
}

func (p *Plugin) onMatchFinished(m match.Match, payload *structpb.Struct, success bool) {
	if p.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.recorder.Record(ctx, m, payload, success); err != nil {
			p.logger.Error("recording match result",
				zap.String("match", m.ID.String()),
				zap.Error(err),
			)
		}
	}
	if p.scripts != nil {
		p.scripts.MatchFinished(m, payload, success)
	}
}
