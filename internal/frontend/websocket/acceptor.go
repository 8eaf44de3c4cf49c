package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/game/session"
	"github.com/cory-johannsen/lobby/internal/gameserver"
)

// maxFrameSize bounds inbound frames.
const maxFrameSize = 64 * 1024

// Acceptor serves WebSocket upgrades on the configured path and runs one
// session per connection.
type Acceptor struct {
	cfg        config.FrontendConfig
	sessions   *session.Manager
	dispatcher *gameserver.Dispatcher
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	// stopping refuses new connections; set once by Stop.
	stopping bool
}

// NewAcceptor creates a WebSocket acceptor.
//
// Precondition: cfg must have a valid port and path; sessions, dispatcher and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.FrontendConfig, sessions *session.Manager, dispatcher *gameserver.Dispatcher, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, a.serveWS)
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return a
}

// ListenAndServe accepts connections until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	id := uuid.NewString()
	conn := newConn(id, ws, a.cfg.OutboxSize, a.cfg.WriteTimeout, a.cfg.PingInterval, a.logger)
	go conn.writeLoop()

	sess, err := a.sessions.OnOpen(id, conn)
	if err != nil {
		a.logger.Error("opening session", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		_ = conn.Close()
		return
	}

	if a.closeIfStopping(id) {
		<-conn.done
		return
	}

	a.logger.Info("client connected",
		zap.String("session", id),
		zap.String("remote_addr", r.RemoteAddr),
	)
	a.readLoop(sess, ws, conn)
	<-conn.done
}

// closeIfStopping closes session id when Stop has begun, since a session
// opened after that point missed CloseAll. It reports whether it closed it.
func (a *Acceptor) closeIfStopping(id string) bool {
	a.mu.Lock()
	stopping := a.stopping
	a.mu.Unlock()
	if !stopping {
		return false
	}
	a.sessions.OnClose(context.Background(), id, session.ReasonServerInitiated)
	return true
}

// readLoop feeds inbound frames to the dispatcher until the session closes or
// the socket fails. A read deadline miss is an idle timeout.
func (a *Acceptor) readLoop(sess *session.Session, ws *websocket.Conn, conn *Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws.SetReadLimit(maxFrameSize)
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(a.cfg.IdleTimeout))
	}
	_ = extend()
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				a.sessions.OnTimeout(ctx, sess.ID())
			} else {
				a.sessions.OnClose(ctx, sess.ID(), session.ReasonServerInitiated)
			}
			return
		}
		_ = extend()

		msg, err := DecodeFrame(data)
		if err != nil {
			a.logger.Info("rejecting malformed frame", zap.String("session", sess.ID()), zap.Error(err))
			_ = conn.SendMessage(gameserver.MsgError, &structpb.Struct{Fields: map[string]*structpb.Value{
				"error": structpb.NewStringValue(err.Error()),
			}})
			continue
		}
		if err := a.dispatcher.Dispatch(ctx, sess, msg); err != nil {
			a.logger.Debug("dispatch", zap.String("session", sess.ID()), zap.Error(err))
		}
		if sess.State() == session.StateClosed {
			return
		}
	}
}

// Stop closes the listener, closes every session and waits for their
// connections to finish. Upgrades arriving during Stop are refused.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running || a.stopping {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.stopping = true
	a.mu.Unlock()

	_ = a.server.Close()
	a.sessions.CloseAll(context.Background(), session.ReasonServerInitiated)
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
