package dedicated

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxBodySize bounds request bodies posted by dedicated servers.
const maxBodySize = 1 << 20

// API serves the callbacks dedicated servers make to the manager.
type API struct {
	manager *Manager
	logger  *zap.Logger
}

// NewAPI creates the callback API for manager.
func NewAPI(manager *Manager, logger *zap.Logger) *API {
	return &API{manager: manager, logger: logger}
}

// Register installs the match routes on mux. Every route accepts the path
// with or without its trailing slash and only serves loopback callers.
func (a *API) Register(mux *http.ServeMux) {
	mux.Handle("GET /match/{id}/{$}", a.loopbackOnly(a.getMatch))
	mux.Handle("GET /match/{id}", a.loopbackOnly(a.getMatch))
	for action, h := range map[string]http.HandlerFunc{
		"ready":         a.ready,
		"pending_users": a.pendingUsers,
		"heartbeat":     a.heartbeat,
		"result":        a.result,
		"joined":        a.joined,
		"state":         a.state,
	} {
		mux.Handle("POST /match/{id}/"+action+"/{$}", a.loopbackOnly(h))
		mux.Handle("POST /match/{id}/"+action, a.loopbackOnly(h))
	}
}

func (a *API) loopbackOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if ip := net.ParseIP(host); err != nil || ip == nil || !ip.IsLoopback() {
			a.logger.Warn("rejecting non-local dedicated server call",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			writeError(w, http.StatusForbidden, "not allowed")
			return
		}
		next(w, r)
	})
}

func (a *API) matchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid match id")
		return uuid.Nil, false
	}
	return id, true
}

func (a *API) getMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := a.matchID(w, r)
	if !ok {
		return
	}
	info, err := a.manager.Info(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}

	users := make([]*structpb.Value, len(info.Users))
	for i, u := range info.Users {
		users[i] = structpb.NewStringValue(u)
	}
	data := info.Data
	if data == nil {
		data = &structpb.Struct{}
	}
	writeOK(w, map[string]*structpb.Value{
		"data": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"match_id":   structpb.NewStringValue(info.MatchID.String()),
			"port":       structpb.NewNumberValue(float64(info.Port)),
			"ready":      structpb.NewBoolValue(info.Ready),
			"created":    structpb.NewNumberValue(float64(info.CreatedAt.Unix())),
			"users":      structpb.NewListValue(&structpb.ListValue{Values: users}),
			"user_data":  structList(info.UserData),
			"match_data": structpb.NewStructValue(data),
		}}),
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	a.simple(w, r, a.manager.Ready)
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	a.simple(w, r, a.manager.Heartbeat)
}

func (a *API) simple(w http.ResponseWriter, r *http.Request, fn func(uuid.UUID) error) {
	id, ok := a.matchID(w, r)
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		a.writeManagerError(w, id, err)
		return
	}
	writeOK(w, nil)
}

func (a *API) pendingUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := a.matchID(w, r)
	if !ok {
		return
	}
	pending, err := a.manager.CollectPendingUsers(id)
	if err != nil {
		a.writeManagerError(w, id, err)
		return
	}
	if len(pending.Users) == 0 {
		writeOK(w, nil)
		return
	}
	users := make([]*structpb.Value, len(pending.Users))
	for i, u := range pending.Users {
		users[i] = structpb.NewStringValue(u)
	}
	writeOK(w, map[string]*structpb.Value{
		"users":      structpb.NewListValue(&structpb.ListValue{Values: users}),
		"user_data":  structList(pending.UserData),
		"match_data": structList(pending.MatchData),
	})
}

func (a *API) result(w http.ResponseWriter, r *http.Request) {
	id, ok := a.matchID(w, r)
	if !ok {
		return
	}
	payload, err := readStruct(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.manager.Result(id, payload); err != nil {
		a.writeManagerError(w, id, err)
		return
	}
	writeOK(w, nil)
}

func (a *API) joined(w http.ResponseWriter, r *http.Request) {
	id, ok := a.matchID(w, r)
	if !ok {
		return
	}
	body, err := readStruct(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("user joined dedicated server",
		zap.String("match", id.String()),
		zap.String("uid", body.GetFields()["uid"].GetStringValue()),
	)
	writeOK(w, nil)
}

func (a *API) state(w http.ResponseWriter, r *http.Request) {
	id, ok := a.matchID(w, r)
	if !ok {
		return
	}
	body, err := readStruct(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("dedicated server state",
		zap.String("match", id.String()),
		zap.Any("state", body.AsMap()),
	)
	writeOK(w, nil)
}

func (a *API) writeManagerError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, ErrMatchNotFound) {
		a.logger.Warn("dedicated server call for unknown match", zap.String("match", id.String()))
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	a.logger.Error("dedicated server call failed", zap.String("match", id.String()), zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// readStruct decodes a JSON object body. An empty body is an empty object.
func readStruct(r *http.Request) (*structpb.Struct, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if len(data) == 0 {
		return s, nil
	}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, errors.New("body must be a JSON object")
	}
	return s, nil
}

func structList(items []*structpb.Struct) *structpb.Value {
	values := make([]*structpb.Value, len(items))
	for i, s := range items {
		if s == nil {
			s = &structpb.Struct{}
		}
		values[i] = structpb.NewStructValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func writeOK(w http.ResponseWriter, fields map[string]*structpb.Value) {
	body := &structpb.Struct{Fields: map[string]*structpb.Value{
		"status": structpb.NewStringValue("ok"),
		"ts":     structpb.NewNumberValue(float64(time.Now().Unix())),
	}}
	for k, v := range fields {
		body.Fields[k] = v
	}
	writeStruct(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeStruct(w, status, &structpb.Struct{Fields: map[string]*structpb.Value{
		"status": structpb.NewStringValue("error"),
		"error":  structpb.NewStringValue(msg),
	}})
}

func writeStruct(w http.ResponseWriter, status int, body *structpb.Struct) {
	data, err := protojson.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
