// Package gateway exposes the chat session to an application over HTTP.
//
// Routes:
//
//	POST /api/v1/commands/{method}  invoke one command, JSON arguments
//	GET  /api/v1/status             connection summary
//	GET  /api/v1/events             WebSocket event stream
//	GET  /metrics                   Prometheus exposition
package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"btchat/internal/connmgr"
	"btchat/internal/session"
)

// CodeNotImplemented answers commands the gateway does not know.
const CodeNotImplemented = "NOT_IMPLEMENTED"

const (
	maxRequestBody = 4 << 20
	pingInterval   = 20 * time.Second
	writeWait      = 10 * time.Second
)

// Session is the command surface the gateway drives. *session.Manager
// implements it.
type Session interface {
	RequestPermissions(ctx context.Context) (bool, error)
	IsBluetoothEnabled(ctx context.Context) (bool, error)
	SendMessage(ctx context.Context, text string) error
	SendFile(ctx context.Context, name string, data []byte) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	StartDiscovery(ctx context.Context) (bool, error)
	StopDiscovery(ctx context.Context) (bool, error)
	PairedDevices(ctx context.Context) ([]connmgr.Device, error)
	ConnectToDevice(ctx context.Context, address string) error
	MakeDiscoverable(ctx context.Context) error
	StartServer(ctx context.Context) error
	StopServer(ctx context.Context) error
	IsServerRunning() bool
	DeviceName(ctx context.Context) (string, error)
	State() session.State
	Role() session.Role
	Subscribe() (<-chan session.Event, func())
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// args carries every command argument; each command reads the ones it needs.
type args struct {
	Message  *string `json:"message"`
	FileData *string `json:"fileData"`
	FileName *string `json:"fileName"`
	Address  *string `json:"address"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type command func(ctx context.Context, a args) (any, error)

// Server holds handler dependencies.
type Server struct {
	sess     Session
	log      *zap.Logger
	commands map[string]command
}

// NewRouter wires the routes. gatherer may be nil to omit /metrics.
func NewRouter(sess Session, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{sess: sess, log: log}
	s.commands = s.commandTable()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/commands/{method}", s.invoke)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return withLogging(log, mux)
}

func (s *Server) commandTable() map[string]command {
	ok := func(err error) (any, error) {
		if err != nil {
			return nil, err
		}
		return true, nil
	}
	return map[string]command{
		"requestPermissions": func(ctx context.Context, _ args) (any, error) {
			return s.sess.RequestPermissions(ctx)
		},
		"isBluetoothEnabled": func(ctx context.Context, _ args) (any, error) {
			return s.sess.IsBluetoothEnabled(ctx)
		},
		"sendMessage": func(ctx context.Context, a args) (any, error) {
			if a.Message == nil {
				return nil, fmt.Errorf("%w: message is required", session.ErrMissingArgument)
			}
			return ok(s.sess.SendMessage(ctx, *a.Message))
		},
		"sendFile": func(ctx context.Context, a args) (any, error) {
			if a.FileData == nil || a.FileName == nil {
				return nil, fmt.Errorf("%w: file data and file name are required", session.ErrMissingArgument)
			}
			data, err := base64.StdEncoding.DecodeString(*a.FileData)
			if err != nil {
				return nil, &invalidParam{field: "fileData", err: err}
			}
			return ok(s.sess.SendFile(ctx, *a.FileName, data))
		},
		"disconnect": func(ctx context.Context, _ args) (any, error) {
			return ok(s.sess.Disconnect(ctx))
		},
		"isConnected": func(context.Context, args) (any, error) {
			return s.sess.IsConnected(), nil
		},
		"startDiscovery": func(ctx context.Context, _ args) (any, error) {
			return s.sess.StartDiscovery(ctx)
		},
		"stopDiscovery": func(ctx context.Context, _ args) (any, error) {
			return s.sess.StopDiscovery(ctx)
		},
		"getPairedDevices": func(ctx context.Context, _ args) (any, error) {
			devs, err := s.sess.PairedDevices(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]string, 0, len(devs))
			for _, d := range devs {
				out = append(out, map[string]string{"name": d.Name, "address": d.Address})
			}
			return out, nil
		},
		"connectToDevice": func(ctx context.Context, a args) (any, error) {
			if a.Address == nil || *a.Address == "" {
				return nil, fmt.Errorf("%w: device address is required", session.ErrMissingArgument)
			}
			return ok(s.sess.ConnectToDevice(ctx, *a.Address))
		},
		"makeDiscoverable": func(ctx context.Context, _ args) (any, error) {
			return ok(s.sess.MakeDiscoverable(ctx))
		},
		"startServer": func(ctx context.Context, _ args) (any, error) {
			return ok(s.sess.StartServer(ctx))
		},
		"stopServer": func(ctx context.Context, _ args) (any, error) {
			return ok(s.sess.StopServer(ctx))
		},
		"isServerRunning": func(context.Context, args) (any, error) {
			return s.sess.IsServerRunning(), nil
		},
		"getDeviceName": func(ctx context.Context, _ args) (any, error) {
			return s.sess.DeviceName(ctx)
		},
	}
}

type invalidParam struct {
	field string
	err   error
}

func (e *invalidParam) Error() string { return fmt.Sprintf("invalid %s: %v", e.field, e.err) }
func (e *invalidParam) Unwrap() error { return e.err }

// ── Commands ──────────────────────────────────────────────────────────────

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")
	cmd, found := s.commands[method]
	if !found {
		writeJSON(w, http.StatusNotFound, response{Error: &errorBody{
			Code:    CodeNotImplemented,
			Message: fmt.Sprintf("unknown method %q", method),
		}})
		return
	}

	var a args
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{Code: session.CodeInvalidParam, Message: err.Error()}})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &a); err != nil {
			writeJSON(w, http.StatusBadRequest, response{Error: &errorBody{Code: session.CodeInvalidParam, Message: "invalid JSON body: " + err.Error()}})
			return
		}
	}

	result, err := cmd(r.Context(), a)
	if err != nil {
		code := errorCode(err)
		s.log.Info("api: command failed", zap.String("method", method), zap.String("code", code), zap.Error(err))
		writeJSON(w, statusFor(code), response{Error: &errorBody{Code: code, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, response{Result: result})
}

func errorCode(err error) string {
	var ip *invalidParam
	if errors.As(err, &ip) {
		return session.CodeInvalidParam
	}
	return session.Code(err)
}

func statusFor(code string) int {
	switch code {
	case session.CodeMissingParam, session.CodeInvalidParam:
		return http.StatusBadRequest
	case session.CodeNoPermission:
		return http.StatusForbidden
	case session.CodeNotConnected, session.CodeBusy:
		return http.StatusConflict
	case session.CodeNoAdapter, session.CodeNoActivity:
		return http.StatusServiceUnavailable
	case session.CodeTimeout:
		return http.StatusGatewayTimeout
	case session.CodeConnectionFailed, session.CodeServerFailed, session.CodeSendFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         s.sess.State().String(),
		"role":          s.sess.Role().String(),
		"connected":     s.sess.IsConnected(),
		"serverRunning": s.sess.IsServerRunning(),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

// wireEvent is the JSON shape of one streamed event.
type wireEvent struct {
	Event string         `json:"event"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event after it is missed.
	ch, unsub := s.sess.Subscribe()
	defer unsub()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wireEvent{Event: string(ev.Type), Time: ev.Time, Data: ev.Payload()}); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Hijack is required by the WebSocket upgrader.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
