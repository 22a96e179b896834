// Package api exposes the session, monitor and keyword operations over HTTP and a websocket hub.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"tgmonitor/internal/config"
	"tgmonitor/internal/domain"
	"tgmonitor/internal/logging"
)

// SessionAPI is the login surface of the session manager.
type SessionAPI interface {
	Login(ctx context.Context, phone, loginInfo string) (domain.LoginState, error)
}

// MonitorAPI is the control surface of the monitor pipeline.
type MonitorAPI interface {
	Status() domain.Status
	ListDialogs(ctx context.Context) ([]domain.Dialog, error)
	SetTarget(chatID int64)
	Start(ctx context.Context) domain.MonitorStartResult
	Stop()
}

// KeywordAPI is the keyword CRUD surface.
type KeywordAPI interface {
	ListAll(ctx context.Context) ([]domain.KeywordRule, error)
	FindOne(ctx context.Context, id int64) (domain.KeywordRule, error)
	Create(ctx context.Context, rule domain.KeywordRule) (domain.KeywordRule, error)
	BatchCreate(ctx context.Context, rules []domain.KeywordRule) ([]domain.KeywordRule, error)
	Update(ctx context.Context, id int64, patch domain.KeywordPatch) (domain.KeywordRule, error)
	Delete(ctx context.Context, id int64) error
	BatchDelete(ctx context.Context, ids []int64) error
}

// Envelope is the JSON body of every API response.
type Envelope struct {
	Data      any    `json:"data"`
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message"`
}

type loginRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	LoginInfo   string `json:"loginInfo"`
}

type targetRequest struct {
	ChatID *int64 `json:"chatId"`
}

type batchDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

// Server routes API requests to the session, monitor and keyword services.
type Server struct {
	session  SessionAPI
	monitor  MonitorAPI
	keywords KeywordAPI
	hub      *Hub
	cfg      config.HTTPConfig
	ready    func() bool
	logger   *slog.Logger
}

// NewServer creates the API router.
// Params: collaborators, websocket hub (nil disables the ws route), http config, readiness probe and logger.
// Returns: configured server.
func NewServer(session SessionAPI, monitor MonitorAPI, keywords KeywordAPI, hub *Hub, cfg config.HTTPConfig, ready func() bool, logger *slog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		session:  session,
		monitor:  monitor,
		keywords: keywords,
		hub:      hub,
		cfg:      cfg,
		ready:    ready,
		logger:   logging.Component(logger, "api"),
	}
}

// Handler builds the route table.
// Params: none.
// Returns: HTTP handler with every API, probe and websocket route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc("GET "+s.cfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.ready() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	if s.hub != nil {
		mux.Handle("GET "+s.cfg.WSPath, s.hub)
	}

	mux.HandleFunc("POST /telegram/login", s.login)
	mux.HandleFunc("GET /telegram/status", s.status)
	mux.HandleFunc("GET /telegram/dialogs", s.dialogs)
	mux.HandleFunc("POST /telegram/target", s.setTarget)
	mux.HandleFunc("POST /telegram/start", s.start)
	mux.HandleFunc("POST /telegram/stop", s.stop)

	mux.HandleFunc("GET /keyword/list", s.listKeywords)
	mux.HandleFunc("GET /keyword/{id}", s.getKeyword)
	mux.HandleFunc("POST /keyword/add", s.addKeyword)
	mux.HandleFunc("POST /keyword/batchadd", s.batchAddKeywords)
	mux.HandleFunc("PUT /keyword/update/{id}", s.updateKeyword)
	mux.HandleFunc("DELETE /keyword/delete/{id}", s.deleteKeyword)
	mux.HandleFunc("DELETE /keyword/batchdelete", s.batchDeleteKeywords)
	return mux
}

func (s *Server) login(writer http.ResponseWriter, request *http.Request) {
	var body loginRequest
	if !s.decode(writer, request, &body) {
		return
	}
	state, err := s.session.Login(request.Context(), body.PhoneNumber, body.LoginInfo)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, Envelope{Data: state, Succeeded: true, Message: state.String()})
}

func (s *Server) status(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, Envelope{Data: s.monitor.Status(), Succeeded: true})
}

func (s *Server) dialogs(writer http.ResponseWriter, request *http.Request) {
	dialogs, err := s.monitor.ListDialogs(request.Context())
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	if dialogs == nil {
		dialogs = []domain.Dialog{}
	}
	writeJSON(writer, http.StatusOK, Envelope{Data: dialogs, Succeeded: true})
}

func (s *Server) setTarget(writer http.ResponseWriter, request *http.Request) {
	body, ok := s.readBody(writer, request)
	if !ok {
		return
	}
	chatID, err := parseTarget(body)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	s.monitor.SetTarget(chatID)
	writeJSON(writer, http.StatusOK, Envelope{Data: chatID, Succeeded: true, Message: fmt.Sprintf("target chat set to %d", chatID)})
}

func (s *Server) start(writer http.ResponseWriter, request *http.Request) {
	result := s.monitor.Start(request.Context())
	writeJSON(writer, http.StatusOK, Envelope{Data: result, Succeeded: result == domain.MonitorStarted, Message: result.String()})
}

func (s *Server) stop(writer http.ResponseWriter, _ *http.Request) {
	s.monitor.Stop()
	writeJSON(writer, http.StatusOK, Envelope{Succeeded: true, Message: "Stopped"})
}

func (s *Server) listKeywords(writer http.ResponseWriter, request *http.Request) {
	rules, err := s.keywords.ListAll(request.Context())
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	if rules == nil {
		rules = []domain.KeywordRule{}
	}
	writeJSON(writer, http.StatusOK, Envelope{Data: rules, Succeeded: true})
}

func (s *Server) getKeyword(writer http.ResponseWriter, request *http.Request) {
	id, err := pathID(request)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	rule, err := s.keywords.FindOne(request.Context(), id)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, Envelope{Data: rule, Succeeded: true})
}

func (s *Server) addKeyword(writer http.ResponseWriter, request *http.Request) {
	rule := domain.NewKeywordRule("")
	if !s.decode(writer, request, &rule) {
		return
	}
	rule.ID = 0
	created, err := s.keywords.Create(request.Context(), rule)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, Envelope{Data: created, Succeeded: true})
}

func (s *Server) batchAddKeywords(writer http.ResponseWriter, request *http.Request) {
	var raw []json.RawMessage
	if !s.decode(writer, request, &raw) {
		return
	}
	rules := make([]domain.KeywordRule, 0, len(raw))
	for index, item := range raw {
		rule := domain.NewKeywordRule("")
		if err := json.Unmarshal(item, &rule); err != nil {
			s.fail(writer, request, fmt.Errorf("%w: item %d: %v", domain.ErrInvalidInput, index, err))
			return
		}
		rule.ID = 0
		rules = append(rules, rule)
	}
	created, err := s.keywords.BatchCreate(request.Context(), rules)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, Envelope{Data: created, Succeeded: true})
}

func (s *Server) updateKeyword(writer http.ResponseWriter, request *http.Request) {
	id, err := pathID(request)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	var patch domain.KeywordPatch
	if !s.decode(writer, request, &patch) {
		return
	}
	updated, err := s.keywords.Update(request.Context(), id, patch)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, Envelope{Data: updated, Succeeded: true})
}

func (s *Server) deleteKeyword(writer http.ResponseWriter, request *http.Request) {
	id, err := pathID(request)
	if err != nil {
		s.fail(writer, request, err)
		return
	}
	if err := s.keywords.Delete(request.Context(), id); err != nil {
		s.fail(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, Envelope{Succeeded: true, Message: "deleted"})
}

func (s *Server) batchDeleteKeywords(writer http.ResponseWriter, request *http.Request) {
	var body batchDeleteRequest
	if !s.decode(writer, request, &body) {
		return
	}
	if err := s.keywords.BatchDelete(request.Context(), body.IDs); err != nil {
		s.fail(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, Envelope{Succeeded: true, Message: "deleted"})
}

// readBody reads a size-limited request body.
func (s *Server) readBody(writer http.ResponseWriter, request *http.Request) ([]byte, bool) {
	request.Body = http.MaxBytesReader(writer, request.Body, s.cfg.MaxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(writer, http.StatusRequestEntityTooLarge, Envelope{Message: "request body too large"})
			return nil, false
		}
		writeJSON(writer, http.StatusBadRequest, Envelope{Message: "read request body: " + err.Error()})
		return nil, false
	}
	return body, true
}

// decode reads and unmarshals a JSON body; it writes the error response itself.
func (s *Server) decode(writer http.ResponseWriter, request *http.Request, target any) bool {
	body, ok := s.readBody(writer, request)
	if !ok {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeJSON(writer, http.StatusBadRequest, Envelope{Message: "request body is required"})
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		writeJSON(writer, http.StatusBadRequest, Envelope{Message: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(writer http.ResponseWriter, request *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", request.Method, "path", request.URL.Path, "error", err.Error())
	} else {
		s.logger.Debug("request rejected", "method", request.Method, "path", request.URL.Path, "status", status, "error", err.Error())
	}
	writeJSON(writer, status, Envelope{Message: err.Error()})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case domain.IsBadRequest(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotLoggedIn):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(writer http.ResponseWriter, status int, envelope Envelope) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(envelope)
}

func pathID(request *http.Request) (int64, error) {
	raw := request.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id %q must be a positive integer", domain.ErrInvalidInput, raw)
	}
	return id, nil
}

// parseTarget accepts a bare number, a quoted number or {"chatId": n}.
func parseTarget(body []byte) (int64, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return 0, fmt.Errorf("%w: chatId is required", domain.ErrInvalidInput)
	}
	if trimmed[0] == '{' {
		var payload targetRequest
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		if payload.ChatID == nil {
			return 0, fmt.Errorf("%w: chatId is required", domain.ErrInvalidInput)
		}
		return *payload.ChatID, nil
	}
	raw := strings.Trim(string(trimmed), `"`)
	chatID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: chatId %q is not a number", domain.ErrInvalidInput, raw)
	}
	return chatID, nil
}
