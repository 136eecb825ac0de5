package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kotoba/internal/auth"
	"github.com/hyperjump/kotoba/internal/chat"
	"github.com/hyperjump/kotoba/internal/models"
	"github.com/hyperjump/kotoba/internal/storage"
	"github.com/hyperjump/kotoba/internal/stream"
)

type conversationsResponse struct {
	Identity      string           `json:"identity"`
	Active        string           `json:"active"`
	Conversations []string         `json:"conversations"`
	Messages      []models.Message `json:"messages"`
	Warning       string           `json:"warning,omitempty"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type windowRequest struct {
	Size *int `json:"size"`
}

// streamLine is one NDJSON line of a reply stream.
type streamLine struct {
	Partial      *string `json:"partial,omitempty"`
	Done         bool    `json:"done,omitempty"`
	Reply        string  `json:"reply,omitempty"`
	Conversation string  `json:"conversation,omitempty"`
	Turn         string  `json:"turn,omitempty"`
	Error        string  `json:"error,omitempty"`
	Warning      string  `json:"warning,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"buffer_window": s.manager.Window().Get(),
		"sessions":      len(s.manager.Identities()),
	}
	index := map[string]interface{}{"loaded": false}
	if s.selector != nil {
		if idx := s.selector.Index(); idx != nil {
			index = map[string]interface{}{
				"loaded":     true,
				"documents":  idx.Size(),
				"provider":   idx.Provider(),
				"dimensions": idx.Dimensions(),
				"built_at":   idx.BuiltAt().Format(time.RFC3339),
			}
		}
	}
	resp["index"] = index
	if len(s.diskPaths) > 0 {
		if n, err := storage.DiskUsageBytes(s.diskPaths...); err == nil {
			resp["disk_usage_bytes"] = n
		} else {
			s.logger.Warn("status: disk usage failed", zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetWindow(w http.ResponseWriter, r *http.Request) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Size == nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.Window().Set(*req.Size); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("buffer window changed", zap.Int("size", *req.Size))
	s.respondJSON(w, http.StatusOK, map[string]int{"size": *req.Size})
}

// session returns the caller's session, resolving credentials on first use.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	identity, err := pathParam(r, "identity")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	sess, err := s.manager.Session(identity)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidIdentity) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		s.logger.Error("session restore failed", zap.String("identity", identity), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if err := s.resolveCredentials(r.Context(), sess); err != nil {
		s.logger.Error("credentials failed", zap.String("identity", identity), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) resolveCredentials(ctx context.Context, sess *chat.Session) error {
	if s.restorer == nil && s.login == nil {
		return nil
	}
	if _, done := s.resolved.Load(sess.Identity()); done {
		return nil
	}
	creds, fresh, err := auth.Resolve(ctx, sess.Identity(), s.restorer, s.login)
	if err != nil {
		if !errors.Is(err, auth.ErrNoCredentials) {
			return err
		}
		s.logger.Debug("no credentials", zap.String("identity", sess.Identity()))
	} else {
		sess.SetCredentials(creds)
		if saver, ok := s.restorer.(CredentialSaver); ok && fresh {
			if err := saver.Save(creds); err != nil {
				s.logger.Warn("credentials not saved", zap.String("identity", sess.Identity()), zap.Error(err))
			}
		}
	}
	s.resolved.Store(sess.Identity(), struct{}{})
	return nil
}

func (s *Server) conversations(sess *chat.Session, warning error) conversationsResponse {
	h := sess.Snapshot()
	resp := conversationsResponse{Identity: h.Identity, Active: h.Active, Conversations: make([]string, len(h.Conversations))}
	for i, c := range h.Conversations {
		resp.Conversations[i] = c.Name
		if c.Name == h.Active {
			resp.Messages = c.Messages
		}
	}
	if warning != nil {
		resp.Warning = warning.Error()
	}
	return resp
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, s.conversations(sess, nil))
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req nameRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	ch, err := sess.OnCreateConversation(req.Name)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, s.conversations(sess, ch.PersistErr))
}

func (s *Server) handleSelectConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	ch, err := sess.OnSelectConversation(req.Name)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.conversations(sess, ch.PersistErr))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	name, err := pathParam(r, "name")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch, err := sess.OnDeleteConversation(name)
	if err != nil {
		s.respondChatError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.conversations(sess, ch.PersistErr))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
	emit := func(line streamLine) {
		start()
		_ = enc.Encode(line)
		if flusher != nil {
			flusher.Flush()
		}
	}

	res, err := sess.OnNewMessage(r.Context(), req.Message, func(acc string) {
		emit(streamLine{Partial: &acc})
	})
	if err != nil {
		var se *stream.StreamError
		switch {
		case errors.As(err, &se):
			partial := se.Partial
			s.logger.Warn("reply failed", zap.String("identity", sess.Identity()),
				zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
			emit(streamLine{Error: se.Err.Error(), Partial: &partial, Turn: res.ID})
		case started:
			emit(streamLine{Error: err.Error(), Turn: res.ID})
		default:
			s.respondChatError(w, err)
		}
		return
	}
	line := streamLine{Done: true, Reply: res.Reply, Conversation: res.Conversation, Turn: res.ID}
	if res.PersistErr != nil {
		line.Warning = res.PersistErr.Error()
	}
	emit(line)
}

// pathParam returns a decoded URL parameter. chi matches on the raw path when the
// request escapes a reserved character such as %2F, and then leaves values encoded.
func pathParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return "", fmt.Errorf("invalid %s in path: %w", key, err)
	}
	return decoded, nil
}

func (s *Server) respondChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrDuplicateName), errors.Is(err, chat.ErrTurnInProgress):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrInvalidName), errors.Is(err, chat.ErrEmptyMessage):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
