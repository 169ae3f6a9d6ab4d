// Package httpapi exposes the outline store over the REST contract the
// sync clients consume: item CRUD under /outline/, a polling change feed
// at /updates/, and a websocket push feed at /watch.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/outlinehq/outlinesync/internal/outline"
)

type ServerConfig struct {
	MaxBodyBytes int64
	Logger       outline.Logger
}

type Server struct {
	store         *outline.Store
	cfg           ServerConfig
	payloadSchema *jsonschema.Schema
}

func NewServer(store *outline.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *outline.Store, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:         store,
		cfg:           cfg,
		payloadSchema: itemPayloadSchema,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/updates/" && r.Method == http.MethodGet:
		s.handleUpdates(w, r)
	case r.URL.Path == "/watch" && r.Method == http.MethodGet:
		s.handleWatch(w, r)
	case r.URL.Path == "/outline" || strings.HasPrefix(r.URL.Path, "/outline/"):
		s.handleItem(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Path
	if !strings.HasSuffix(identity, "/") {
		identity += "/"
	}
	switch r.Method {
	case http.MethodGet:
		item, err := s.store.Get(identity)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodPost:
		text, ok := s.decodeItemPayload(w, r)
		if !ok {
			return
		}
		item, err := s.store.Create(identity, text)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "parent not found")
			return
		}
		writeJSON(w, http.StatusCreated, item)
	case http.MethodPut:
		text, ok := s.decodeItemPayload(w, r)
		if !ok {
			return
		}
		item, err := s.store.Update(identity, text)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		err := s.store.Delete(identity)
		switch {
		case errors.Is(err, outline.ErrRootDelete):
			writeError(w, http.StatusForbidden, "policy_violation", "cannot delete root item")
		case errors.Is(err, outline.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "item not found")
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal_error", "delete failed")
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	sinceRaw := strings.TrimSpace(r.URL.Query().Get("since"))
	seconds := 0.0
	if sinceRaw != "" {
		parsed, err := strconv.ParseFloat(sinceRaw, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since parameter")
			return
		}
		seconds = parsed
	}
	since := time.Unix(0, int64(seconds*float64(time.Second)))
	writeJSON(w, http.StatusOK, map[string][]string{"updated": s.store.UpdatedSince(since)})
}

// decodeItemPayload validates a create/update body against the item
// payload schema and extracts the text. An empty body means empty text.
func (s *Server) decodeItemPayload(w http.ResponseWriter, r *http.Request) (string, bool) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return "", false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", true
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return "", false
	}
	if err := s.payloadSchema.Validate(decoded); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return "", false
	}
	payload, _ := decoded.(map[string]any)
	text, _ := payload["text"].(string)
	return text, true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
