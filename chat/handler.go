package chat

import (
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/stampatlas/voicekit/shared"
)

// MaxMessageLength is the validation ceiling on one chat message, in
// characters.
const MaxMessageLength = 2000

type postRequest struct {
	Message     string `json:"message"`
	SessionID   string `json:"sessionId"`
	IsVoiceChat bool   `json:"isVoiceChat,omitempty"`
}

type postResponse struct {
	Success    bool   `json:"success"`
	Content    string `json:"content,omitempty"`
	Source     string `json:"source,omitempty"`
	HasContext bool   `json:"hasContext"`
	Error      string `json:"error,omitempty"`
}

type getResponse struct {
	SessionID          string `json:"sessionId"`
	HasContext         bool   `json:"hasContext"`
	PreviousResponseID string `json:"previousResponseId"`
}

// Handler is the HTTP surface over the Store.
type Handler struct {
	logger shared.LoggerAdapter
	store  *Store

	// RateLimit is requests per minute per IP; zero disables limiting.
	RateLimit int
}

func NewHandler(logger shared.LoggerAdapter, store *Store) *Handler {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Handler{logger: logger, store: store}
}

// Routes mounts the chat entry point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.RateLimit > 0 {
		r.Use(httprate.LimitByIP(h.RateLimit, time.Minute))
	}
	r.Post("/", h.post)
	r.Get("/", h.get)
	return r
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	var req postRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		h.writeError(w, http.StatusBadRequest, "message exceeds maximum length")
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	result, err := h.store.Do(r.Context(), req.SessionID, req.Message)
	if err != nil {
		h.logger.Error("processing chat turn", err,
			zap.String("session_id", req.SessionID),
			zap.Bool("voice", req.IsVoiceChat),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}
	h.writeJSON(w, http.StatusOK, postResponse{
		Success:    true,
		Content:    result.Content,
		Source:     "model",
		HasContext: result.HasContext,
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	token, ok := h.store.Continuity(sessionID)
	h.writeJSON(w, http.StatusOK, getResponse{
		SessionID:          sessionID,
		HasContext:         ok,
		PreviousResponseID: token,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, postResponse{Success: false, Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Error("marshaling response", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("writing response", err)
	}
}
