package remote

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/transport"
)

const maxRequestBody = 1 << 20

// Handler serves a MemoryBackend over the same JSON API HTTPClient speaks.
type Handler struct {
	backend        *MemoryBackend
	logger         *zap.SugaredLogger
	allowedOrigins []string
	mux            *http.ServeMux
}

// NewHandler wires the backend routes.
func NewHandler(backend *MemoryBackend, allowedOrigins []string, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Handler{
		backend:        backend,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		mux:            http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /v1/blocks", h.handleCreate)
	h.mux.HandleFunc("POST /v1/blocks/reorder", h.handleReorder)
	h.mux.HandleFunc("PATCH /v1/blocks/{id}", h.handleUpdate)
	h.mux.HandleFunc("DELETE /v1/blocks/{id}", h.handleDelete)
	h.mux.HandleFunc("GET /v1/blocks/{id}", h.handleGet)
	h.mux.HandleFunc("GET /v1/pages/{page}/blocks", h.handleFetch)
	h.mux.HandleFunc("GET /v1/changes", h.handleChanges)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		r = r.WithContext(WithIdempotencyKey(r.Context(), key))
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec CreateSpec
	if !h.decode(w, r, &spec) {
		return
	}
	b, err := h.backend.CreateBlock(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var partial Partial
	if !h.decode(w, r, &partial) {
		return
	}
	b, err := h.backend.UpdateBlock(r.Context(), r.PathValue("id"), partial)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.DeleteBlock(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	b, ok := h.backend.Get(r.PathValue("id"))
	if !ok {
		h.writeError(w, notFound(r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Updates []ReorderUpdate `json:"updates"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.backend.ReorderBlocks(r.Context(), body.Updates); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_since", Message: err.Error()})
			return
		}
		since = parsed
	}
	blocks, err := h.backend.FetchModifiedSince(r.Context(), r.PathValue("page"), since)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if blocks == nil {
		blocks = []*block.Block{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

// handleChanges upgrades to a websocket and forwards backend changes,
// optionally filtered to one page.
func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page")
	conn, err := transport.Accept(w, r, h.allowedOrigins)
	if err != nil {
		h.logger.Warnw("Change stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	changes, cancel := h.backend.Subscribe(256)
	defer cancel()

	// Reader goroutine only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard json.RawMessage
		for {
			if err := conn.ReadJSON(&discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if page != "" && c.PageID != page {
				continue
			}
			if err := conn.WriteJSON(c); err != nil {
				if !transport.IsClosed(err) {
					h.logger.Debugw("Change stream write failed", "error", err)
				}
				return
			}
		}
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", formatSeconds(httpErr.RetryAfter))
		}
		writeJSON(w, httpErr.StatusCode, errorBody{Code: httpErr.Code, Message: httpErr.Message})
		return
	}
	h.logger.Errorw("Backend call failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Message: err.Error()})
}

func formatSeconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
