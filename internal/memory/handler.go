package memory

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/engram-ai/engram/internal/api"
	"github.com/engram-ai/engram/internal/metrics"
)

// Handler exposes the memory manager over HTTP.
type Handler struct {
	mgr      *Manager
	validate *validator.Validate
}

// NewHandler creates a new memory handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{
		mgr:      mgr,
		validate: validator.New(),
	}
}

// SearchRequest is the body for POST /search.
type SearchRequest struct {
	Query         string  `json:"query" validate:"required,min=1"`
	UserID        string  `json:"user_id" validate:"required"`
	ChatID        string  `json:"chat_id"`
	Limit         int     `json:"limit" validate:"gte=0,lte=100"`
	SemanticOnly  bool    `json:"semantic_only"`
	MinImportance float64 `json:"min_importance" validate:"gte=0,lte=1"`
}

// Search runs hybrid (default) or pure semantic search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	var results []SearchResult
	if req.SemanticOnly {
		results = h.mgr.SemanticSearchMemories(r.Context(), req.Query, req.UserID, req.ChatID, req.Limit, req.MinImportance)
	} else {
		results = h.mgr.SearchMemories(r.Context(), req.Query, req.UserID, req.ChatID, req.Limit)
	}
	metrics.MemorySearchesTotal.Inc()

	api.JSON(w, http.StatusOK, results)
}

// RetrieveRequest is the body for POST /retrieve.
type RetrieveRequest struct {
	Query  string `json:"query" validate:"required,min=1"`
	UserID string `json:"user_id" validate:"required"`
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit" validate:"gte=0,lte=20"`
}

// Retrieve returns memories relevant to a query, pre-rendered for prompt
// injection.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	section := h.mgr.RetrieveRelevantMemories(r.Context(), req.Query, req.ChatID, req.UserID, req.Limit)
	api.JSON(w, http.StatusOK, map[string]string{"context": section})
}

// GetCoreMemory returns all visible core blocks, defaults included.
func (h *Handler) GetCoreMemory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	chatID := r.URL.Query().Get("chat_id")

	blocks := h.mgr.GetCoreMemory(r.Context(), chatID, userID)
	if r.URL.Query().Get("format") == "text" {
		api.JSON(w, http.StatusOK, map[string]string{"context": FormatCoreMemorySection(blocks)})
		return
	}
	api.JSON(w, http.StatusOK, blocks)
}

// UpdateBlockRequest is the body for PUT /blocks.
type UpdateBlockRequest struct {
	Label   string `json:"label" validate:"required"`
	Op      string `json:"op" validate:"required,oneof=replace append search_replace"`
	Content string `json:"content"`
	Pattern string `json:"pattern"`
	UserID  string `json:"user_id"`
	ChatID  string `json:"chat_id"`
}

// UpdateBlock applies a block edit operation.
func (h *Handler) UpdateBlock(w http.ResponseWriter, r *http.Request) {
	var req UpdateBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	if err := h.mgr.UpdateBlock(r.Context(), req.Label, req.Op, req.Content, req.Pattern, req.ChatID, req.UserID); err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}
	api.JSONMessage(w, http.StatusOK, "block updated")
}

// DeleteBlocks clears core blocks for a scope.
func (h *Handler) DeleteBlocks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("user_id is required"))
		return
	}
	chatID := r.URL.Query().Get("chat_id")

	if !h.mgr.DeleteAllMemoryBlocks(r.Context(), userID, chatID) {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "blocks deleted")
}

// ProcessTurnRequest is the body for POST /turns.
type ProcessTurnRequest struct {
	UserID string           `json:"user_id" validate:"required"`
	ChatID string           `json:"chat_id" validate:"required"`
	Turn   ConversationTurn `json:"turn" validate:"required"`
}

// ProcessTurn runs the automatic write path on a completed turn.
func (h *Handler) ProcessTurn(w http.ResponseWriter, r *http.Request) {
	var req ProcessTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	result := h.mgr.ProcessConversationTurn(r.Context(), req.Turn, req.ChatID, req.UserID)
	metrics.MemoriesCreatedTotal.Add(float64(len(result.MemoriesCreated)))
	metrics.MemoriesDeduplicatedTotal.Add(float64(len(result.MemoriesUpdated)))

	api.JSON(w, http.StatusOK, result)
}

// RecentTurns returns the short-term cache for a conversation.
func (h *Handler) RecentTurns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	chatID := r.URL.Query().Get("chat_id")
	if userID == "" || chatID == "" {
		api.HandleError(w, api.NewBadRequestError("user_id and chat_id are required"))
		return
	}
	n := queryInt(r, "limit", 0)

	turns := h.mgr.RecentTurns(r.Context(), userID, chatID, n)
	if turns == nil {
		turns = []ConversationTurn{}
	}
	api.JSON(w, http.StatusOK, turns)
}

// CreateMemoryRequest is the body for POST /memories.
type CreateMemoryRequest struct {
	Content    string         `json:"content" validate:"required,min=1"`
	UserID     string         `json:"user_id" validate:"required"`
	ChatID     string         `json:"chat_id"`
	Metadata   map[string]any `json:"metadata"`
	Importance float64        `json:"importance" validate:"gte=0,lte=1"`
}

// CreateMemory stores a memory explicitly, bypassing extraction.
func (h *Handler) CreateMemory(w http.ResponseWriter, r *http.Request) {
	var req CreateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	id, err := h.mgr.AddMemory(r.Context(), req.Content, req.UserID, req.ChatID, req.Metadata, req.Importance)
	if err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}
	metrics.MemoriesCreatedTotal.Inc()
	api.JSON(w, http.StatusCreated, map[string]string{"id": id})
}

// ListMemories pages through a user's memories.
func (h *Handler) ListMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("user_id is required"))
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	orderBy := r.URL.Query().Get("order_by")
	desc := r.URL.Query().Get("desc") != "false"

	memories := h.mgr.ListMemories(r.Context(), userID, chatID, limit, offset, orderBy, desc)
	total := h.mgr.MemoryCount(r.Context(), userID, chatID)
	page := offset/max(limit, 1) + 1

	api.JSONPaginated(w, http.StatusOK, memories, int64(total), page, limit)
}

// UpdateMemoryRequest is the body for PATCH /memories/{id}.
type UpdateMemoryRequest struct {
	UserID     string          `json:"user_id" validate:"required"`
	Content    *string         `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
	Importance *float64        `json:"importance" validate:"omitempty,gte=0,lte=1"`
}

// UpdateMemory mutates a single memory.
func (h *Handler) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")

	var req UpdateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	ok := h.mgr.UpdateMemory(r.Context(), id, req.UserID, MemoryUpdate{
		Content:    req.Content,
		Metadata:   req.Metadata,
		Importance: req.Importance,
	})
	if !ok {
		api.HandleError(w, api.ErrNotFound)
		return
	}
	api.JSONMessage(w, http.StatusOK, "memory updated")
}

// DeleteMemory removes a single memory.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "memoryID")
	userID := r.URL.Query().Get("user_id")

	if !h.mgr.DeleteMemory(r.Context(), id, userID) {
		api.HandleError(w, api.ErrNotFound)
		return
	}
	api.JSONMessage(w, http.StatusOK, "memory deleted")
}

// DeleteAllMemories removes all memories in a scope.
func (h *Handler) DeleteAllMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("user_id is required"))
		return
	}
	chatID := r.URL.Query().Get("chat_id")

	if !h.mgr.DeleteAllMemories(r.Context(), userID, chatID) {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "memories deleted")
}

// Stats returns aggregate statistics for a user's memories.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("user_id is required"))
		return
	}
	api.JSON(w, http.StatusOK, h.mgr.MemoryStats(r.Context(), userID))
}

// RefreshRequest is the body for POST /refresh.
type RefreshRequest struct {
	UserID string `json:"user_id" validate:"required"`
	ChatID string `json:"chat_id"`
}

// Refresh rebuilds the user's facts block synchronously.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	if err := h.mgr.RefreshFactsBlock(r.Context(), req.UserID, req.ChatID); err != nil {
		api.HandleError(w, api.NewBadRequestError(err.Error()))
		return
	}
	metrics.FactsRefreshesTotal.Inc()
	api.JSONMessage(w, http.StatusOK, "facts block refreshed")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
