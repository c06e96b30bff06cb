package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hitoshi/trigardening/internal/chat"
	"github.com/hitoshi/trigardening/internal/model"
)

// maxChatBodyBytes はチャットリクエストボディの上限（画像のデータURLを含む）。
const maxChatBodyBytes = 20 << 20

// ChatServiceInterface はチャットハンドラーが必要とするサービスインターフェース。
type ChatServiceInterface interface {
	Welcome() chat.Message
	Reply(ctx context.Context, messages []chat.Message) (string, error)
}

// ChatHandler はAIチャットのHTTPハンドラー。
type ChatHandler struct {
	service ChatServiceInterface
}

// NewChatHandler はChatHandlerを生成する。
func NewChatHandler(service ChatServiceInterface) *ChatHandler {
	return &ChatHandler{
		service: service,
	}
}

// chatRequest はチャットリクエストのボディ。
type chatRequest struct {
	Messages []chat.Message `json:"messages"`
}

// chatResponse はチャットのAPIレスポンス。
type chatResponse struct {
	Reply chat.Message `json:"reply"`
}

// Welcome はチャット開始時の挨拶を返す。
// GET /api/chat/welcome
func (h *ChatHandler) Welcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, chatResponse{Reply: h.service.Welcome()})
}

// Reply は会話履歴に対するアシスタントの返答を返す。
// AIサービスの失敗は代替メッセージとして200で返す。
// POST /api/chat
func (h *ChatHandler) Reply(w http.ResponseWriter, r *http.Request) {
	// 1. リクエストボディのパース
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidChatRequestError("invalid request body"))
		return
	}

	// 2. 返答の生成
	reply, err := h.service.Reply(r.Context(), req.Messages)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidHistory) {
			reason := strings.TrimPrefix(err.Error(), chat.ErrInvalidHistory.Error()+": ")
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidChatRequestError(reason))
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Reply: chat.Message{Role: chat.RoleAssistant, Text: reply},
	})
}
