// Package chat は園芸相談AIチャットの応答生成を提供する。
// 会話履歴（テキストと画像）を受け取り、アシスタントの返答を1件返す。
// 上流のAIサービスの失敗は固定の代替メッセージとして返し、呼び出し側にエラーを伝播しない。
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hitoshi/trigardening/internal/metrics"
)

const (
	// DefaultModel は画像入力に対応した既定のモデル。
	DefaultModel = "gpt-4o"
	// defaultMaxTokens は1回の返答の最大トークン数。
	defaultMaxTokens = 1000
	// MaxMessages は1リクエストで受け付ける会話履歴の最大件数。
	MaxMessages = 20
)

// メッセージの役割。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SystemPrompt は会話履歴の先頭に付与するシステムプロンプト。
const SystemPrompt = "You are TriGardening AI assistant. You help with plant care, identifying plants, " +
	"diagnosing problems, watering schedules, light requirements, soil, fertilizers, and recommendations. " +
	"You can analyze plant images to identify species and diagnose issues. " +
	"Answer clearly and simply. Be friendly and helpful."

// WelcomeMessage はチャット開始時に表示する挨拶。
const WelcomeMessage = "Hi there! 👋 I'm your TriGardening AI Assistant.\n\n" +
	"I can help you with:\n" +
	"• 📸 Identify plants from photos\n" +
	"• 🔍 Diagnose plant problems\n" +
	"• 💧 Watering schedules and care tips\n" +
	"• 🌱 Soil and fertilizer advice\n" +
	"• ☀️ Light requirements\n" +
	"• 💬 General gardening questions\n\n" +
	"Upload a plant photo or ask me anything!"

// 上流の失敗時に返す代替メッセージ。
const (
	FallbackUpstreamError = "I'm having trouble connecting right now. Please check your API key and try again."
	FallbackUnreachable   = "Unable to connect to AI service. Please try again."
	FallbackEmptyReply    = "Sorry, I couldn't generate a response."
)

var (
	// ErrAIReplyFailed はAIサービスから返答を得られなかったことを示す。ログにのみ使用する。
	ErrAIReplyFailed = errors.New("ai reply failed")
	// ErrInvalidHistory は会話履歴の形式が不正であることを示す。
	ErrInvalidHistory = errors.New("invalid chat history")
)

// Message は会話履歴の1件。Imagesはdata:image/ で始まるデータURL。
type Message struct {
	Role   string   `json:"role" validate:"required,oneof=user assistant"`
	Text   string   `json:"text,omitempty" validate:"max=8000"`
	Images []string `json:"images,omitempty" validate:"max=4,dive,startswith=data:image/"`
}

// history は検証用の会話履歴のラッパー。
type history struct {
	Messages []Message `validate:"required,min=1,max=20,dive"`
}

// Completer はチャット補完APIのインターフェース。*openai.Clientが実装する。
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Recorder はチャット応答のメトリクス記録のインターフェース。
type Recorder interface {
	RecordChatReply(result string)
	RecordChatLatency(duration time.Duration)
}

// Service はAIチャットの応答を生成する。
type Service struct {
	client    Completer
	model     string
	maxTokens int
	recorder  Recorder
	logger    *slog.Logger
	validate  *validator.Validate
}

// NewClient はgo-openaiのクライアントを生成する。baseURLが空の場合はOpenAIの既定URLを使う。
func NewClient(apiKey, baseURL string, httpClient *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// NewService はServiceの新しいインスタンスを生成する。
// modelが空の場合はDefaultModelを使う。recorderはnilでもよい。
func NewService(client Completer, model string, recorder Recorder, logger *slog.Logger) *Service {
	if model == "" {
		model = DefaultModel
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateMessage, Message{})
	return &Service{
		client:    client,
		model:     model,
		maxTokens: defaultMaxTokens,
		recorder:  recorder,
		logger:    logger,
		validate:  v,
	}
}

// Welcome はチャット開始時の挨拶メッセージを返す。
func (s *Service) Welcome() Message {
	return Message{Role: RoleAssistant, Text: WelcomeMessage}
}

// Validate は会話履歴を検証する。不正な場合はErrInvalidHistoryをラップしたエラーを返す。
func (s *Service) Validate(messages []Message) error {
	if err := s.validate.Struct(history{Messages: messages}); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHistory, describeValidationError(err))
	}
	return nil
}

// Reply は会話履歴に対するアシスタントの返答を返す。
// 返すエラーは会話履歴の検証エラーのみで、AIサービスの失敗は代替メッセージとして返す。
func (s *Service) Reply(ctx context.Context, messages []Message) (string, error) {
	// 1. 会話履歴の検証
	if err := s.Validate(messages); err != nil {
		return "", err
	}

	// 2. システムプロンプトを先頭に付与してリクエストを構築
	req := openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages:  toOpenAIMessages(messages),
	}

	// 3. AIサービス呼び出し
	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, req)
	s.recordLatency(time.Since(start))
	if err != nil {
		reply := fallbackFor(err)
		s.recordReply(metrics.ChatResultFallback)
		s.logger.Error("AIチャットの応答取得に失敗しました",
			slog.String("error", fmt.Errorf("%w: %w", ErrAIReplyFailed, err).Error()),
			slog.String("model", s.model),
			slog.Int("messages", len(messages)),
		)
		return reply, nil
	}

	// 4. 返答の取り出し
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		s.recordReply(metrics.ChatResultFallback)
		s.logger.Warn("AIチャットの応答が空でした",
			slog.String("error", ErrAIReplyFailed.Error()),
			slog.String("model", s.model),
		)
		return FallbackEmptyReply, nil
	}

	s.recordReply(metrics.ChatResultOK)
	return resp.Choices[0].Message.Content, nil
}

// toOpenAIMessages はシステムプロンプトを先頭に付与し、画像付きのメッセージをマルチパートに変換する。
func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt,
	})

	for _, m := range messages {
		if len(m.Images) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Text})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
		if text := strings.TrimSpace(m.Text); text != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: text,
			})
		}
		for _, img := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    img,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}

// fallbackFor はAIサービスのエラー種別に応じた代替メッセージを返す。
// 上流がエラーレスポンスを返した場合と、接続自体に失敗した場合を区別する。
func fallbackFor(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return FallbackUpstreamError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return FallbackUpstreamError
	}
	return FallbackUnreachable
}

// validateMessage はユーザーメッセージがテキストか画像のいずれかを持つこと、
// アシスタントメッセージが画像を持たないことを検証する。
func validateMessage(sl validator.StructLevel) {
	m := sl.Current().Interface().(Message)
	switch m.Role {
	case RoleUser:
		if strings.TrimSpace(m.Text) == "" && len(m.Images) == 0 {
			sl.ReportError(m.Text, "Text", "text", "text_or_image", "")
		}
	case RoleAssistant:
		if len(m.Images) > 0 {
			sl.ReportError(m.Images, "Images", "images", "no_assistant_images", "")
		}
	}
}

// describeValidationError は最初の検証エラーを "フィールド: タグ" 形式で返す。
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "history.")
		if fe.Param() != "" {
			return fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s: %s", field, fe.Tag())
	}
	return err.Error()
}

func (s *Service) recordReply(result string) {
	if s.recorder != nil {
		s.recorder.RecordChatReply(result)
	}
}

func (s *Service) recordLatency(d time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordChatLatency(d)
	}
}
