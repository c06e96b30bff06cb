// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, catalog, cart, chat, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidParameter   = "INVALID_PARAMETER"
	ErrCodeUnknownView        = "UNKNOWN_VIEW"
	ErrCodeEntryNotFound      = "ENTRY_NOT_FOUND"
	ErrCodeAmbiguousEntry     = "AMBIGUOUS_ENTRY"
	ErrCodeCatalogUnavailable = "CATALOG_UNAVAILABLE"
	ErrCodeInvalidCartRequest = "INVALID_CART_REQUEST"
	ErrCodeInvalidChatRequest = "INVALID_CHAT_REQUEST"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeCSRFTokenInvalid   = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"

	// 認証プロバイダー由来のエラーコード
	ErrCodeEmailAlreadyInUse  = "EMAIL_ALREADY_IN_USE"
	ErrCodeInvalidEmail       = "INVALID_EMAIL"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodePasswordMismatch   = "PASSWORD_MISMATCH"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidResetToken  = "INVALID_RESET_TOKEN"
)

// NewInvalidParameterError はクエリパラメータ不正エラーを生成する。
func NewInvalidParameterError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidParameter,
		Message:  fmt.Sprintf("無効なパラメータです: %s", reason),
		Category: "validation",
		Action:   "page、sort、category などのクエリパラメータを確認してください。",
	}
}

// NewUnknownViewError は存在しない一覧ビューを指定した場合のエラーを生成する。
func NewUnknownViewError(view string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownView,
		Message:  fmt.Sprintf("指定された一覧は存在しません: %s", view),
		Category: "catalog",
		Action:   "products、blog、categories などの一覧名を指定してください。",
	}
}

// NewEntryNotFoundError はカタログエントリ未検出エラーを生成する。
func NewEntryNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeEntryNotFound,
		Message:  fmt.Sprintf("指定された商品または記事が見つかりません: %s", id),
		Category: "catalog",
		Action:   "一覧ページから選び直してください。",
	}
}

// NewCatalogUnavailableError はカタログフィードの取得に失敗した場合のエラーを生成する。
func NewCatalogUnavailableError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeCatalogUnavailable,
		Message:  fmt.Sprintf("カタログを読み込めませんでした: %s", kind),
		Category: "catalog",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAmbiguousEntryError は種類を指定せずに複数の種類に存在するIDを指定した場合のエラーを生成する。
func NewAmbiguousEntryError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeAmbiguousEntry,
		Message:  fmt.Sprintf("同じIDの商品が複数の種類にあります: %s", id),
		Category: "catalog",
		Action:   "kind（plants、tools、fertilizers など）を指定してください。",
	}
}

// NewInvalidCartRequestError はカート操作リクエストが不正な場合のエラーを生成する。
func NewInvalidCartRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCartRequest,
		Message:  fmt.Sprintf("カート操作が不正です: %s", reason),
		Category: "cart",
		Action:   "商品IDと数量を確認してください。",
	}
}

// NewInvalidChatRequestError はチャットリクエストが不正な場合のエラーを生成する。
func NewInvalidChatRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidChatRequest,
		Message:  fmt.Sprintf("メッセージを送信できません: %s", reason),
		Category: "chat",
		Action:   "テキストを入力するか、植物の画像を添付してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewEmailAlreadyInUseError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewEmailAlreadyInUseError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyInUse,
		Message:  "このメールアドレスは既に使用されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewInvalidEmailError はメールアドレス形式エラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "メールアドレスの形式が正しくありません。",
		Category: "validation",
		Action:   "正しいメールアドレスを入力してください。",
	}
}

// NewWeakPasswordError はパスワード長不足エラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上にしてください。", minLength),
		Category: "validation",
		Action:   "より長いパスワードを入力してください。",
	}
}

// NewPasswordMismatchError は確認用パスワード不一致エラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "パスワードが一致しません。",
		Category: "validation",
		Action:   "確認用パスワードを入力し直してください。",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
// メールアドレスの存在有無は区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidResetTokenError はパスワード再設定トークンが無効・期限切れ・使用済みの場合のエラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "パスワード再設定のリンクが無効か期限切れです。",
		Category: "auth",
		Action:   "もう一度パスワード再設定メールを送信してください。",
	}
}

// NewUnauthorizedError は未ログイン・セッション期限切れのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewCSRFTokenInvalidError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitExceededError はレート制限超過のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
