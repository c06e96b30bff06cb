package model

import "time"

// User はストアにサインインできる利用者。
// Providersは紐付いているサインイン方法（"google", "password"）で、
// プロフィール取得時のみ埋められる。
type User struct {
	ID        string
	Email     string
	Name      string
	PhotoURL  string
	Providers []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity はユーザーとサインイン方法の紐付け。
// (Provider, ProviderUserID) は一意で、パスワード認証では小文字化したメールアドレスを使う。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// PasswordCredential はbcryptでハッシュ化したパスワード。
type PasswordCredential struct {
	UserID       string
	Email        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Session はサインイン済みブラウザのセッション。
// Providerはセッションを発行したサインイン方法。
type Session struct {
	ID        string
	UserID    string
	Provider  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PasswordReset はパスワード再設定用の使い捨てトークン。
// トークン自体は保存せず、SHA-256のハッシュだけを持つ。
type PasswordReset struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
