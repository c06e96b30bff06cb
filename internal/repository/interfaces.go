// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/trigardening/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// CreateWithPassword はユーザー・identity・パスワード資格情報を同一トランザクションで作成する。
	// メールアドレスが既に使われている場合はErrEmailTakenを返す。
	CreateWithPassword(ctx context.Context, user *model.User, identity *model.Identity, credential *model.PasswordCredential) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、password_credentialsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository はサインイン方法の紐付けを永続化する。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はサインイン方法と外部IDで検索する。見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// ListByUserID はユーザーに紐付く全identityを作成順に返す。
	ListByUserID(ctx context.Context, userID string) ([]model.Identity, error)

	// Link は既存ユーザーにidentityを追加する。重複時は何もしない。
	Link(ctx context.Context, identity *model.Identity) error
}

// CredentialRepository はパスワード資格情報の永続化インターフェース。
type CredentialRepository interface {
	// FindByEmail はメールアドレスで資格情報を取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.PasswordCredential, error)

	// UpdatePasswordHash はユーザーのパスワードハッシュを置き換える。
	// 資格情報が存在しない場合はErrCredentialNotFoundを返す。
	UpdatePasswordHash(ctx context.Context, userID string, hash []byte) error
}

// PasswordResetRepository はパスワード再設定トークンの永続化インターフェース。
type PasswordResetRepository interface {
	// Replace はユーザーの未使用トークンを破棄して新しいトークンを保存する。
	Replace(ctx context.Context, reset *model.PasswordReset) error

	// Consume は有効期限内のトークンを削除し、対象ユーザーIDを返す。
	// 存在しない・期限切れの場合は空文字列を返す。トークンは1回しか使えない。
	Consume(ctx context.Context, tokenHash string, now time.Time) (string, error)
}

// SessionRepository はログインセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}

// CartSlotRepository はデバイスごとのカート保存枠の永続化インターフェース。
// 1キーにつき1行で、保存内容はシリアライズ済みのカート全体。
type CartSlotRepository interface {
	// Load は指定キーの保存内容を返す。行が存在しない場合はnilを返す。
	Load(ctx context.Context, key string) ([]byte, error)

	// Save は指定キーの保存内容を上書きする（UPSERT）。
	Save(ctx context.Context, key string, data []byte, updatedAt time.Time) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
