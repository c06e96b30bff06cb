package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/trigardening/internal/model"
)

// ErrCredentialNotFound はパスワード資格情報を持たないユーザーを更新しようとした場合のエラー。
var ErrCredentialNotFound = errors.New("password credential not found")

// PostgresCredentialRepo はPostgreSQLを使用したパスワード資格情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByEmail はメールアドレスで資格情報を取得する。見つからない場合はnilを返す。
// メールアドレスは大文字小文字を区別せずに比較する。
func (r *PostgresCredentialRepo) FindByEmail(ctx context.Context, email string) (*model.PasswordCredential, error) {
	cred := &model.PasswordCredential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, email, password_hash, created_at
		 FROM password_credentials
		 WHERE lower(email) = lower($1)`,
		email,
	).Scan(&cred.UserID, &cred.Email, &cred.PasswordHash, &cred.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find password credential: %w", err)
	}

	return cred, nil
}

// UpdatePasswordHash はユーザーのパスワードハッシュを置き換える。
func (r *PostgresCredentialRepo) UpdatePasswordHash(ctx context.Context, userID string, hash []byte) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE password_credentials SET password_hash = $2 WHERE user_id = $1`,
		userID, hash,
	)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
