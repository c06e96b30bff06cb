// Package user はサインイン済み利用者のプロフィールと退会を扱う。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/trigardening/internal/model"
	"github.com/hitoshi/trigardening/internal/repository"
)

// Service はプロフィール取得と退会のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
}

// NewService はServiceを生成する。identRepoとsessionRepoはnilでもよい。
func NewService(userRepo repository.UserRepository, identRepo repository.IdentityRepository, sessionRepo repository.SessionRepository) *Service {
	return &Service{
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
	}
}

// Profile はユーザーと、紐付いているサインイン方法の一覧を返す。
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.identRepo == nil {
		return u, nil
	}

	idents, err := s.identRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("サインイン方法の取得に失敗しました: %w", err)
	}
	u.Providers = make([]string, 0, len(idents))
	for _, ident := range idents {
		u.Providers = append(u.Providers, ident.Provider)
	}
	return u, nil
}

func (s *Service) find(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}

// Withdraw は退会処理を行う。
// 全セッションを失効させてからユーザーを削除する（identities, password_credentialsはCASCADE）。
// カートはデバイス単位の保存枠なので残す。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	if _, err := s.find(ctx, userID); err != nil {
		return err
	}

	var revoked int64
	if s.sessionRepo != nil {
		n, err := s.sessionRepo.DeleteByUserID(ctx, userID)
		if err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
		revoked = n
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("user withdrawn",
		slog.String("user_id", userID),
		slog.Int64("revoked_sessions", revoked),
	)
	return nil
}
