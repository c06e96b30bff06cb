// Package auth はOAuth・パスワード認証フローとセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/trigardening/internal/model"
	"github.com/hitoshi/trigardening/internal/repository"
)

// 認証プロバイダー名。
const (
	ProviderGoogle   = "google"
	ProviderPassword = "password"
)

const (
	// DefaultMinPasswordLength はパスワードの最小文字数の既定値。
	DefaultMinPasswordLength = 6
	// maxPasswordBytes はbcryptが扱える最大バイト数。
	maxPasswordBytes = 72
)

// EventKind は認証状態の遷移の種類。
type EventKind string

// 認証イベントの種類。
const (
	EventSignedIn  EventKind = "signed_in"
	EventSignedUp  EventKind = "signed_up"
	EventSignedOut EventKind = "signed_out"
)

// Event は認証状態の遷移を表す。Subscribeで登録したリスナーに通知される。
type Event struct {
	Kind     EventKind
	UserID   string
	Provider string
	At       time.Time
}

// Listener は認証イベントを受け取るコールバック。
type Listener func(Event)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	PhotoURL       string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// EventRecorder は認証イベントのメトリクス記録のインターフェース。
type EventRecorder interface {
	RecordAuthEvent(event string)
}

// SignupInput はパスワード認証のサインアップ入力。
type SignupInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	Name            string `json:"name"`
	PhotoURL        string `json:"photoUrl"`
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge     int // セッション有効期間（秒）
	MinPasswordLength int // パスワードの最小文字数（0の場合はDefaultMinPasswordLength）
	BcryptCost        int // bcryptのコスト（0の場合はbcrypt.DefaultCost）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	credRepo    repository.CredentialRepository
	sessionRepo repository.SessionRepository
	recorder    EventRecorder
	config      ServiceConfig
	validate    *validator.Validate
	now         func() time.Time

	// パスワード再設定（EnablePasswordResetで設定）
	resetRepo   repository.PasswordResetRepository
	mailer      MailSender
	resetConfig PasswordResetConfig

	// dummyHash は存在しないメールアドレスでのログイン時にも比較処理を行うためのハッシュ
	dummyHash []byte

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	credRepo repository.CredentialRepository,
	sessionRepo repository.SessionRepository,
	recorder EventRecorder,
	config ServiceConfig,
) *Service {
	if config.MinPasswordLength <= 0 {
		config.MinPasswordLength = DefaultMinPasswordLength
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("trigardening-dummy"), config.BcryptCost)

	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		credRepo:    credRepo,
		sessionRepo: sessionRepo,
		recorder:    recorder,
		config:      config,
		validate:    validator.New(),
		now:         time.Now,
		dummyHash:   dummy,
		listeners:   make(map[int]Listener),
	}
}

// Subscribe は認証イベントのリスナーを登録し、登録解除関数を返す。
func (s *Service) Subscribe(fn Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 紐付け済みのidentityがあればそのユーザーでサインインする。
// 無ければ、確認済みメールアドレスが既存ユーザーと一致する場合はidentityを追加で紐付け、
// それ以外はユーザーとidentityを新規作成する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. サインイン先のユーザーを決める
	userID, kind, err := s.resolveOAuthUser(ctx, userInfo)
	if err != nil {
		return nil, err
	}

	// 3. セッションを発行
	session, err := s.createSession(ctx, userID, userInfo.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("oauth sign-in completed",
		slog.String("user_id", userID),
		slog.String("provider", userInfo.Provider),
		slog.String("event", string(kind)),
	)
	s.emit(Event{Kind: kind, UserID: userID, Provider: userInfo.Provider})
	return session, nil
}

// resolveOAuthUser はOAuthプロフィールに対応するユーザーIDを返す。必要ならユーザーを作成する。
func (s *Service) resolveOAuthUser(ctx context.Context, info *OAuthUserInfo) (string, EventKind, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return "", "", fmt.Errorf("failed to find identity: %w", err)
	}
	if identity != nil {
		return identity.UserID, EventSignedIn, nil
	}

	if info.EmailVerified && info.Email != "" {
		existing, err := s.userRepo.FindByEmail(ctx, info.Email)
		if err != nil {
			return "", "", fmt.Errorf("failed to find user by email: %w", err)
		}
		if existing != nil {
			link := &model.Identity{
				ID:             uuid.New().String(),
				UserID:         existing.ID,
				Provider:       info.Provider,
				ProviderUserID: info.ProviderUserID,
				CreatedAt:      s.now(),
			}
			if err := s.identRepo.Link(ctx, link); err != nil {
				return "", "", fmt.Errorf("failed to link identity: %w", err)
			}
			return existing.ID, EventSignedIn, nil
		}
	}

	user, newIdentity := s.newUser(info.Email, info.Name, info.PhotoURL, info.Provider, info.ProviderUserID)
	if err := s.userRepo.CreateWithIdentity(ctx, user, newIdentity); err != nil {
		return "", "", fmt.Errorf("failed to create user and identity: %w", err)
	}
	return user.ID, EventSignedUp, nil
}

// Signup はメールアドレスとパスワードでアカウントを作成し、セッションを発行する。
// 入力エラーは*model.APIErrorとして返す。
func (s *Service) Signup(ctx context.Context, in SignupInput) (*model.Session, error) {
	email := strings.TrimSpace(in.Email)

	// 1. 入力検証（確認用パスワード、長さ、メールアドレス形式の順）
	if in.Password != in.ConfirmPassword {
		return nil, model.NewPasswordMismatchError()
	}
	if len([]rune(in.Password)) < s.config.MinPasswordLength {
		return nil, model.NewWeakPasswordError(s.config.MinPasswordLength)
	}
	if len(in.Password) > maxPasswordBytes {
		return nil, model.NewInvalidParameterError(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, model.NewInvalidEmailError()
	}
	if in.PhotoURL != "" {
		if err := s.validate.Var(in.PhotoURL, "url,startswith=https://"); err != nil {
			return nil, model.NewInvalidParameterError("photoUrl must be an https URL")
		}
	}

	// 2. パスワードをハッシュ化
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	// 3. ユーザー・identity・資格情報を作成
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = email[:strings.Index(email, "@")]
	}
	user, identity := s.newUser(email, name, in.PhotoURL, ProviderPassword, strings.ToLower(email))
	credential := &model.PasswordCredential{
		UserID:       user.ID,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    user.CreatedAt,
	}
	if err := s.userRepo.CreateWithPassword(ctx, user, identity, credential); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, model.NewEmailAlreadyInUseError()
		}
		return nil, fmt.Errorf("failed to create user with password: %w", err)
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, user.ID, ProviderPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("new user signed up", slog.String("user_id", user.ID), slog.String("provider", ProviderPassword))
	s.emit(Event{Kind: EventSignedUp, UserID: user.ID, Provider: ProviderPassword})
	return session, nil
}

// Login はメールアドレスとパスワードで認証し、セッションを発行する。
// メールアドレスの未登録とパスワード不一致は区別せずINVALID_CREDENTIALSを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*model.Session, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, model.NewInvalidEmailError()
	}

	cred, err := s.credRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	hash := s.dummyHash
	if cred != nil {
		hash = cred.PasswordHash
	}
	// 未登録の場合も比較を行い応答時間を揃える
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || cred == nil {
		s.record("login_failed")
		return nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, cred.UserID, ProviderPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in", slog.String("user_id", cred.UserID), slog.String("provider", ProviderPassword))
	s.emit(Event{Kind: EventSignedIn, UserID: cred.UserID, Provider: ProviderPassword})
	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	// 期限切れセッションの破棄は状態遷移として通知しない
	if session != nil {
		slog.Info("user logged out", slog.String("user_id", session.UserID), slog.String("provider", session.Provider))
		s.emit(Event{Kind: EventSignedOut, UserID: session.UserID, Provider: session.Provider})
	}
	return nil
}

// CurrentUser はセッションから現在のユーザーを取得する。
// 未ログイン・期限切れ・ユーザー削除済みの場合はnilを返す。
func (s *Service) CurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// newUser は新規ユーザーとidentityを生成する。
func (s *Service) newUser(email, name, photoURL, provider, providerUserID string) (*model.User, *model.Identity) {
	now := s.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		PhotoURL:  photoURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		CreatedAt:      now,
	}
	return user, identity
}

// createSession はサインイン方法を記録したセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID, provider string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		Provider:  provider,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// emit はメトリクスを記録し、登録済みリスナーへイベントを通知する。
func (s *Service) emit(e Event) {
	e.At = s.now()
	s.record(string(e.Kind))

	s.listenersMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

func (s *Service) record(event string) {
	if s.recorder != nil {
		s.recorder.RecordAuthEvent(event)
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
