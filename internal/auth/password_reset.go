package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/trigardening/internal/model"
	"github.com/hitoshi/trigardening/internal/repository"
)

// DefaultPasswordResetTTL はパスワード再設定リンクの有効期間の既定値。
const DefaultPasswordResetTTL = time.Hour

// MailSender はパスワード再設定メールの送信インターフェース。
type MailSender interface {
	SendPasswordReset(ctx context.Context, to, resetURL string) error
}

// PasswordResetConfig はパスワード再設定の設定。
type PasswordResetConfig struct {
	ResetURL string        // メールに記載するリンクのベースURL。tokenクエリが付与される
	TTL      time.Duration // 0の場合はDefaultPasswordResetTTL
}

// ResetPasswordInput は新しいパスワードの設定入力。
type ResetPasswordInput struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// EnablePasswordReset はパスワード再設定を有効にする。未設定の場合は再設定操作がエラーになる。
func (s *Service) EnablePasswordReset(resets repository.PasswordResetRepository, mailer MailSender, cfg PasswordResetConfig) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultPasswordResetTTL
	}
	s.resetRepo = resets
	s.mailer = mailer
	s.resetConfig = cfg
}

// PasswordResetEnabled はパスワード再設定が有効かを返す。
func (s *Service) PasswordResetEnabled() bool {
	return s.resetRepo != nil && s.mailer != nil
}

// RequestPasswordReset はパスワード再設定メールを送信する。
// 登録有無を推測されないよう、パスワード資格情報のないメールアドレスでも成功として扱う。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	if !s.PasswordResetEnabled() {
		return errors.New("password reset is not configured")
	}

	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return model.NewInvalidEmailError()
	}

	cred, err := s.credRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find credential: %w", err)
	}
	if cred == nil {
		s.record("password_reset_unknown_email")
		return nil
	}

	// 1. トークンを発行し、ハッシュだけを保存
	token, err := generateSessionID()
	if err != nil {
		return fmt.Errorf("failed to generate reset token: %w", err)
	}
	now := s.now()
	reset := &model.PasswordReset{
		TokenHash: hashToken(token),
		UserID:    cred.UserID,
		ExpiresAt: now.Add(s.resetConfig.TTL),
		CreatedAt: now,
	}
	if err := s.resetRepo.Replace(ctx, reset); err != nil {
		return fmt.Errorf("failed to save reset token: %w", err)
	}

	// 2. メール送信
	link, err := resetLink(s.resetConfig.ResetURL, token)
	if err != nil {
		return err
	}
	if err := s.mailer.SendPasswordReset(ctx, cred.Email, link); err != nil {
		return fmt.Errorf("failed to send password reset mail: %w", err)
	}

	slog.Info("password reset requested", slog.String("user_id", cred.UserID))
	s.record("password_reset_requested")
	return nil
}

// ResetPassword はトークンを検証して新しいパスワードを設定し、既存セッションをすべて破棄する。
// トークンは1回だけ使える。
func (s *Service) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	if !s.PasswordResetEnabled() {
		return errors.New("password reset is not configured")
	}

	// 1. 入力検証
	if in.Password != in.ConfirmPassword {
		return model.NewPasswordMismatchError()
	}
	if len([]rune(in.Password)) < s.config.MinPasswordLength {
		return model.NewWeakPasswordError(s.config.MinPasswordLength)
	}
	if len(in.Password) > maxPasswordBytes {
		return model.NewInvalidParameterError(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	if in.Token == "" {
		return model.NewInvalidResetTokenError()
	}

	// 2. トークンを消費
	userID, err := s.resetRepo.Consume(ctx, hashToken(in.Token), s.now())
	if err != nil {
		return fmt.Errorf("failed to consume reset token: %w", err)
	}
	if userID == "" {
		s.record("password_reset_invalid_token")
		return model.NewInvalidResetTokenError()
	}

	// 3. パスワードを更新
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.credRepo.UpdatePasswordHash(ctx, userID, hash); err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			return model.NewInvalidResetTokenError()
		}
		return fmt.Errorf("failed to update password: %w", err)
	}

	// 4. 他の端末のセッションを破棄
	revoked, err := s.sessionRepo.DeleteByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	slog.Info("password reset completed",
		slog.String("user_id", userID),
		slog.Int64("revoked_sessions", revoked),
	)
	s.record("password_reset_completed")
	return nil
}

// hashToken は再設定トークンの保存用ハッシュを返す。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// resetLink はベースURLにtokenクエリを付与する。
func resetLink(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid password reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SMTPConfig はSMTPメール送信の設定。
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string // 空の場合は認証しない
	Password string
}

// SMTPMailSender はSMTPでパスワード再設定メールを送るMailSender。
type SMTPMailSender struct {
	config SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailSender はSMTPMailSenderを生成する。
func NewSMTPMailSender(config SMTPConfig) *SMTPMailSender {
	return &SMTPMailSender{config: config, send: smtp.SendMail}
}

// SendPasswordReset は再設定リンクを記載したメールを送信する。
func (m *SMTPMailSender) SendPasswordReset(ctx context.Context, to, resetURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("invalid recipient address")
	}

	var a smtp.Auth
	if m.config.Username != "" {
		host, _, _ := strings.Cut(m.config.Addr, ":")
		a = smtp.PlainAuth("", m.config.Username, m.config.Password, host)
	}
	if err := m.send(m.config.Addr, a, m.config.From, []string{to}, passwordResetMessage(m.config.From, to, resetURL)); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", m.config.Addr, err)
	}
	return nil
}

// passwordResetMessage はパスワード再設定メールの本文を組み立てる。
func passwordResetMessage(from, to, resetURL string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: Reset your TriGardening password\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString("We received a request to reset your password.\r\n")
	b.WriteString("Open the link below to choose a new one:\r\n\r\n")
	b.WriteString(resetURL + "\r\n\r\n")
	b.WriteString("If you did not ask for this, you can ignore this email.\r\n")
	return []byte(b.String())
}
