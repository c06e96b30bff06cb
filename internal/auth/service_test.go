package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/trigardening/internal/model"
	"github.com/hitoshi/trigardening/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn        func(ctx context.Context, email string) (*model.User, error)
	createWithIdentityFn func(ctx context.Context, user *model.User, identity *model.Identity) error
	createWithPasswordFn func(ctx context.Context, user *model.User, identity *model.Identity, cred *model.PasswordCredential) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	if m.createWithIdentityFn != nil {
		return m.createWithIdentityFn(ctx, user, identity)
	}
	return nil
}

func (m *mockUserRepo) CreateWithPassword(ctx context.Context, user *model.User, identity *model.Identity, cred *model.PasswordCredential) error {
	if m.createWithPasswordFn != nil {
		return m.createWithPasswordFn(ctx, user, identity, cred)
	}
	return nil
}

func (m *mockUserRepo) DeleteByID(_ context.Context, _ string) error {
	return nil
}

type mockIdentityRepo struct {
	findByProviderFn func(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	linkFn           func(ctx context.Context, identity *model.Identity) error
}

func (m *mockIdentityRepo) ListByUserID(_ context.Context, _ string) ([]model.Identity, error) {
	return nil, nil
}

func (m *mockIdentityRepo) Link(ctx context.Context, identity *model.Identity) error {
	if m.linkFn != nil {
		return m.linkFn(ctx, identity)
	}
	return nil
}

func (m *mockIdentityRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
	if m.findByProviderFn != nil {
		return m.findByProviderFn(ctx, provider, providerUserID)
	}
	return nil, nil
}

type mockCredentialRepo struct {
	findByEmailFn        func(ctx context.Context, email string) (*model.PasswordCredential, error)
	updatePasswordHashFn func(ctx context.Context, userID string, hash []byte) error
}

func (m *mockCredentialRepo) FindByEmail(ctx context.Context, email string) (*model.PasswordCredential, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockCredentialRepo) UpdatePasswordHash(ctx context.Context, userID string, hash []byte) error {
	if m.updatePasswordHashFn != nil {
		return m.updatePasswordHashFn(ctx, userID, hash)
	}
	return nil
}

type mockSessionRepo struct {
	createFn         func(ctx context.Context, session *model.Session) error
	findByIDFn       func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn     func(ctx context.Context, id string) error
	deleteByUserIDFn func(ctx context.Context, userID string) (int64, error)
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return 0, nil
}

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

type mockEventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (m *mockEventRecorder) RecordAuthEvent(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.IdentityRepository = (*mockIdentityRepo)(nil)
var _ repository.CredentialRepository = (*mockCredentialRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)

// testDeps はテスト用の依存をまとめる。
type testDeps struct {
	oauth    *mockOAuthProvider
	users    *mockUserRepo
	idents   *mockIdentityRepo
	creds    *mockCredentialRepo
	sessions *mockSessionRepo
	recorder *mockEventRecorder
}

func newTestService(d *testDeps) *Service {
	if d.oauth == nil {
		d.oauth = &mockOAuthProvider{}
	}
	if d.users == nil {
		d.users = &mockUserRepo{}
	}
	if d.idents == nil {
		d.idents = &mockIdentityRepo{}
	}
	if d.creds == nil {
		d.creds = &mockCredentialRepo{}
	}
	if d.sessions == nil {
		d.sessions = &mockSessionRepo{}
	}
	if d.recorder == nil {
		d.recorder = &mockEventRecorder{}
	}
	return NewService(d.oauth, d.users, d.idents, d.creds, d.sessions, d.recorder, ServiceConfig{
		SessionMaxAge: 86400,
		BcryptCost:    bcrypt.MinCost,
	})
}

// apiErrorCode はエラーが*model.APIErrorの場合にそのコードを返す。
func apiErrorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// --- テスト: OAuth ---

func TestGetLoginURL_ReturnsOAuthURL(t *testing.T) {
	svc := newTestService(&testDeps{oauth: &mockOAuthProvider{
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}})

	got := svc.GetLoginURL("test-state")
	want := "https://accounts.google.com/o/oauth2/auth?state=test-state"
	if got != want {
		t.Errorf("GetLoginURL() = %q, want %q", got, want)
	}
}

func TestHandleCallback_NewUser_CreatesUserAndIdentityAndSession(t *testing.T) {
	var createdUser *model.User
	var createdIdentity *model.Identity
	var createdSession *model.Session

	d := &testDeps{
		oauth: &mockOAuthProvider{
			exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
				return &OAuthUserInfo{
					ProviderUserID: "google-user-123",
					Email:          "gardener@example.com",
					Name:           "Green Thumb",
					PhotoURL:       "https://lh3.googleusercontent.com/a/photo.jpg",
					Provider:       ProviderGoogle,
				}, nil
			},
		},
		users: &mockUserRepo{
			createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
				createdUser = user
				createdIdentity = identity
				return nil
			},
		},
		sessions: &mockSessionRepo{
			createFn: func(ctx context.Context, session *model.Session) error {
				createdSession = session
				return nil
			},
		},
	}
	svc := newTestService(d)

	var events []Event
	svc.Subscribe(func(e Event) { events = append(events, e) })

	session, err := svc.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// ユーザーが作成されていること
	if createdUser == nil || createdUser.Email != "gardener@example.com" || createdUser.PhotoURL == "" {
		t.Fatalf("created user = %+v", createdUser)
	}
	// identityがユーザーに紐付いていること
	if createdIdentity.UserID != createdUser.ID || createdIdentity.Provider != ProviderGoogle {
		t.Errorf("identity = %+v", createdIdentity)
	}
	// セッションが発行されていること
	if session == nil || createdSession == nil || session.UserID != createdUser.ID {
		t.Fatalf("session = %+v", session)
	}
	if createdSession.Provider != ProviderGoogle {
		t.Errorf("session provider = %q, want %q", createdSession.Provider, ProviderGoogle)
	}
	if got := session.ExpiresAt.Sub(session.CreatedAt); got != 24*time.Hour {
		t.Errorf("session lifetime = %v, want 24h", got)
	}
	// サインアップイベントが通知されること
	if len(events) != 1 || events[0].Kind != EventSignedUp || events[0].UserID != createdUser.ID {
		t.Errorf("events = %+v", events)
	}
}

func TestHandleCallback_ExistingUser_LogsIn(t *testing.T) {
	createCalled := false
	d := &testDeps{
		oauth: &mockOAuthProvider{
			exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
				return &OAuthUserInfo{ProviderUserID: "google-user-123", Provider: ProviderGoogle}, nil
			},
		},
		idents: &mockIdentityRepo{
			findByProviderFn: func(ctx context.Context, provider, providerUserID string) (*model.Identity, error) {
				if provider != ProviderGoogle || providerUserID != "google-user-123" {
					t.Errorf("unexpected lookup: %s/%s", provider, providerUserID)
				}
				return &model.Identity{UserID: "existing-user"}, nil
			},
		},
		users: &mockUserRepo{
			createWithIdentityFn: func(ctx context.Context, user *model.User, identity *model.Identity) error {
				createCalled = true
				return nil
			},
		},
	}
	svc := newTestService(d)

	var got []Event
	svc.Subscribe(func(e Event) { got = append(got, e) })

	session, err := svc.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.UserID != "existing-user" {
		t.Errorf("UserID = %q", session.UserID)
	}
	if createCalled {
		t.Error("既存ユーザーでは CreateWithIdentity を呼ぶべきではない")
	}
	if len(got) != 1 || got[0].Kind != EventSignedIn || got[0].Provider != ProviderGoogle {
		t.Errorf("events = %+v", got)
	}
}

func TestHandleCallback_VerifiedEmailLinksExistingUser(t *testing.T) {
	tests := []struct {
		name       string
		verified   bool
		wantLinked bool
		wantKind   EventKind
	}{
		{"確認済みメールは既存ユーザーに紐付け", true, true, EventSignedIn},
		{"未確認メールは別ユーザーとして作成", false, false, EventSignedUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var linked *model.Identity
			created := false
			d := &testDeps{
				oauth: &mockOAuthProvider{exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
					return &OAuthUserInfo{
						ProviderUserID: "google-user-9",
						Email:          "gardener@example.com",
						EmailVerified:  tt.verified,
						Provider:       ProviderGoogle,
					}, nil
				}},
				users: &mockUserRepo{
					findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
						return &model.User{ID: "password-user", Email: email}, nil
					},
					createWithIdentityFn: func(ctx context.Context, u *model.User, i *model.Identity) error {
						created = true
						return nil
					},
				},
				idents: &mockIdentityRepo{linkFn: func(ctx context.Context, i *model.Identity) error {
					linked = i
					return nil
				}},
			}
			svc := newTestService(d)

			var events []Event
			svc.Subscribe(func(e Event) { events = append(events, e) })

			session, err := svc.HandleCallback(context.Background(), "auth-code")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (linked != nil) != tt.wantLinked || created == tt.wantLinked {
				t.Fatalf("linked = %+v, created = %v", linked, created)
			}
			if tt.wantLinked {
				if session.UserID != "password-user" || linked.UserID != "password-user" || linked.ProviderUserID != "google-user-9" {
					t.Errorf("session = %+v, linked = %+v", session, linked)
				}
			}
			if len(events) != 1 || events[0].Kind != tt.wantKind {
				t.Errorf("events = %+v, want kind %q", events, tt.wantKind)
			}
		})
	}
}

func TestHandleCallback_Errors(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name string
		deps *testDeps
	}{
		{
			name: "コード交換失敗",
			deps: &testDeps{oauth: &mockOAuthProvider{
				exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) { return nil, errBoom },
			}},
		},
		{
			name: "identity検索失敗",
			deps: &testDeps{
				oauth: &mockOAuthProvider{exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
					return &OAuthUserInfo{ProviderUserID: "x", Provider: ProviderGoogle}, nil
				}},
				idents: &mockIdentityRepo{findByProviderFn: func(ctx context.Context, p, id string) (*model.Identity, error) {
					return nil, errBoom
				}},
			},
		},
		{
			name: "identity紐付け失敗",
			deps: &testDeps{
				oauth: &mockOAuthProvider{exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
					return &OAuthUserInfo{ProviderUserID: "x", Email: "a@example.com", EmailVerified: true, Provider: ProviderGoogle}, nil
				}},
				users: &mockUserRepo{findByEmailFn: func(ctx context.Context, email string) (*model.User, error) {
					return &model.User{ID: "u1"}, nil
				}},
				idents: &mockIdentityRepo{linkFn: func(ctx context.Context, i *model.Identity) error { return errBoom }},
			},
		},
		{
			name: "セッション作成失敗",
			deps: &testDeps{
				oauth: &mockOAuthProvider{exchangeCodeFn: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
					return &OAuthUserInfo{ProviderUserID: "x", Provider: ProviderGoogle}, nil
				}},
				sessions: &mockSessionRepo{createFn: func(ctx context.Context, s *model.Session) error { return errBoom }},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(tt.deps)
			if _, err := svc.HandleCallback(context.Background(), "code"); !errors.Is(err, errBoom) {
				t.Errorf("err = %v, want wrapped errBoom", err)
			}
		})
	}
}

// --- テスト: パスワード認証 ---

func TestSignup_ValidationOrder(t *testing.T) {
	tests := []struct {
		name     string
		input    SignupInput
		wantCode string
	}{
		{
			name:     "確認用パスワード不一致が最優先",
			input:    SignupInput{Email: "not-an-email", Password: "abc", ConfirmPassword: "abd"},
			wantCode: model.ErrCodePasswordMismatch,
		},
		{
			name:     "6文字未満は弱いパスワード",
			input:    SignupInput{Email: "not-an-email", Password: "abc12", ConfirmPassword: "abc12"},
			wantCode: model.ErrCodeWeakPassword,
		},
		{
			name:     "メールアドレス形式不正",
			input:    SignupInput{Email: "not-an-email", Password: "abc123", ConfirmPassword: "abc123"},
			wantCode: model.ErrCodeInvalidEmail,
		},
		{
			name:     "写真URLがhttpsでない",
			input:    SignupInput{Email: "a@example.com", Password: "abc123", ConfirmPassword: "abc123", PhotoURL: "http://example.com/a.jpg"},
			wantCode: model.ErrCodeInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created := false
			svc := newTestService(&testDeps{users: &mockUserRepo{
				createWithPasswordFn: func(ctx context.Context, u *model.User, i *model.Identity, c *model.PasswordCredential) error {
					created = true
					return nil
				},
			}})

			_, err := svc.Signup(context.Background(), tt.input)
			if got := apiErrorCode(err); got != tt.wantCode {
				t.Errorf("code = %q, want %q (err=%v)", got, tt.wantCode, err)
			}
			if created {
				t.Error("入力エラー時にユーザーを作成してはならない")
			}
		})
	}
}

func TestSignup_Success_StoresHashedPassword(t *testing.T) {
	var gotUser *model.User
	var gotIdentity *model.Identity
	var gotCred *model.PasswordCredential
	rec := &mockEventRecorder{}

	svc := newTestService(&testDeps{
		recorder: rec,
		users: &mockUserRepo{
			createWithPasswordFn: func(ctx context.Context, u *model.User, i *model.Identity, c *model.PasswordCredential) error {
				gotUser, gotIdentity, gotCred = u, i, c
				return nil
			},
		},
	})

	session, err := svc.Signup(context.Background(), SignupInput{
		Email:           " Fern@Example.com ",
		Password:        "secret1",
		ConfirmPassword: "secret1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotUser.Email != "Fern@Example.com" || gotUser.Name != "Fern" {
		t.Errorf("user = %+v", gotUser)
	}
	if gotIdentity.Provider != ProviderPassword || gotIdentity.ProviderUserID != "fern@example.com" {
		t.Errorf("identity = %+v", gotIdentity)
	}
	if string(gotCred.PasswordHash) == "secret1" {
		t.Fatal("パスワードを平文で保存してはならない")
	}
	if err := bcrypt.CompareHashAndPassword(gotCred.PasswordHash, []byte("secret1")); err != nil {
		t.Errorf("hash does not match password: %v", err)
	}
	if session.UserID != gotUser.ID || session.Provider != ProviderPassword {
		t.Errorf("session = %+v, want user %q via password", session, gotUser.ID)
	}
	if len(rec.events) != 1 || rec.events[0] != string(EventSignedUp) {
		t.Errorf("recorded events = %v", rec.events)
	}
}

func TestSignup_EmailTaken(t *testing.T) {
	svc := newTestService(&testDeps{users: &mockUserRepo{
		createWithPasswordFn: func(ctx context.Context, u *model.User, i *model.Identity, c *model.PasswordCredential) error {
			return repository.ErrEmailTaken
		},
	}})

	_, err := svc.Signup(context.Background(), SignupInput{
		Email: "taken@example.com", Password: "secret1", ConfirmPassword: "secret1",
	})
	if got := apiErrorCode(err); got != model.ErrCodeEmailAlreadyInUse {
		t.Errorf("code = %q, want %q", got, model.ErrCodeEmailAlreadyInUse)
	}
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret1"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	creds := &mockCredentialRepo{
		findByEmailFn: func(ctx context.Context, email string) (*model.PasswordCredential, error) {
			if email == "fern@example.com" {
				return &model.PasswordCredential{UserID: "user-1", Email: email, PasswordHash: hash}, nil
			}
			return nil, nil
		},
	}

	tests := []struct {
		name     string
		email    string
		password string
		wantCode string
		wantUser string
	}{
		{name: "成功", email: "fern@example.com", password: "secret1", wantUser: "user-1"},
		{name: "パスワード不一致", email: "fern@example.com", password: "wrong", wantCode: model.ErrCodeInvalidCredentials},
		{name: "未登録メールアドレス", email: "nobody@example.com", password: "secret1", wantCode: model.ErrCodeInvalidCredentials},
		{name: "メールアドレス形式不正", email: "fern", password: "secret1", wantCode: model.ErrCodeInvalidEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(&testDeps{creds: creds})
			var events []Event
			svc.Subscribe(func(e Event) { events = append(events, e) })

			session, err := svc.Login(context.Background(), tt.email, tt.password)
			if tt.wantCode != "" {
				if got := apiErrorCode(err); got != tt.wantCode {
					t.Errorf("code = %q, want %q (err=%v)", got, tt.wantCode, err)
				}
				if len(events) != 0 {
					t.Errorf("失敗時にイベントを通知してはならない: %+v", events)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if session.UserID != tt.wantUser {
				t.Errorf("UserID = %q, want %q", session.UserID, tt.wantUser)
			}
			if len(events) != 1 || events[0].Kind != EventSignedIn || events[0].Provider != ProviderPassword {
				t.Errorf("events = %+v", events)
			}
		})
	}
}

// --- テスト: ログアウト・現在のユーザー ---

func TestLogout_DeletesSessionAndNotifies(t *testing.T) {
	var deletedID string
	svc := newTestService(&testDeps{sessions: &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-1", Provider: ProviderPassword}, nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			deletedID = id
			return nil
		},
	}})
	var events []Event
	svc.Subscribe(func(e Event) { events = append(events, e) })

	if err := svc.Logout(context.Background(), "session-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deletedID != "session-1" {
		t.Errorf("deleted = %q", deletedID)
	}
	if len(events) != 1 || events[0].Kind != EventSignedOut || events[0].UserID != "user-1" || events[0].Provider != ProviderPassword {
		t.Errorf("events = %+v", events)
	}
}

func TestLogout_EmptySessionID(t *testing.T) {
	svc := newTestService(&testDeps{})
	if err := svc.Logout(context.Background(), ""); err == nil {
		t.Error("空のセッションIDはエラーになるべき")
	}
}

func TestCurrentUser(t *testing.T) {
	user := &model.User{ID: "user-1", Email: "fern@example.com"}
	svc := newTestService(&testDeps{
		sessions: &mockSessionRepo{findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "valid" {
				return &model.Session{ID: id, UserID: "user-1"}, nil
			}
			return nil, nil
		}},
		users: &mockUserRepo{findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return user, nil
		}},
	})

	tests := []struct {
		name      string
		sessionID string
		want      *model.User
	}{
		{"有効なセッション", "valid", user},
		{"期限切れまたは不明なセッション", "expired", nil},
		{"未ログイン", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.CurrentUser(context.Background(), tt.sessionID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CurrentUser() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	svc := newTestService(&testDeps{sessions: &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-1"}, nil
		},
	}})

	count := 0
	unsubscribe := svc.Subscribe(func(Event) { count++ })

	_ = svc.Logout(context.Background(), "s1")
	unsubscribe()
	unsubscribe() // 2回呼んでも安全
	_ = svc.Logout(context.Background(), "s2")

	if count != 1 {
		t.Errorf("listener called %d times, want 1", count)
	}
}
