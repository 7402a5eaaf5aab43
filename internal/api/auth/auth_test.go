package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/config"
	"github.com/Manasess896/driver-for-hire/internal/model"
	"github.com/Manasess896/driver-for-hire/internal/pkg/metrics"
	"github.com/Manasess896/driver-for-hire/internal/pkg/token"
	"github.com/Manasess896/driver-for-hire/internal/pkg/verifycode"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	sqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type capturingNotifier struct {
	codes      map[string]string
	resetLinks map[string]string
	fail       bool
}

func newCapturingNotifier() *capturingNotifier {
	return &capturingNotifier{codes: map[string]string{}, resetLinks: map[string]string{}}
}

func (n *capturingNotifier) SendVerificationCode(toEmail, code string) error {
	if n.fail {
		return errSMTP
	}
	n.codes[toEmail] = code
	return nil
}

func (n *capturingNotifier) SendPasswordReset(toEmail, name, resetLink string) error {
	if n.fail {
		return errSMTP
	}
	n.resetLinks[toEmail] = resetLink
	return nil
}

func (n *capturingNotifier) SendRecoveryNotice(toEmail, archiveID string, deletedAt time.Time) error {
	return nil
}

var errSMTP = errors.New("smtp unreachable")

type stubBlocker struct {
	days    int
	blocked bool
}

func (b *stubBlocker) BlockedDays(ctx context.Context, email string) (int, bool, error) {
	return b.days, b.blocked, nil
}

type testEnv struct {
	handler  *Handler
	db       *gorm.DB
	notifier *capturingNotifier
	blocker  *stubBlocker
	tokens   *token.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifyCfg := config.VerifyConfig{
		CodeTTL:        5 * time.Minute,
		ResendCooldown: 30 * time.Minute,
		RequestWindow:  10 * time.Hour,
		MaxRequests:    20,
	}
	sec := config.SecurityConfig{
		JWTSecret:     "test-secret",
		TokenTTL:      5 * time.Minute,
		ResetTokenTTL: time.Hour,
	}

	tokens := token.NewManager(sec.JWTSecret, sec.TokenTTL)
	codes := verifycode.NewIssuer(verifycode.NewRedisStore(rdb), logger, verifyCfg)
	notifier := newCapturingNotifier()
	blocker := &stubBlocker{}

	return &testEnv{
		handler:  NewHandler(db, tokens, codes, notifier, blocker, sec, "http://localhost:8080", logger),
		db:       db,
		notifier: notifier,
		blocker:  blocker,
		tokens:   tokens,
	}
}

func (e *testEnv) post(t *testing.T, handler gin.HandlerFunc, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	c.Request.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	handler(c)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return body
}

func TestRegisterAndVerifyFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.post(t, env.handler.Register, gin.H{
		"email":    "jane@example.com",
		"name":     "Jane",
		"password": "secret123",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["token"] == "" || body["token"] == nil {
		t.Fatal("register response missing token")
	}

	var user model.User
	if err := env.db.Where("email = ?", "jane@example.com").First(&user).Error; err != nil {
		t.Fatalf("user not persisted: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("secret123")); err != nil {
		t.Fatalf("stored password not a bcrypt hash of input: %v", err)
	}

	code := env.notifier.codes["jane@example.com"]
	if code == "" {
		t.Fatal("verification code not delivered")
	}

	w = env.post(t, env.handler.VerifyEmailCode, gin.H{
		"email": "jane@example.com",
		"code":  code,
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)
	tok, _ := body["token"].(string)
	if tok == "" {
		t.Fatal("verify response missing token")
	}
	email, err := env.tokens.Validate(tok)
	if err != nil || email != "jane@example.com" {
		t.Fatalf("issued token invalid: email=%q err=%v", email, err)
	}

	// 验证码单次有效。
	w = env.post(t, env.handler.VerifyEmailCode, gin.H{
		"email": "jane@example.com",
		"code":  code,
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replayed code status = %d, want 400", w.Code)
	}
}

func TestRegisterNotifierFailureKeepsUser(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.fail = true

	w := env.post(t, env.handler.Register, gin.H{
		"email":    "jane@example.com",
		"name":     "Jane",
		"password": "secret123",
	}, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	// 邮件失败不回滚已写入的用户，resend 仍可补发验证码。
	var user model.User
	if err := env.db.Where("email = ?", "jane@example.com").First(&user).Error; err != nil {
		t.Fatalf("user rolled back after notifier failure: %v", err)
	}

	env.notifier.fail = false
	w = env.post(t, env.handler.RequestVerificationCode, gin.H{"email": "jane@example.com"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resend status = %d, body = %s", w.Code, w.Body.String())
	}
	if env.notifier.codes["jane@example.com"] == "" {
		t.Fatal("resend did not deliver a code")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)

	payload := gin.H{"email": "jane@example.com", "name": "Jane", "password": "secret123"}
	if w := env.post(t, env.handler.Register, payload, nil); w.Code != http.StatusOK {
		t.Fatalf("first register: %d", w.Code)
	}

	w := env.post(t, env.handler.Register, payload, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register status = %d, want 400", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "User already exists." {
		t.Fatalf("message = %q", msg)
	}
}

func TestRegisterBlockedEmail(t *testing.T) {
	env := newTestEnv(t)
	env.blocker.blocked = true
	env.blocker.days = 12

	w := env.post(t, env.handler.Register, gin.H{
		"email":    "jane@example.com",
		"name":     "Jane",
		"password": "secret123",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	msg, _ := decodeBody(t, w)["message"].(string)
	if !containsString(msg, "12 day") {
		t.Fatalf("message %q does not mention remaining days", msg)
	}
}

func TestLoginErrors(t *testing.T) {
	env := newTestEnv(t)

	if w := env.post(t, env.handler.Register, gin.H{
		"email": "jane@example.com", "name": "Jane", "password": "secret123",
	}, nil); w.Code != http.StatusOK {
		t.Fatalf("register: %d", w.Code)
	}

	w := env.post(t, env.handler.Login, gin.H{"email": "nobody@example.com", "password": "secret123"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown email status = %d, want 400", w.Code)
	}

	w = env.post(t, env.handler.Login, gin.H{"email": "jane@example.com", "password": "wrong-password"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", w.Code)
	}

	w = env.post(t, env.handler.Login, gin.H{"email": "jane@example.com", "password": "secret123"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["token"] == nil {
		t.Fatal("login response missing token")
	}
}

func TestRequestVerificationCodeCooldown(t *testing.T) {
	env := newTestEnv(t)

	if w := env.post(t, env.handler.Register, gin.H{
		"email": "jane@example.com", "name": "Jane", "password": "secret123",
	}, nil); w.Code != http.StatusOK {
		t.Fatalf("register: %d", w.Code)
	}

	payload := gin.H{"email": "jane@example.com"}
	w := env.post(t, env.handler.RequestVerificationCode, payload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first resend status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.post(t, env.handler.RequestVerificationCode, payload, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second resend status = %d, want 429", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["retry_after"]; !ok {
		t.Fatalf("429 body missing retry_after: %v", body)
	}
}

func TestRefreshToken(t *testing.T) {
	env := newTestEnv(t)

	if w := env.post(t, env.handler.Register, gin.H{
		"email": "jane@example.com", "name": "Jane", "password": "secret123",
	}, nil); w.Code != http.StatusOK {
		t.Fatalf("register: %d", w.Code)
	}

	signed, err := env.tokens.Issue("jane@example.com")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	w := env.post(t, env.handler.RefreshToken, gin.H{}, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["token"] == nil {
		t.Fatal("refresh response missing token")
	}

	w = env.post(t, env.handler.RefreshToken, gin.H{}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", w.Code)
	}
}

func TestForgotAndResetPassword(t *testing.T) {
	env := newTestEnv(t)

	if w := env.post(t, env.handler.Register, gin.H{
		"email": "jane@example.com", "name": "Jane", "password": "secret123",
	}, nil); w.Code != http.StatusOK {
		t.Fatalf("register: %d", w.Code)
	}

	w := env.post(t, env.handler.ForgotPassword, gin.H{"email": "jane@example.com"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("forgot status = %d, body = %s", w.Code, w.Body.String())
	}
	link := env.notifier.resetLinks["jane@example.com"]
	if link == "" {
		t.Fatal("reset link not delivered")
	}

	// 未注册邮箱不暴露存在性。
	w = env.post(t, env.handler.ForgotPassword, gin.H{"email": "nobody@example.com"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unknown email forgot status = %d, want 200", w.Code)
	}
	if env.notifier.resetLinks["nobody@example.com"] != "" {
		t.Fatal("reset link sent for unknown email")
	}

	resetToken := link[len("http://localhost:8080/reset-password?token="):]
	w = env.post(t, env.handler.ResetPassword, gin.H{
		"token":    resetToken,
		"password": "brand-new-pass",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.post(t, env.handler.Login, gin.H{"email": "jane@example.com", "password": "brand-new-pass"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login with new password status = %d", w.Code)
	}
	w = env.post(t, env.handler.Login, gin.H{"email": "jane@example.com", "password": "secret123"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("login with old password status = %d, want 401", w.Code)
	}
}

func TestResetPasswordBadToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.post(t, env.handler.ResetPassword, gin.H{
		"token":    "not-a-jwt",
		"password": "brand-new-pass",
	}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func containsString(s, sub string) bool {
	return len(s) >= len(sub) && bytes.Contains([]byte(s), []byte(sub))
}
