package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/config"
	"github.com/Manasess896/driver-for-hire/internal/model"
	"github.com/Manasess896/driver-for-hire/internal/pkg/metrics"
	"github.com/Manasess896/driver-for-hire/internal/pkg/notify"
	"github.com/Manasess896/driver-for-hire/internal/pkg/token"
	"github.com/Manasess896/driver-for-hire/internal/pkg/verifycode"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Blocker 回答一个邮箱是否仍被账号级归档封锁。
// 由归档管理器实现。
type Blocker interface {
	BlockedDays(ctx context.Context, email string) (int, bool, error)
}

// Handler 提供注册、登录、邮箱验证与密码重置接口。
type Handler struct {
	db       *gorm.DB
	tokens   *token.Manager
	codes    *verifycode.Issuer
	mailer   notify.Notifier
	blocker  Blocker
	logger   *slog.Logger

	resetTTL     time.Duration
	refreshGrace time.Duration
	publicURL    string
}

// NewHandler 创建 Auth Handler。
func NewHandler(db *gorm.DB, tokens *token.Manager, codes *verifycode.Issuer, mailer notify.Notifier, blocker Blocker, sec config.SecurityConfig, publicURL string, logger *slog.Logger) *Handler {
	return &Handler{
		db:           db,
		tokens:       tokens,
		codes:        codes,
		mailer:       mailer,
		blocker:      blocker,
		logger:       logger,
		resetTTL:     sec.ResetTokenTTL,
		refreshGrace: sec.TokenTTL,
		publicURL:    strings.TrimRight(publicURL, "/"),
	}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type emailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// Register 创建新用户并发送验证码。
// 被归档封锁的邮箱在保留期内不允许重新注册。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	email := normalizeEmail(req.Email)

	if h.rejectBlocked(c, email) {
		return
	}

	var existing model.User
	err := h.db.Where("email = ?", email).First(&existing).Error
	switch {
	case err == nil && existing.Active():
		c.JSON(http.StatusBadRequest, gin.H{"message": "User already exists."})
		return
	case err == nil:
		// 软删除残留但归档已过期：清掉旧行，放行注册。
		if err := h.db.Unscoped().Delete(&existing).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to register user."})
			return
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to register user."})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to register user."})
		return
	}

	user := model.User{
		Email:    email,
		Name:     strings.TrimSpace(req.Name),
		Password: string(hash),
	}
	if err := h.db.Create(&user).Error; err != nil {
		if h.logger != nil {
			h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to register user."})
		return
	}
	metrics.RegistrationsTotal.Inc()

	signed, err := h.tokens.Issue(email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to register user."})
		return
	}

	// 用户已落库；邮件失败只阻止本次响应成功，不回滚注册，
	// 客户端可通过 request-verification-code 重试。
	if err := h.sendCode(c, email); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "User registered but the verification email could not be sent. Please request a new code."})
		return
	}

	if h.logger != nil {
		h.logger.Info("user registered", slog.String("email", email))
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "User registered successfully. Verification code sent to your email.",
		"token":   signed,
	})
}

// Login 校验密码，签发短时令牌并发送登录验证码。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	email := normalizeEmail(req.Email)

	if h.rejectBlocked(c, email) {
		return
	}

	var user model.User
	if err := h.db.Where("email = ?", email).First(&user).Error; err != nil || !user.Active() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid email."})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid password."})
		return
	}

	signed, err := h.tokens.Issue(email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to log in."})
		return
	}

	if err := h.sendCode(c, email); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Logged in but the verification email could not be sent. Please request a new code."})
		return
	}

	if h.logger != nil {
		h.logger.Info("user logged in", slog.String("email", email))
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Login successful. Verification code sent to your email.",
		"token":   signed,
	})
}

// VerifyEmailCode 校验验证码并签发新令牌。
func (h *Handler) VerifyEmailCode(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	email := normalizeEmail(req.Email)

	if err := h.codes.Verify(c.Request.Context(), email, strings.TrimSpace(req.Code)); err != nil {
		switch {
		case errors.Is(err, verifycode.ErrNoCode):
			c.JSON(http.StatusBadRequest, gin.H{"message": "No verification code found. Please request a new code."})
		case errors.Is(err, verifycode.ErrExpired):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Verification code has expired. Please request a new code."})
		case errors.Is(err, verifycode.ErrMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid verification code."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to verify code."})
		}
		return
	}

	signed, err := h.tokens.Issue(email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to verify code."})
		return
	}

	if h.logger != nil {
		h.logger.Info("email verified", slog.String("email", email))
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Email verified successfully.",
		"token":   signed,
	})
}

// RequestVerificationCode 重新发送验证码，受每邮箱冷却与窗口频控约束。
func (h *Handler) RequestVerificationCode(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	email := normalizeEmail(req.Email)

	var user model.User
	if err := h.db.Where("email = ?", email).First(&user).Error; err != nil || !user.Active() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid email."})
		return
	}

	code, err := h.codes.IssueLimited(c.Request.Context(), email)
	if err != nil {
		var rle *verifycode.RateLimitError
		if errors.As(err, &rle) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"message":     "Too many code requests. Please wait before trying again.",
				"retry_after": int(rle.RetryAfter.Seconds()),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to send verification code."})
		return
	}

	if err := h.mailer.SendVerificationCode(email, code); err != nil {
		metrics.NotifierFailuresTotal.Inc()
		if h.logger != nil {
			h.logger.Warn("send verification email failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to send verification email. Please try again."})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Verification code sent to your email."})
}

// RefreshToken 用一个有效或刚过期（宽限期内）的令牌换取新令牌。
// 不在这里挂 AuthMiddleware：中间件会直接拒绝过期令牌，
// 而刷新恰恰要接住它们。
func (h *Handler) RefreshToken(c *gin.Context) {
	raw := bearerToken(c)
	email, err := h.tokens.ValidateWithGrace(raw, h.refreshGrace)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrMissing):
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Missing authorization."})
		case errors.Is(err, token.ErrExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Token expired. Please log in again."})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid token."})
		}
		return
	}

	var user model.User
	if err := h.db.Where("email = ?", email).First(&user).Error; err != nil || !user.Active() {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid token."})
		return
	}

	signed, err := h.tokens.Issue(email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to refresh token."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed})
}

// ForgotPassword 签发重置令牌并把重置链接发送到用户邮箱。
// 为了避免邮箱枚举，查无此用户时同样返回成功。
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	email := normalizeEmail(req.Email)
	const okMessage = "If that email is registered, a password reset link has been sent."

	var user model.User
	if err := h.db.Where("email = ?", email).First(&user).Error; err != nil || !user.Active() {
		c.JSON(http.StatusOK, gin.H{"message": okMessage})
		return
	}

	if err := h.codes.ReserveReset(c.Request.Context(), email); err != nil {
		var rle *verifycode.RateLimitError
		if errors.As(err, &rle) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"message":     "Too many reset requests. Please wait before trying again.",
				"retry_after": int(rle.RetryAfter.Seconds()),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to process reset request."})
		return
	}

	signed, err := h.tokens.IssueWithTTL(email, h.resetTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to process reset request."})
		return
	}

	link := fmt.Sprintf("%s/reset-password?token=%s", h.publicURL, signed)
	if err := h.mailer.SendPasswordReset(email, user.Name, link); err != nil {
		metrics.NotifierFailuresTotal.Inc()
		if h.logger != nil {
			h.logger.Warn("send reset email failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to send reset email. Please try again."})
		return
	}

	if h.logger != nil {
		h.logger.Info("password reset requested", slog.String("email", email))
	}
	c.JSON(http.StatusOK, gin.H{"message": okMessage})
}

// ResetPassword 用重置令牌更新密码。
func (h *Handler) ResetPassword(c *gin.Context) {
	var req struct {
		Token    string `json:"token" binding:"required"`
		Password string `json:"password" binding:"required,min=6"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	email, err := h.tokens.Validate(req.Token)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Reset link has expired. Please request a new one."})
		default:
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid reset token."})
		}
		return
	}

	var user model.User
	if err := h.db.Where("email = ?", email).First(&user).Error; err != nil || !user.Active() {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid reset token."})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to reset password."})
		return
	}
	if err := h.db.Model(&user).Update("password", string(hash)).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to reset password."})
		return
	}

	if h.logger != nil {
		h.logger.Info("password reset", slog.String("email", email))
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password reset successfully."})
}

// rejectBlocked 拦截被账号级归档封锁的邮箱，返回剩余天数。
func (h *Handler) rejectBlocked(c *gin.Context, email string) bool {
	days, blocked, err := h.blocker.BlockedDays(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to check email status."})
		return true
	}
	if blocked {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": fmt.Sprintf("This email belongs to a deleted account and can be used again in %d day(s), or you can request account recovery.", days),
		})
		return true
	}
	return false
}

// sendCode 签发验证码并投递邮件。邮件失败记入指标并返回错误。
func (h *Handler) sendCode(c *gin.Context, email string) error {
	code, err := h.codes.Issue(c.Request.Context(), email)
	if err != nil {
		return err
	}
	if err := h.mailer.SendVerificationCode(email, code); err != nil {
		metrics.NotifierFailuresTotal.Inc()
		if h.logger != nil {
			h.logger.Warn("send verification email failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		return err
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
