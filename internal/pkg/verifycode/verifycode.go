package verifycode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/Manasess896/driver-for-hire/internal/config"
	"github.com/Manasess896/driver-for-hire/internal/pkg/metrics"
)

// 校验失败的三类错误。Mismatch 时条目保留，TTL 内可以继续重试；
// Expired 作为副作用删除过期条目。
var (
	ErrNoCode   = errors.New("no verification code found")
	ErrExpired  = errors.New("verification code expired")
	ErrMismatch = errors.New("verification code mismatch")
)

// RateLimitError 表示发送频率超限，RetryAfter 为剩余等待时间。
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests, retry after %ds", int(e.RetryAfter.Seconds()+0.5))
}

// 频率限制的用途类别，对应不同的 redis 键空间。
const (
	KindResend = "resend"
	KindReset  = "reset"
)

// Store 是验证码与频率限制状态的存储接口。
// 生产环境由 RedisStore 实现；条目的垃圾回收依赖存储端的过期机制。
type Store interface {
	// GetCode 返回邮箱当前的验证码条目；不存在时 ok 为 false。
	GetCode(ctx context.Context, email string) (code string, issuedAt time.Time, ok bool, err error)
	// SetCode 写入验证码条目，覆盖同邮箱的旧条目。keep 是存储端的保留时长。
	SetCode(ctx context.Context, email, code string, issuedAt time.Time, keep time.Duration) error
	// DeleteCode 删除邮箱的验证码条目。
	DeleteCode(ctx context.Context, email string) error
	// Reserve 尝试为一次发送占位：冷却期内或窗口内次数用尽时
	// allowed 为 false 并返回剩余等待时间。
	Reserve(ctx context.Context, kind, email string, cooldown, window time.Duration, max int) (retryAfter time.Duration, allowed bool, err error)
}

// Issuer 负责验证码的生成、校验与发送频率限制。
//
// 每个邮箱同一时间只有一个有效验证码，新码覆盖旧码；
// 校验成功即删除（一次性使用）。
type Issuer struct {
	store  Store
	logger *slog.Logger

	ttl         time.Duration
	cooldown    time.Duration
	window      time.Duration
	maxRequests int

	now func() time.Time
}

// NewIssuer 创建验证码签发器。
func NewIssuer(store Store, logger *slog.Logger, cfg config.VerifyConfig) *Issuer {
	return &Issuer{
		store:       store,
		logger:      logger,
		ttl:         cfg.CodeTTL,
		cooldown:    cfg.ResendCooldown,
		window:      cfg.RequestWindow,
		maxRequests: cfg.MaxRequests,
		now:         time.Now,
	}
}

// Issue 生成并存储一个新的 6 位验证码，不做频率限制。
// 注册与登录路径使用；对外暴露的重发端点走 IssueLimited。
func (i *Issuer) Issue(ctx context.Context, email string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	// 过期条目保留到窗口期结束再由存储端回收，
	// 这样校验时能区分 "已过期" 与 "不存在"。
	keep := i.window
	if keep < i.ttl {
		keep = i.ttl * 2
	}
	if err := i.store.SetCode(ctx, email, code, i.now(), keep); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}

	metrics.CodesIssuedTotal.Inc()
	if i.logger != nil {
		i.logger.Info("verification code issued", slog.String("email", email))
	}
	return code, nil
}

// IssueLimited 同 Issue，但先检查该邮箱的冷却期与窗口次数限制，
// 超限时返回 *RateLimitError。
func (i *Issuer) IssueLimited(ctx context.Context, email string) (string, error) {
	retryAfter, allowed, err := i.store.Reserve(ctx, KindResend, email, i.cooldown, i.window, i.maxRequests)
	if err != nil {
		return "", fmt.Errorf("reserve issuance: %w", err)
	}
	if !allowed {
		metrics.CodeRequestsRejected.Inc()
		return "", &RateLimitError{RetryAfter: retryAfter}
	}
	return i.Issue(ctx, email)
}

// ReserveReset 为一次密码重置邮件占位，限制策略与验证码重发一致。
func (i *Issuer) ReserveReset(ctx context.Context, email string) error {
	retryAfter, allowed, err := i.store.Reserve(ctx, KindReset, email, i.cooldown, i.window, i.maxRequests)
	if err != nil {
		return fmt.Errorf("reserve reset: %w", err)
	}
	if !allowed {
		metrics.CodeRequestsRejected.Inc()
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

// Verify 校验提交的验证码。
//
// 成功时删除条目（一次性使用）；过期时同样删除；
// 不匹配时条目保留，TTL 内允许继续重试。
func (i *Issuer) Verify(ctx context.Context, email, submitted string) error {
	code, issuedAt, ok, err := i.store.GetCode(ctx, email)
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}
	if !ok {
		metrics.VerificationsTotal.WithLabelValues("no_code").Inc()
		return ErrNoCode
	}

	if i.now().Sub(issuedAt) > i.ttl {
		if err := i.store.DeleteCode(ctx, email); err != nil {
			return fmt.Errorf("delete stale code: %w", err)
		}
		metrics.VerificationsTotal.WithLabelValues("expired").Inc()
		return ErrExpired
	}

	if code != submitted {
		metrics.VerificationsTotal.WithLabelValues("mismatch").Inc()
		return ErrMismatch
	}

	if err := i.store.DeleteCode(ctx, email); err != nil {
		return fmt.Errorf("consume code: %w", err)
	}

	metrics.VerificationsTotal.WithLabelValues("ok").Inc()
	if i.logger != nil {
		i.logger.Info("verification code accepted", slog.String("email", email))
	}
	return nil
}

// generateCode 生成 [100000, 999999] 上均匀分布的 6 位验证码。
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
