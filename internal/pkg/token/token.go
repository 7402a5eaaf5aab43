package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 令牌校验失败的三类错误。Expired 与 Invalid 区分开，
// 客户端收到 Expired 时可以尝试静默刷新。
var (
	ErrMissing = errors.New("token missing")
	ErrExpired = errors.New("token expired")
	ErrInvalid = errors.New("token invalid")
)

// Manager 负责会话令牌的签发与校验。
//
// 令牌是无状态的 HS256 JWT：服务端不保存也不吊销，
// 登出即客户端丢弃令牌，被刷新替换的旧令牌自然过期。
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager 创建令牌管理器。ttl 是签发、验证成功与刷新共用的有效期。
func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

type claims struct {
	jwt.RegisteredClaims
}

// Issue 为邮箱签发一个新令牌。
func (m *Manager) Issue(email string) (string, error) {
	return m.IssueWithTTL(email, m.ttl)
}

// IssueWithTTL 以指定有效期签发令牌（用于密码重置链接等场景）。
func (m *Manager) IssueWithTTL(email string, ttl time.Duration) (string, error) {
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return t.SignedString(m.secret)
}

// Validate 校验令牌并返回其中的邮箱。
//
// 返回值错误依次可能是 ErrMissing（空令牌）、ErrExpired
//（签名有效但已过期）或 ErrInvalid（其余一切失败）。
func (m *Manager) Validate(raw string) (string, error) {
	return m.validate(raw, 0)
}

// ValidateWithGrace 同 Validate，但允许令牌过期不超过 grace。
// 刷新端点用它接受刚刚过期的令牌。
func (m *Manager) ValidateWithGrace(raw string, grace time.Duration) (string, error) {
	return m.validate(raw, grace)
}

func (m *Manager) validate(raw string, leeway time.Duration) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissing
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if leeway > 0 {
		opts = append(opts, jwt.WithLeeway(leeway))
	}

	c := &claims{}
	parsed, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", ErrInvalid
	}
	if !parsed.Valid || c.Subject == "" {
		return "", ErrInvalid
	}
	return c.Subject, nil
}
