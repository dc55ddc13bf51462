// Package auth 推送连接认证令牌
//
// 连接建立后客户端发送 {action:"authenticate"}，携带本地签发的 HS256 JWT。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSecret 未配置签名密钥
var ErrNoSecret = errors.New("jwt secret is not configured")

// Config 令牌配置
type Config struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// Enabled 是否配置了密钥
func (c Config) Enabled() bool {
	return c.Secret != ""
}

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// TokenSource 签发会话令牌
type TokenSource struct {
	cfg Config
	now func() time.Time
}

// NewTokenSource 创建令牌源
func NewTokenSource(cfg Config) (*TokenSource, error) {
	if !cfg.Enabled() {
		return nil, ErrNoSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return &TokenSource{cfg: cfg, now: time.Now}, nil
}

// Token 为 userID 在 sessionID 会话中签发令牌
func (s *TokenSource) Token(sessionID, userID string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		},
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse 解析并校验令牌（事件服务端使用）
func Parse(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
