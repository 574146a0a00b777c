package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hedgeedge/copier/pkg/logger"
	"github.com/hedgeedge/copier/pkg/secretstore"
)

const (
	defaultTokenTTL  = 15 * time.Minute
	validateAttempts = 3
	backoffBase      = time.Second
)

// EmbeddedValidator 嵌入式校验通道：令牌本地加密缓存，缓存命中时不出网
// 缓存未命中才走网络校验，带指数退避重试
type EmbeddedValidator struct {
	remote *RemoteValidator
	store  *secretstore.Store
	ttl    time.Duration

	mu      sync.Mutex
	lastReq Request // 最近一次校验请求，心跳续期刷新缓存时复用
}

// NewEmbedded 创建嵌入式校验通道，ttl<=0 时取默认 15 分钟
func NewEmbedded(remote *RemoteValidator, store *secretstore.Store, ttl time.Duration) *EmbeddedValidator {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &EmbeddedValidator{remote: remote, store: store, ttl: ttl}
}

// tokenKey 令牌按 (licenseKey, deviceId) 维度缓存，键值做散列避免明文落库
func tokenKey(req Request) string {
	sum := sha256.Sum256([]byte(req.LicenseKey + "|" + req.DeviceID))
	return "license_token:" + hex.EncodeToString(sum[:16])
}

// CachedToken 读取未过期的缓存令牌
func (v *EmbeddedValidator) CachedToken(req Request) (string, bool) {
	if v.store == nil {
		return "", false
	}
	token, found, err := v.store.GetString(tokenKey(req))
	if err != nil {
		logger.Warnf("许可令牌缓存读取失败: %v", err)
		return "", false
	}
	return token, found
}

// Validate 缓存命中直接放行，否则网络校验并缓存新令牌
func (v *EmbeddedValidator) Validate(ctx context.Context, req Request) (*Result, error) {
	v.mu.Lock()
	v.lastReq = req
	v.mu.Unlock()

	if token, ok := v.CachedToken(req); ok {
		logger.Debug("许可令牌缓存命中")
		return &Result{Valid: true, Token: token}, nil
	}

	var lastErr error
	for attempt := 0; attempt < validateAttempts; attempt++ {
		if attempt > 0 {
			// 1s, 2s 指数退避
			delay := backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, &Error{Op: "validate", Message: ctx.Err().Error()}
			case <-time.After(delay):
			}
		}
		result, err := v.remote.Validate(ctx, req)
		if err != nil {
			lastErr = err
			logger.Warnf("许可校验失败（第 %d 次）: %v", attempt+1, err)
			continue
		}
		if result.Valid && result.Token != "" {
			v.cacheToken(req, result)
		}
		return result, nil
	}
	return nil, lastErr
}

// Heartbeat 透传心跳，续期成功时刷新缓存令牌
func (v *EmbeddedValidator) Heartbeat(ctx context.Context, token, deviceID string) (*Result, error) {
	result, err := v.remote.Heartbeat(ctx, token, deviceID)
	if err != nil {
		return nil, err
	}
	if result.Valid && result.Token != "" {
		v.mu.Lock()
		req := v.lastReq
		v.mu.Unlock()
		if req.DeviceID != "" {
			v.cacheToken(req, result)
		}
	}
	return result, nil
}

// Deactivate 注销设备并清掉本地缓存
func (v *EmbeddedValidator) Deactivate(ctx context.Context, req Request) error {
	if v.store != nil {
		if err := v.store.Delete(tokenKey(req)); err != nil {
			logger.Warnf("许可令牌缓存清理失败: %v", err)
		}
	}
	return v.remote.Deactivate(ctx, req)
}

func (v *EmbeddedValidator) cacheToken(req Request, result *Result) {
	if v.store == nil {
		return
	}
	ttl := v.ttl
	if result.TTLSeconds > 0 {
		ttl = time.Duration(result.TTLSeconds) * time.Second
	}
	if err := v.store.SetStringTTL(tokenKey(req), result.Token, ttl); err != nil {
		logger.Warnf("许可令牌缓存写入失败: %v", err)
	}
}

// Close 关闭本地缓存库
func (v *EmbeddedValidator) Close() error {
	if v.store != nil {
		return v.store.Close()
	}
	return nil
}

var (
	_ Validator   = (*EmbeddedValidator)(nil)
	_ Heartbeater = (*EmbeddedValidator)(nil)
	_ Deactivator = (*EmbeddedValidator)(nil)
)
