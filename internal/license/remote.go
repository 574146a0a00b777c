package license

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteConfig 许可服务直连参数
type RemoteConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Platform string // 默认 mt5
	Version  string // 客户端版本号，服务端做最低版本闸门
}

// RemoteValidator 直连许可服务的校验通道，单次请求不重试
type RemoteValidator struct {
	client   *resty.Client
	platform string
	version  string
}

// NewRemote 创建直连校验通道
func NewRemote(cfg RemoteConfig) *RemoteValidator {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Platform == "" {
		cfg.Platform = "mt5"
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &RemoteValidator{client: client, platform: cfg.Platform, version: cfg.Version}
}

type validateRequest struct {
	LicenseKey string `json:"licenseKey"`
	DeviceID   string `json:"deviceId"`
	AccountID  string `json:"accountId"`
	Broker     string `json:"broker"`
	Platform   string `json:"platform"`
	Version    string `json:"version"`
}

type heartbeatRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
}

type heartbeatResponse struct {
	Valid      bool   `json:"valid"`
	NewToken   string `json:"newToken"`
	TTLSeconds int    `json:"ttlSeconds"`
	Message    string `json:"message"`
}

type deactivateRequest struct {
	LicenseKey string `json:"licenseKey"`
	DeviceID   string `json:"deviceId"`
}

// Validate 到服务端做一次许可校验
func (v *RemoteValidator) Validate(ctx context.Context, req Request) (*Result, error) {
	body := validateRequest{
		LicenseKey: req.LicenseKey,
		DeviceID:   req.DeviceID,
		AccountID:  req.AccountID,
		Broker:     req.Broker,
		Platform:   v.platform,
		Version:    v.version,
	}
	var out Result
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/v1/license/validate")
	if err != nil {
		return nil, &Error{Op: "validate", Message: err.Error()}
	}
	// 4xx 表示明确拒绝，携带 message；5xx 视为通道故障
	if resp.StatusCode() >= 500 {
		return nil, &Error{Op: "validate", Message: resp.Status()}
	}
	return &out, nil
}

// Heartbeat 用令牌续期，服务端可能轮换出新令牌
func (v *RemoteValidator) Heartbeat(ctx context.Context, token, deviceID string) (*Result, error) {
	var out heartbeatResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(heartbeatRequest{Token: token, DeviceID: deviceID}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/license/heartbeat")
	if err != nil {
		return nil, &Error{Op: "heartbeat", Message: err.Error()}
	}
	if resp.StatusCode() >= 500 {
		return nil, &Error{Op: "heartbeat", Message: resp.Status()}
	}
	result := &Result{Valid: out.Valid, TTLSeconds: out.TTLSeconds, Message: out.Message}
	if out.NewToken != "" {
		result.Token = out.NewToken
	} else if out.Valid {
		result.Token = token
	}
	return result, nil
}

// Deactivate 注销本设备的许可占用
func (v *RemoteValidator) Deactivate(ctx context.Context, req Request) error {
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(deactivateRequest{LicenseKey: req.LicenseKey, DeviceID: req.DeviceID}).
		Post("/v1/license/deactivate")
	if err != nil {
		return &Error{Op: "deactivate", Message: err.Error()}
	}
	if !resp.IsSuccess() {
		return &Error{Op: "deactivate", Message: resp.Status()}
	}
	return nil
}

// Close 无持久资源
func (v *RemoteValidator) Close() error { return nil }

var (
	_ Validator   = (*RemoteValidator)(nil)
	_ Heartbeater = (*RemoteValidator)(nil)
	_ Deactivator = (*RemoteValidator)(nil)
)
