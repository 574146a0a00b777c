package license

import (
	"context"
	"fmt"
)

// State 许可状态机
type State string

const (
	StateUnvalidated State = "UNVALIDATED"
	StateValid       State = "VALID"
	StateInvalid     State = "INVALID"
)

// Error 许可错误：只暂停跟单，不终止进程
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("license %s: %s", e.Op, e.Message)
}

// Request 校验请求，两种校验通道共用同一契约
type Request struct {
	LicenseKey string `json:"licenseKey"`
	AccountID  string `json:"accountId"`
	Broker     string `json:"broker"`
	DeviceID   string `json:"deviceId"`
}

// Result 校验结果
// Valid 为 false 时 Message 说明拒绝原因；Token 由服务端签发，心跳续期用
type Result struct {
	Valid      bool   `json:"valid"`
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttlSeconds"`
	Message    string `json:"message"`
}

// Validator 许可校验通道，嵌入式与远端直连可互换
type Validator interface {
	Validate(ctx context.Context, req Request) (*Result, error)
	Close() error
}

// Heartbeater 支持令牌心跳续期的校验通道
type Heartbeater interface {
	Heartbeat(ctx context.Context, token, deviceID string) (*Result, error)
}

// Deactivator 支持设备下线注销的校验通道
type Deactivator interface {
	Deactivate(ctx context.Context, req Request) error
}
