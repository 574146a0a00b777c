package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hedgeedge/copier/pkg/logger"
)

const (
	defaultRecheckInterval = 300 * time.Second
	recheckTimeout         = 30 * time.Second
)

// GuardConfig 许可守卫参数
type GuardConfig struct {
	RecheckInterval time.Duration // 默认 300s
	DevBypass       bool          // 开发模式跳过全部校验
}

// Guard 许可守卫：启动时校验一次，之后周期复检
// 复检失败只把状态打到 INVALID 暂停跟单，进程不退出，后续复检通过自动恢复
type Guard struct {
	validator Validator
	req       Request
	interval  time.Duration
	bypass    bool

	mu        sync.RWMutex
	state     State
	token     string
	lastError string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewGuard 创建许可守卫
func NewGuard(validator Validator, req Request, cfg GuardConfig) *Guard {
	interval := cfg.RecheckInterval
	if interval <= 0 {
		interval = defaultRecheckInterval
	}
	return &Guard{
		validator: validator,
		req:       req,
		interval:  interval,
		bypass:    cfg.DevBypass,
		state:     StateUnvalidated,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start 启动守卫：首检失败即返回错误（调用方据此拒绝启动），成功后开启周期复检
func (g *Guard) Start(ctx context.Context) error {
	if g.bypass {
		logger.Warn("⚠️ 开发模式：跳过许可校验")
		g.setState(StateValid, "", "")
		close(g.done)
		return nil
	}

	result, err := g.validator.Validate(ctx, g.req)
	if err != nil {
		g.setState(StateInvalid, "", err.Error())
		close(g.done)
		return err
	}
	if !result.Valid {
		g.setState(StateInvalid, "", result.Message)
		close(g.done)
		return &Error{Op: "validate", Message: fmt.Sprintf("许可被拒绝: %s", result.Message)}
	}
	g.setState(StateValid, result.Token, "")
	logger.Info("✅ 许可校验通过")

	go g.loop()
	return nil
}

func (g *Guard) loop() {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.recheck()
		}
	}
}

func (g *Guard) recheck() {
	ctx, cancel := context.WithTimeout(context.Background(), recheckTimeout)
	defer cancel()

	result := g.tryHeartbeat(ctx)
	if result == nil || !result.Valid {
		var err error
		result, err = g.validator.Validate(ctx, g.req)
		if err != nil {
			g.setState(StateInvalid, "", err.Error())
			return
		}
	}
	if !result.Valid {
		g.setState(StateInvalid, "", result.Message)
		return
	}
	g.setState(StateValid, result.Token, "")
}

// tryHeartbeat 持有令牌且通道支持心跳时先走轻量续期，失败返回 nil 转全量校验
func (g *Guard) tryHeartbeat(ctx context.Context) *Result {
	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()
	if token == "" {
		return nil
	}
	hb, ok := g.validator.(Heartbeater)
	if !ok {
		return nil
	}
	result, err := hb.Heartbeat(ctx, token, g.req.DeviceID)
	if err != nil {
		logger.Warnf("许可心跳失败，转全量校验: %v", err)
		return nil
	}
	return result
}

// setState 更新状态，只在翻转时打日志
func (g *Guard) setState(next State, token, errMsg string) {
	g.mu.Lock()
	prev := g.state
	g.state = next
	g.lastError = errMsg
	if token != "" {
		g.token = token
	}
	if next == StateInvalid {
		g.token = ""
	}
	g.mu.Unlock()

	if prev == next {
		return
	}
	switch next {
	case StateValid:
		if prev == StateInvalid {
			logger.Info("✅ 许可复检通过，恢复跟单")
		}
	case StateInvalid:
		logger.Errorf("🚫 许可失效，跟单暂停: %s", errMsg)
	}
}

// Allowed 报告跟单引擎当前是否放行
func (g *Guard) Allowed() bool {
	if g.bypass {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state == StateValid
}

// State 当前许可状态
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// LastError 最近一次校验失败原因
func (g *Guard) LastError() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastError
}

// Close 停止复检循环，注销设备并关闭校验通道
func (g *Guard) Close(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stop) })
	select {
	case <-g.done:
	case <-ctx.Done():
	}
	if d, ok := g.validator.(Deactivator); ok && !g.bypass {
		if err := d.Deactivate(ctx, g.req); err != nil {
			logger.Warnf("许可注销失败: %v", err)
		}
	}
	return g.validator.Close()
}
