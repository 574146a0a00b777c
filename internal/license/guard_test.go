package license

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeValidator 可在测试中途改变行为的校验通道
type fakeValidator struct {
	mu            sync.Mutex
	valid         bool
	message       string
	err           error
	validateCalls int
	closed        bool
}

func (f *fakeValidator) Validate(_ context.Context, _ Request) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &Result{Valid: f.valid, Token: "tok-1", Message: f.message}, nil
}

func (f *fakeValidator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeValidator) set(valid bool, message string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = valid
	f.message = message
	f.err = err
}

func (f *fakeValidator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateCalls
}

func waitForState(t *testing.T, g *Guard, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if g.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("等待状态 %s 超时，当前 %s", want, g.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGuard_StartValid(t *testing.T) {
	fake := &fakeValidator{valid: true}
	g := NewGuard(fake, Request{LicenseKey: "k", DeviceID: "d"}, GuardConfig{RecheckInterval: time.Hour})
	defer g.Close(context.Background())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if g.State() != StateValid || !g.Allowed() {
		t.Fatalf("state=%s allowed=%v", g.State(), g.Allowed())
	}
}

func TestGuard_StartRejected(t *testing.T) {
	fake := &fakeValidator{valid: false, message: "seat limit"}
	g := NewGuard(fake, Request{}, GuardConfig{RecheckInterval: time.Hour})

	err := g.Start(context.Background())
	if err == nil {
		t.Fatalf("拒绝时 Start 应返回错误")
	}
	if g.State() != StateInvalid || g.Allowed() {
		t.Fatalf("state=%s allowed=%v", g.State(), g.Allowed())
	}
	if g.LastError() == "" {
		t.Fatalf("应记录拒绝原因")
	}
	// 首检失败后 Close 不能卡死
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestGuard_DevBypass(t *testing.T) {
	fake := &fakeValidator{err: context.DeadlineExceeded}
	g := NewGuard(fake, Request{}, GuardConfig{DevBypass: true})
	defer g.Close(context.Background())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("开发模式不应失败: %v", err)
	}
	if !g.Allowed() {
		t.Fatalf("开发模式应放行")
	}
	if fake.calls() != 0 {
		t.Fatalf("开发模式不应调用校验通道")
	}
}

func TestGuard_RecheckFlipAndRecover(t *testing.T) {
	fake := &fakeValidator{valid: true}
	g := NewGuard(fake, Request{}, GuardConfig{RecheckInterval: 10 * time.Millisecond})
	defer g.Close(context.Background())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// 复检失败：暂停但进程继续
	fake.set(false, "expired", nil)
	waitForState(t, g, StateInvalid)
	if g.Allowed() {
		t.Fatalf("失效时不应放行")
	}

	// 复检恢复：自动回到 VALID
	fake.set(true, "", nil)
	waitForState(t, g, StateValid)
	if !g.Allowed() {
		t.Fatalf("恢复后应放行")
	}
}

func TestGuard_RecheckNetworkErrorInvalidates(t *testing.T) {
	fake := &fakeValidator{valid: true}
	g := NewGuard(fake, Request{}, GuardConfig{RecheckInterval: 10 * time.Millisecond})
	defer g.Close(context.Background())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	fake.set(false, "", context.DeadlineExceeded)
	waitForState(t, g, StateInvalid)
	if g.LastError() == "" {
		t.Fatalf("应记录失败原因")
	}
}

// fakeHeartbeatValidator 带心跳续期的校验通道
type fakeHeartbeatValidator struct {
	fakeValidator
	heartbeatCalls int
	deactivated    int
}

func (f *fakeHeartbeatValidator) Heartbeat(_ context.Context, token, _ string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatCalls++
	return &Result{Valid: true, Token: token}, nil
}

func (f *fakeHeartbeatValidator) Deactivate(_ context.Context, _ Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated++
	return nil
}

func TestGuard_HeartbeatPreferredOverFullValidate(t *testing.T) {
	fake := &fakeHeartbeatValidator{fakeValidator: fakeValidator{valid: true}}
	g := NewGuard(fake, Request{DeviceID: "dev-1"}, GuardConfig{RecheckInterval: 10 * time.Millisecond})
	defer g.Close(context.Background())

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		fake.mu.Lock()
		beats := fake.heartbeatCalls
		fake.mu.Unlock()
		if beats >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("心跳未被调用")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// 心跳续期成功时不应再走全量校验（首检那一次除外）
	if fake.calls() != 1 {
		t.Fatalf("validateCalls=%d, want 1", fake.calls())
	}
}

func TestGuard_CloseDeactivates(t *testing.T) {
	fake := &fakeHeartbeatValidator{fakeValidator: fakeValidator{valid: true}}
	g := NewGuard(fake, Request{LicenseKey: "k"}, GuardConfig{RecheckInterval: time.Hour})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.deactivated != 1 {
		t.Fatalf("应注销一次, got %d", fake.deactivated)
	}
	if !fake.closed {
		t.Fatalf("应关闭校验通道")
	}
}

func TestGuard_BypassCloseSkipsDeactivate(t *testing.T) {
	fake := &fakeHeartbeatValidator{}
	g := NewGuard(fake, Request{}, GuardConfig{DevBypass: true})

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := g.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.deactivated != 0 {
		t.Fatalf("开发模式不应注销")
	}
}
