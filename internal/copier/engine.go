package copier

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hedgeedge/copier/internal/audit"
	"github.com/hedgeedge/copier/internal/command"
	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/internal/events"
	"github.com/hedgeedge/copier/internal/license"
	"github.com/hedgeedge/copier/internal/metrics"
	"github.com/hedgeedge/copier/internal/venue"
	"github.com/hedgeedge/copier/pkg/config"
	"github.com/hedgeedge/copier/pkg/logger"
)

const (
	// 主账户静默超过该时长判定断开
	livenessWindow = 15 * time.Second
	// 每 tick 每个主题最多收取的消息条数
	drainCap = 50
	// 跟单侧状态对外广播间隔
	statePublishEvery = time.Second
)

// Receiver 限时收取一条消息的入口
type Receiver interface {
	PollReceive(timeout time.Duration) (topic string, payload []byte, ok bool, err error)
}

// Publisher 对外广播的出口
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Gate 许可闸门，失效时引擎停止消费事件
type Gate interface {
	Allowed() bool
	State() license.State
	LastError() string
}

// Status 引擎对外状态快照，监管端与控制面只读
type Status struct {
	Licensed   bool                     `json:"licensed"`
	License    license.State            `json:"license"`
	Connected  bool                     `json:"connected"`
	Paused     bool                     `json:"paused"`
	LastError  string                   `json:"lastError,omitempty"`
	Mappings   int                      `json:"mappings"`
	MappingSet []domain.PositionMapping `json:"-"`
	Account    *domain.AccountSnapshot  `json:"account,omitempty"`
	Mirror     config.MirrorConfig      `json:"mirror"`
	Stats      Stats                    `json:"stats"`
	UpdatedAt  time.Time                `json:"updatedAt"`
}

// Params 引擎装配参数
type Params struct {
	Mirror       config.MirrorConfig
	TickInterval time.Duration
	Venue        venue.Venue
	Mappings     *MappingStore
	Audit        audit.Writer
	Gate         Gate
	Events       Receiver
	Snapshots    Receiver
	Commands     *command.Server
	StateOut     Publisher // 可为空，空则不对外广播
}

// Engine 跟单引擎：单 goroutine 调度循环独占映射表与跟单配置，
// 指令通道只经由已注册的处理器在同一 goroutine 内读写
type Engine struct {
	mirror    config.MirrorConfig
	tickEvery time.Duration

	venue     venue.Venue
	mappings  *MappingStore
	audit     audit.Writer
	gate      Gate
	events    Receiver
	snapshots Receiver
	commands  *command.Server
	stateOut  Publisher

	stats     Stats
	paused    bool
	lastError string
	account   *domain.AccountSnapshot
	specs     map[string]domain.SymbolSpec

	connected     bool
	lastSeen      time.Time
	lastPublished time.Time

	runCtx context.Context

	statusMu sync.RWMutex
	status   Status
}

// NewEngine 装配跟单引擎并注册指令处理器
func NewEngine(p Params) *Engine {
	tick := p.TickInterval
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	e := &Engine{
		mirror:    p.Mirror,
		tickEvery: tick,
		venue:     p.Venue,
		mappings:  p.Mappings,
		audit:     p.Audit,
		gate:      p.Gate,
		events:    p.Events,
		snapshots: p.Snapshots,
		commands:  p.Commands,
		stateOut:  p.StateOut,
		specs:     make(map[string]domain.SymbolSpec),
		runCtx:    context.Background(),
	}
	if e.commands != nil {
		e.registerCommands()
	}
	return e
}

// Run 调度循环，ctx 取消后返回
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	logger.Infof("🚀 跟单引擎启动: tick=%v 映射=%d", e.tickEvery, e.mappings.Len())
	ticker := time.NewTicker(e.tickEvery)
	defer ticker.Stop()

	e.refreshStatus()
	for {
		select {
		case <-ctx.Done():
			logger.Info("跟单引擎退出")
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick 一个调度周期：收事件、收快照、查活性、处理一条指令、刷状态
func (e *Engine) tick(ctx context.Context) {
	if e.gate.Allowed() {
		e.drainEvents(ctx)
		e.drainSnapshots(ctx)
	}
	e.checkLiveness(time.Now())
	if e.commands != nil && e.commands.PollOnce() {
		e.stats.bump(&e.stats.CommandsProcessed, metrics.CommandsProcessed)
	}
	e.publishState(time.Now())
	e.refreshStatus()
}

func (e *Engine) drainEvents(ctx context.Context) {
	for i := 0; i < drainCap; i++ {
		_, payload, ok, err := e.events.PollReceive(0)
		if err != nil {
			e.lastError = err.Error()
			logger.Errorf("事件通道接收失败: %v", err)
			return
		}
		if !ok {
			return
		}
		e.stats.bump(&e.stats.EventsReceived, metrics.EventsReceived)
		e.handleEventPayload(ctx, payload)
	}
}

// drainSnapshots 清空快照积压，对账只跑最新一份
func (e *Engine) drainSnapshots(ctx context.Context) {
	var latest *events.Snapshot
	for i := 0; i < drainCap; i++ {
		_, payload, ok, err := e.snapshots.PollReceive(0)
		if err != nil {
			e.lastError = err.Error()
			logger.Errorf("快照通道接收失败: %v", err)
			break
		}
		if !ok {
			break
		}
		e.stats.bump(&e.stats.SnapshotsReceived, metrics.SnapshotsReceived)
		snap, perr := events.ParseSnapshot(payload, time.Now())
		if perr != nil {
			e.stats.bump(&e.stats.EventsDropped, metrics.EventsDropped)
			logger.Warnf("快照丢弃: %v", perr)
			continue
		}
		latest = snap
	}
	if latest == nil {
		return
	}
	e.touchLiveness(latest.ReceivedAt, false)
	if latest.Account != nil {
		e.account = latest.Account
	}
	if !e.paused {
		e.reconcile(ctx, latest.Positions)
	}
}

func (e *Engine) handleEventPayload(ctx context.Context, payload []byte) {
	now := time.Now()
	posEvt, acctEvt, err := events.ParseEvent(payload, now)
	if err != nil {
		e.stats.bump(&e.stats.EventsDropped, metrics.EventsDropped)
		logger.Warnf("事件丢弃: %v", err)
		return
	}

	if posEvt != nil {
		e.touchLiveness(now, false)
		if e.paused {
			return
		}
		switch posEvt.Type {
		case events.TypePositionOpened:
			e.openMirrored(ctx, posEvt.Position, audit.OriginMirror)
		case events.TypePositionClosed, events.TypePositionReversed:
			e.closeMirrored(ctx, posEvt.Position.Ticket, audit.OriginMirror)
		case events.TypePositionModified:
			e.modifyMirrored(ctx, posEvt.Position)
		}
		return
	}

	switch acctEvt.Type {
	case events.TypeHeartbeat:
		e.touchLiveness(now, true)
	case events.TypeConnected:
		e.touchLiveness(now, true)
		if acctEvt.Account != nil {
			e.account = acctEvt.Account
		}
		if acctEvt.HasSnapshot && !e.paused {
			e.reconcile(ctx, acctEvt.Positions)
		}
	case events.TypeDisconnected:
		e.setConnected(false, "对端主动断开")
	case events.TypeAccountUpdate:
		e.touchLiveness(now, false)
		if acctEvt.Account != nil {
			e.account = acctEvt.Account
		}
		if acctEvt.HasSnapshot && !e.paused {
			e.reconcile(ctx, acctEvt.Positions)
		}
	}
}

// touchLiveness 刷新活性时间，mayConnect 为 true 时允许翻转到已连接
func (e *Engine) touchLiveness(now time.Time, mayConnect bool) {
	e.lastSeen = now
	if mayConnect && !e.connected {
		e.setConnected(true, "")
	}
}

// checkLiveness 静默超窗则翻转到断开，一次断联只翻转一次
func (e *Engine) checkLiveness(now time.Time) {
	if e.connected && !e.lastSeen.IsZero() && now.Sub(e.lastSeen) > livenessWindow {
		e.setConnected(false, "心跳超时")
	}
}

func (e *Engine) setConnected(connected bool, reason string) {
	if e.connected == connected {
		return
	}
	e.connected = connected
	e.stats.bump(&e.stats.ConnectionFlips, metrics.ConnectionFlips)
	if connected {
		logger.Info("🔌 主账户已连接")
	} else {
		logger.Warnf("🔌 主账户断开: %s", reason)
	}
}

// symbolSpec 品种规格带进程内缓存，一个品种只查一次
func (e *Engine) symbolSpec(ctx context.Context, symbol string) (domain.SymbolSpec, error) {
	if spec, ok := e.specs[symbol]; ok {
		return spec, nil
	}
	spec, err := e.venue.SymbolSpec(ctx, symbol)
	if err != nil {
		return domain.SymbolSpec{}, err
	}
	e.specs[symbol] = spec
	return spec, nil
}

func (e *Engine) writeAudit(entry audit.Entry) {
	if e.audit == nil {
		return
	}
	entry.Account = e.account
	if err := e.audit.Write(entry); err != nil {
		logger.Errorf("审计写入失败: %v", err)
	}
}

// publishState 周期广播跟单侧状态，监管端被动观测用
func (e *Engine) publishState(now time.Time) {
	if e.stateOut == nil || now.Sub(e.lastPublished) < statePublishEvery {
		return
	}
	e.lastPublished = now
	payload, err := json.Marshal(map[string]any{
		"licensed":  e.gate.Allowed(),
		"connected": e.connected,
		"paused":    e.paused,
		"mappings":  e.mappings.Len(),
		"account":   e.account,
	})
	if err != nil {
		return
	}
	if err := e.stateOut.Publish("FOLLOWER_STATE", payload); err != nil {
		logger.Debugf("状态广播失败: %v", err)
	}
}

// refreshStatus 更新对外状态快照，控制面跨 goroutine 只读这份拷贝
func (e *Engine) refreshStatus() {
	st := Status{
		Licensed:   e.gate.Allowed(),
		License:    e.gate.State(),
		Connected:  e.connected,
		Paused:     e.paused,
		LastError:  e.lastError,
		Mappings:   e.mappings.Len(),
		MappingSet: e.mappings.All(),
		Account:    e.account,
		Mirror:     e.mirror,
		Stats:      e.stats,
		UpdatedAt:  time.Now(),
	}
	if st.LastError == "" {
		st.LastError = e.gate.LastError()
	}
	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()
}

// Status 返回最近一次 tick 的状态快照，可跨 goroutine 调用
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}
