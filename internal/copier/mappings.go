package copier

import (
	"errors"
	"sort"

	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/pkg/logger"
	"github.com/hedgeedge/copier/pkg/persistence"
)

// ErrDuplicateMapping 主单号或跟单号已存在映射
var ErrDuplicateMapping = errors.New("duplicate mapping")

// MappingStore 主从单号双向映射表，"什么被镜像了"的唯一事实来源
// 引擎 goroutine 独占访问，非并发安全；两个索引必须同步维护
type MappingStore struct {
	byLeader   map[int64]domain.PositionMapping
	byFollower map[int64]domain.PositionMapping
	store      persistence.Store // 可为空（不落盘）
}

// NewMappingStore 创建映射表并从持久化存储恢复，重启后镜像关系不丢
func NewMappingStore(store persistence.Store) *MappingStore {
	m := &MappingStore{
		byLeader:   make(map[int64]domain.PositionMapping),
		byFollower: make(map[int64]domain.PositionMapping),
		store:      store,
	}
	m.restore()
	return m
}

func (m *MappingStore) restore() {
	if m.store == nil {
		return
	}
	var saved []domain.PositionMapping
	if err := m.store.Load(&saved); err != nil {
		if !errors.Is(err, persistence.ErrNotExists) {
			logger.Warnf("映射表恢复失败: %v", err)
		}
		return
	}
	for _, pm := range saved {
		m.byLeader[pm.LeaderTicket] = pm
		m.byFollower[pm.FollowerTicket] = pm
	}
	if len(saved) > 0 {
		logger.Infof("映射表已恢复: %d 条", len(saved))
	}
}

func (m *MappingStore) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.All()); err != nil {
		logger.Warnf("映射表落盘失败: %v", err)
	}
}

// Add 建立一条映射，任一单号已占用时返回 ErrDuplicateMapping
func (m *MappingStore) Add(pm domain.PositionMapping) error {
	if _, ok := m.byLeader[pm.LeaderTicket]; ok {
		return ErrDuplicateMapping
	}
	if _, ok := m.byFollower[pm.FollowerTicket]; ok {
		return ErrDuplicateMapping
	}
	m.byLeader[pm.LeaderTicket] = pm
	m.byFollower[pm.FollowerTicket] = pm
	m.persist()
	return nil
}

// ByLeader 按主单号查映射
func (m *MappingStore) ByLeader(ticket int64) (domain.PositionMapping, bool) {
	pm, ok := m.byLeader[ticket]
	return pm, ok
}

// ByFollower 按跟单号查映射
func (m *MappingStore) ByFollower(ticket int64) (domain.PositionMapping, bool) {
	pm, ok := m.byFollower[ticket]
	return pm, ok
}

// RemoveByLeader 按主单号移除映射
func (m *MappingStore) RemoveByLeader(ticket int64) bool {
	pm, ok := m.byLeader[ticket]
	if !ok {
		return false
	}
	delete(m.byLeader, ticket)
	delete(m.byFollower, pm.FollowerTicket)
	m.persist()
	return true
}

// RemoveByFollower 按跟单号移除映射
func (m *MappingStore) RemoveByFollower(ticket int64) bool {
	pm, ok := m.byFollower[ticket]
	if !ok {
		return false
	}
	delete(m.byFollower, ticket)
	delete(m.byLeader, pm.LeaderTicket)
	m.persist()
	return true
}

// UpdateStops 更新映射记录的跟单侧止损止盈
func (m *MappingStore) UpdateStops(leaderTicket int64, stopLoss, takeProfit float64) bool {
	pm, ok := m.byLeader[leaderTicket]
	if !ok {
		return false
	}
	pm.StopLoss = stopLoss
	pm.TakeProfit = takeProfit
	m.byLeader[leaderTicket] = pm
	m.byFollower[pm.FollowerTicket] = pm
	m.persist()
	return true
}

// Len 当前映射条数
func (m *MappingStore) Len() int { return len(m.byLeader) }

// All 按主单号升序返回全部映射
func (m *MappingStore) All() []domain.PositionMapping {
	out := make([]domain.PositionMapping, 0, len(m.byLeader))
	for _, pm := range m.byLeader {
		out = append(out, pm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaderTicket < out[j].LeaderTicket })
	return out
}
