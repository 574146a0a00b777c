package copier

import (
	"errors"
	"testing"

	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/pkg/persistence"
)

func newMapping(leader, follower int64) domain.PositionMapping {
	return domain.PositionMapping{
		LeaderTicket:   leader,
		FollowerTicket: follower,
		Symbol:         "EURUSD",
		Volume:         0.05,
		Side:           domain.SideBuy,
	}
}

func TestMappingStore_AddAndLookup(t *testing.T) {
	m := NewMappingStore(nil)

	if err := m.Add(newMapping(100, 200)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	pm, ok := m.ByLeader(100)
	if !ok || pm.FollowerTicket != 200 {
		t.Fatalf("ByLeader(100) = %+v, %v", pm, ok)
	}
	pm, ok = m.ByFollower(200)
	if !ok || pm.LeaderTicket != 100 {
		t.Fatalf("ByFollower(200) = %+v, %v", pm, ok)
	}
	if _, ok := m.ByLeader(999); ok {
		t.Fatalf("不存在的主单号不应命中")
	}
}

func TestMappingStore_RejectsDuplicates(t *testing.T) {
	m := NewMappingStore(nil)
	if err := m.Add(newMapping(100, 200)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	// 主单号与跟单号任一重复都要拒绝
	if err := m.Add(newMapping(100, 201)); !errors.Is(err, ErrDuplicateMapping) {
		t.Fatalf("重复主单号应返回 ErrDuplicateMapping, got %v", err)
	}
	if err := m.Add(newMapping(101, 200)); !errors.Is(err, ErrDuplicateMapping) {
		t.Fatalf("重复跟单号应返回 ErrDuplicateMapping, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("拒绝后映射数应为 1, got %d", m.Len())
	}
}

func TestMappingStore_RemoveKeepsIndexesInSync(t *testing.T) {
	m := NewMappingStore(nil)
	_ = m.Add(newMapping(100, 200))
	_ = m.Add(newMapping(101, 201))

	if !m.RemoveByLeader(100) {
		t.Fatalf("RemoveByLeader(100) 应成功")
	}
	if _, ok := m.ByFollower(200); ok {
		t.Fatalf("移除后跟单索引应同步清理")
	}
	if m.RemoveByLeader(100) {
		t.Fatalf("重复移除应返回 false")
	}

	if !m.RemoveByFollower(201) {
		t.Fatalf("RemoveByFollower(201) 应成功")
	}
	if _, ok := m.ByLeader(101); ok {
		t.Fatalf("移除后主单索引应同步清理")
	}
	if m.Len() != 0 {
		t.Fatalf("应已清空, got %d", m.Len())
	}
}

func TestMappingStore_UpdateStops(t *testing.T) {
	m := NewMappingStore(nil)
	_ = m.Add(newMapping(100, 200))

	if !m.UpdateStops(100, 1.0950, 1.1050) {
		t.Fatalf("UpdateStops 应成功")
	}
	pm, _ := m.ByLeader(100)
	if pm.StopLoss != 1.0950 || pm.TakeProfit != 1.1050 {
		t.Fatalf("止损止盈未更新: %+v", pm)
	}
	// 两个索引都要看到新值
	pm, _ = m.ByFollower(200)
	if pm.StopLoss != 1.0950 {
		t.Fatalf("跟单索引未同步: %+v", pm)
	}
	if m.UpdateStops(999, 1, 2) {
		t.Fatalf("不存在的映射应返回 false")
	}
}

func TestMappingStore_PersistAndRestore(t *testing.T) {
	svc := persistence.NewJSONFileService(t.TempDir())
	store := svc.NewStore("copier", "mappings", "test")

	m := NewMappingStore(store)
	_ = m.Add(newMapping(100, 200))
	_ = m.Add(newMapping(101, 201))
	m.RemoveByLeader(101)

	// 重新打开：只剩未移除的那条
	reopened := NewMappingStore(store)
	if reopened.Len() != 1 {
		t.Fatalf("恢复后应有 1 条映射, got %d", reopened.Len())
	}
	pm, ok := reopened.ByLeader(100)
	if !ok || pm.FollowerTicket != 200 || pm.Symbol != "EURUSD" {
		t.Fatalf("恢复的映射不完整: %+v", pm)
	}
}

func TestMappingStore_AllSortedByLeader(t *testing.T) {
	m := NewMappingStore(nil)
	_ = m.Add(newMapping(300, 3))
	_ = m.Add(newMapping(100, 1))
	_ = m.Add(newMapping(200, 2))

	all := m.All()
	if len(all) != 3 {
		t.Fatalf("len=%d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].LeaderTicket > all[i].LeaderTicket {
			t.Fatalf("All() 应按主单号升序: %+v", all)
		}
	}
}
