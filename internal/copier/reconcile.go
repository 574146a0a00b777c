package copier

import (
	"context"

	"github.com/hedgeedge/copier/internal/audit"
	"github.com/hedgeedge/copier/internal/domain"
	"github.com/hedgeedge/copier/internal/metrics"
	"github.com/hedgeedge/copier/pkg/logger"
)

// reconcile 用主账户全量持仓对账本地映射表：
// 缺失的镜像补开，主账户已不存在的孤儿映射平仓清理（copyCloseSignals 开启时）
// 幂等：同一份全量跑多遍结果一致，丢消息和进程重启都靠它修复
func (e *Engine) reconcile(ctx context.Context, leaders []domain.LeaderPosition) {
	e.stats.bump(&e.stats.ReconcileRuns, metrics.ReconcileRuns)

	present := make(map[int64]struct{}, len(leaders))
	opened, closed := 0, 0

	for _, leader := range leaders {
		present[leader.Ticket] = struct{}{}
		if _, ok := e.mappings.ByLeader(leader.Ticket); ok {
			continue
		}
		if e.openMirrored(ctx, leader, audit.OriginReconcile) {
			e.stats.bump(&e.stats.ReconcileRepairs, metrics.ReconcileRepairs)
			opened++
		}
	}

	if e.mirror.CopyCloseSignals {
		for _, pm := range e.mappings.All() {
			if _, ok := present[pm.LeaderTicket]; ok {
				continue
			}
			if e.closeMirrored(ctx, pm.LeaderTicket, audit.OriginReconcile) {
				e.stats.bump(&e.stats.ReconcileRepairs, metrics.ReconcileRepairs)
				closed++
			}
		}
	}

	if opened > 0 || closed > 0 {
		logger.Infof("🧭 对账完成: 补开 %d 笔, 清理孤儿 %d 笔, 映射 %d 条", opened, closed, e.mappings.Len())
	}
}
