package copier

import (
	"expvar"
)

// Stats 运行期计数器，引擎 goroutine 独占写入
// 每次自增同步镜像到 expvar，/debug/vars 可直接观测
type Stats struct {
	EventsReceived    int64 `json:"eventsReceived"`
	EventsDropped     int64 `json:"eventsDropped"`
	SnapshotsReceived int64 `json:"snapshotsReceived"`
	DuplicatesIgnored int64 `json:"duplicatesIgnored"`
	OpensOK           int64 `json:"opensOk"`
	OpensFailed       int64 `json:"opensFailed"`
	ClosesOK          int64 `json:"closesOk"`
	ClosesFailed      int64 `json:"closesFailed"`
	ModifiesOK        int64 `json:"modifiesOk"`
	ModifiesFailed    int64 `json:"modifiesFailed"`
	ReconcileRuns     int64 `json:"reconcileRuns"`
	ReconcileRepairs  int64 `json:"reconcileRepairs"`
	Divergences       int64 `json:"divergences"`
	CommandsProcessed int64 `json:"commandsProcessed"`
	ConnectionFlips   int64 `json:"connectionFlips"`
}

func (s *Stats) bump(field *int64, counter *expvar.Int) {
	*field++
	if counter != nil {
		counter.Add(1)
	}
}
