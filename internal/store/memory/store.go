// ============================================================================
// flowjob Memory Store - 單機模式的儲存後端
// ============================================================================
//
// Package: internal/store/memory
// 文件: store.go
//
// 交易:
//   Transactional 持有 txMu 直到 fn 結束，所有交易因此序列化，
//   LockAndGet 不需要額外的行鎖。每次寫入先把舊值記入 undo log，
//   fn 返回錯誤或 panic 時倒序執行 undo，恢復交易前的狀態。
//
// 鎖:
//   txMu    Plan / Instance / JobInstance（交易內存取）
//   segMu   ID 計數器（IDGenerator 會在交易中呼叫，必須獨立）
//   agentMu Agent
//
// 快照與日誌:
//   Open(path) 啟動時載入快照，再重放 path.wal 中快照之後的事件。
//   每次交易提交、ID 計數器推進、Agent 心跳都先追加一筆日誌；
//   日誌寫入失敗時交易回滾。SaveSnapshot 由 SNAPSHOT 控制任務定期呼叫，
//   寫入快照後壓縮日誌。快照格式由 internal/snapshot 處理，
//   日誌格式由 internal/storage/wal 處理。
//
// 所有讀寫都做深拷貝，呼叫方拿到的物件修改後不會影響儲存內容。
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/flowjob-broker/internal/idgen"
	"github.com/ChuLiYu/flowjob-broker/internal/metrics"
	"github.com/ChuLiYu/flowjob-broker/internal/slot"
	"github.com/ChuLiYu/flowjob-broker/internal/snapshot"
	"github.com/ChuLiYu/flowjob-broker/internal/storage/wal"
	"github.com/ChuLiYu/flowjob-broker/internal/store"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// Store 記憶體儲存
type Store struct {
	txMu         sync.Mutex
	plans        map[string]*types.Plan
	planVersions map[string][]*types.Plan
	instances    map[string]*types.Instance
	jobInstances map[string]*types.JobInstance
	jobsByInst   map[string][]string // instanceID → JobInstance id（建立順序）

	segMu    sync.Mutex
	segments map[idgen.IDType]int64

	agentMu sync.Mutex
	agents  map[string]*types.Agent

	snap        *snapshot.Manager
	backups     int
	journal     *wal.WAL
	syncJournal bool
	log         *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option Open 的選項
type Option func(*Store)

// WithJournalSync 每筆日誌是否立即 fsync，預設 true；
// false 時批次寫入，崩潰可能遺失最後一秒內的提交
func WithJournalSync(sync bool) Option {
	return func(s *Store) { s.syncJournal = sync }
}

// New 建立空的記憶體儲存
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{log: logger.With("component", "memory-store"), syncJournal: true}
	s.reset(snapshot.Empty())
	return s
}

// Open 建立記憶體儲存並從 path 的快照與日誌恢復；path 為空時等同 New
//
// 參數：
//   - path: 快照檔案路徑，日誌位於 path + ".wal"
//   - backups: 保留的舊快照份數
//   - m: 記錄恢復耗時，可為 nil
func Open(path string, backups int, m *metrics.Collector, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := New(logger)
	for _, opt := range opts {
		opt(s)
	}
	if path == "" {
		return s, nil
	}
	s.snap = snapshot.NewManager(path)
	s.backups = backups

	start := time.Now()
	data, err := s.snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.reset(data)

	// 序號倒退代表日誌被拼接或覆寫，重播會把舊值蓋回去
	if err := wal.ValidateWAL(path + snapshot.JournalSuffix); err != nil {
		return nil, fmt.Errorf("validate journal: %w", err)
	}
	journal, err := wal.NewWAL(path+snapshot.JournalSuffix, s.syncJournal)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	replayed := 0
	err = journal.Replay(data.WALSeq, func(ev wal.Event) error {
		replayed++
		return s.apply(ev)
	})
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	journal.Resume(data.WALSeq)
	s.journal = journal

	elapsed := time.Since(start)
	m.SetRecoveryTime(elapsed.Seconds())
	s.log.Info("snapshot restored",
		"path", path,
		"plans", len(s.plans),
		"instances", len(s.instances),
		"jobInstances", len(s.jobInstances),
		"replayed", replayed,
		"elapsed", elapsed,
	)
	return s, nil
}

func (s *Store) reset(data snapshot.Data) {
	s.plans = data.Plans
	s.planVersions = data.PlanVersions
	s.instances = data.Instances
	s.jobInstances = data.JobInstances
	s.agents = data.Agents
	s.segments = make(map[idgen.IDType]int64, len(data.Segments))
	for k, v := range data.Segments {
		s.segments[idgen.IDType(k)] = v
	}

	// 依建立時間重建索引
	jobs := make([]*types.JobInstance, 0, len(s.jobInstances))
	for _, j := range s.jobInstances {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return idLess(jobs[a].ID, jobs[b].ID)
	})
	s.jobsByInst = map[string][]string{}
	for _, j := range jobs {
		s.jobsByInst[j.InstanceID] = append(s.jobsByInst[j.InstanceID], j.ID)
	}
}

// idLess 十進位字串 id 的數值比較
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// apply 把一筆日誌事件寫回記憶體；只在 Open 時呼叫
func (s *Store) apply(ev wal.Event) error {
	for _, c := range ev.Changes {
		switch c.Type {
		case wal.EventPlan:
			var p types.Plan
			if err := c.Decode(&p); err != nil {
				return err
			}
			s.plans[c.Key] = &p
		case wal.EventPlanVersion:
			var p types.Plan
			if err := c.Decode(&p); err != nil {
				return err
			}
			vs := s.planVersions[c.Key]
			if len(vs) == 0 || vs[len(vs)-1].Version != p.Version {
				s.planVersions[c.Key] = append(vs, &p)
			}
		case wal.EventInstance:
			var inst types.Instance
			if err := c.Decode(&inst); err != nil {
				return err
			}
			s.instances[c.Key] = &inst
		case wal.EventJobInstance:
			var j types.JobInstance
			if err := c.Decode(&j); err != nil {
				return err
			}
			if _, ok := s.jobInstances[c.Key]; !ok {
				s.jobsByInst[j.InstanceID] = append(s.jobsByInst[j.InstanceID], c.Key)
			}
			s.jobInstances[c.Key] = &j
		case wal.EventSegment:
			var v int64
			if err := c.Decode(&v); err != nil {
				return err
			}
			s.segments[idgen.IDType(c.Key)] = v
		case wal.EventAgent:
			var a types.Agent
			if err := c.Decode(&a); err != nil {
				return err
			}
			s.agents[c.Key] = &a
		default:
			return fmt.Errorf("seq %d: unknown change type %q: %w", ev.Seq, c.Type, wal.ErrCorruptedWAL)
		}
	}
	return nil
}

// appendJournal 追加一筆日誌；未設定快照路徑時不做任何事
func (s *Store) appendJournal(t wal.EventType, key string, v any) error {
	if s.journal == nil {
		return nil
	}
	c, err := wal.NewChange(t, key, v)
	if err != nil {
		return err
	}
	if _, err := s.journal.Append(c); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Close 實作 store.Store
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// SnapshotEnabled 是否設定了快照路徑
func (s *Store) SnapshotEnabled() bool { return s.snap != nil }

// Snapshot 複製目前的完整狀態
//
// 同時持有三把鎖，期間沒有日誌追加，WALSeq 與內容一致
func (s *Store) Snapshot() snapshot.Data {
	data := snapshot.Empty()
	data.TakenAt = time.Now()

	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.segMu.Lock()
	defer s.segMu.Unlock()
	s.agentMu.Lock()
	defer s.agentMu.Unlock()

	data.WALSeq = s.journal.LastSeq()
	for id, p := range s.plans {
		data.Plans[id] = p.Clone()
	}
	for id, vs := range s.planVersions {
		cp := make([]*types.Plan, len(vs))
		for i, v := range vs {
			cp[i] = v.Clone()
		}
		data.PlanVersions[id] = cp
	}
	for id, inst := range s.instances {
		data.Instances[id] = inst.Clone()
	}
	for id, j := range s.jobInstances {
		data.JobInstances[id] = j.Clone()
	}
	for t, v := range s.segments {
		data.Segments[string(t)] = v
	}
	for id, a := range s.agents {
		cp := *a
		data.Agents[id] = &cp
	}
	return data
}

// SaveSnapshot 寫入快照；未設定路徑時不做任何事
func (s *Store) SaveSnapshot(ctx context.Context) error {
	if s.snap == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data := s.Snapshot()
	if err := s.snap.WriteWithBackup(data, s.backups); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := s.journal.Compact(data.WALSeq); err != nil {
		return fmt.Errorf("compact journal: %w", err)
	}
	s.log.Debug("snapshot saved",
		"path", s.snap.GetPath(),
		"walSeq", data.WALSeq,
		"jobInstances", len(data.JobInstances),
	)
	return nil
}

// ============================================================================
// 交易
// ============================================================================

// tx 一次交易；只在持有 txMu 時使用
type tx struct {
	s       *Store
	undo    []func()
	changes []wal.Change
	err     error // 日誌編碼失敗
}

// record 記下提交時要追加的日誌
func (t *tx) record(et wal.EventType, key string, v any) {
	if t.s.journal == nil || t.err != nil {
		return
	}
	c, err := wal.NewChange(et, key, v)
	if err != nil {
		t.err = err
		return
	}
	t.changes = append(t.changes, c)
}

// commit 把整筆交易寫成一筆日誌事件
func (t *tx) commit() error {
	if t.err != nil {
		return t.err
	}
	if t.s.journal == nil || len(t.changes) == 0 {
		return nil
	}
	if _, err := t.s.journal.Append(t.changes...); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (t *tx) Plans() store.PlanRepository               { return planRepo{t} }
func (t *tx) Instances() store.InstanceRepository       { return instanceRepo{t} }
func (t *tx) JobInstances() store.JobInstanceRepository { return jobInstanceRepo{t} }

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Transactional 實作 store.TxManager
func (s *Store) Transactional(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx{s: s}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
	}()

	if err = fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	if err = t.commit(); err != nil {
		t.rollback()
		return err
	}
	return nil
}

// ============================================================================
// ID 計數器（idgen.SegmentStore）
// ============================================================================

// Current 實作 idgen.SegmentStore
func (s *Store) Current(ctx context.Context, t idgen.IDType) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return s.segments[t], nil
}

// CompareAndSwap 實作 idgen.SegmentStore
func (s *Store) CompareAndSwap(ctx context.Context, t idgen.IDType, old, next int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if s.segments[t] != old {
		return false, nil
	}
	if err := s.appendJournal(wal.EventSegment, string(t), next); err != nil {
		return false, err
	}
	s.segments[t] = next
	return true, nil
}

// ============================================================================
// slot 目錄（slot.Catalog）
// ============================================================================

// IDsInSlots 實作 slot.Catalog
func (s *Store) IDsInSlots(ctx context.Context, kind slot.EntityKind, slots []int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[int]struct{}, len(slots))
	for _, sl := range slots {
		want[sl] = struct{}{}
	}
	owned := func(id string) bool {
		_, ok := want[slot.Slot(id)]
		return ok
	}

	var ids []string
	switch kind {
	case slot.KindPlan:
		s.txMu.Lock()
		for id := range s.plans {
			if owned(id) {
				ids = append(ids, id)
			}
		}
		s.txMu.Unlock()
	case slot.KindWorker:
		s.txMu.Lock()
		for id, inst := range s.instances {
			if !inst.Status.Terminal() && owned(id) {
				ids = append(ids, id)
			}
		}
		s.txMu.Unlock()
	case slot.KindAgent:
		s.agentMu.Lock()
		for id := range s.agents {
			if owned(id) {
				ids = append(ids, id)
			}
		}
		s.agentMu.Unlock()
	default:
		return nil, fmt.Errorf("%w: entity kind %q", types.ErrIllegalArgument, kind)
	}
	sort.Slice(ids, func(a, b int) bool { return idLess(ids[a], ids[b]) })
	return ids, nil
}

// ============================================================================
// Agent（store.AgentRepository）
// ============================================================================

// Agents 實作 store.Store
func (s *Store) Agents() store.AgentRepository { return agentRepo{s} }

type agentRepo struct{ s *Store }

func (r agentRepo) Heartbeat(ctx context.Context, a *types.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.agentMu.Lock()
	defer r.s.agentMu.Unlock()
	cp := *a
	cp.Status = types.AgentRunning
	cp.Enabled = true
	if old, ok := r.s.agents[a.ID]; ok {
		// 啟用狀態由營運方控制，心跳不覆蓋
		cp.Enabled = old.Enabled
	}
	if err := r.s.appendJournal(wal.EventAgent, cp.ID, &cp); err != nil {
		return err
	}
	r.s.agents[a.ID] = &cp
	return nil
}

func (r agentRepo) Get(ctx context.Context, id string) (*types.Agent, error) {
	r.s.agentMu.Lock()
	defer r.s.agentMu.Unlock()
	a, ok := r.s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (r agentRepo) HeartbeatBetween(ctx context.Context, from, to time.Time) ([]*types.Agent, error) {
	r.s.agentMu.Lock()
	defer r.s.agentMu.Unlock()
	var out []*types.Agent
	for _, a := range r.s.agents {
		if a.LastHeartbeatAt.After(from) && !a.LastHeartbeatAt.After(to) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r agentRepo) Fuse(ctx context.Context, id string, before time.Time) (int64, error) {
	r.s.agentMu.Lock()
	defer r.s.agentMu.Unlock()
	a, ok := r.s.agents[id]
	if !ok || a.Status != types.AgentRunning || !a.LastHeartbeatAt.Before(before) {
		return 0, nil
	}
	cp := *a
	cp.Status = types.AgentFusing
	if err := r.s.appendJournal(wal.EventAgent, id, &cp); err != nil {
		return 0, err
	}
	r.s.agents[id] = &cp
	return 1, nil
}

func (r agentRepo) List(ctx context.Context) ([]*types.Agent, error) {
	r.s.agentMu.Lock()
	defer r.s.agentMu.Unlock()
	out := make([]*types.Agent, 0, len(r.s.agents))
	for _, a := range r.s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
