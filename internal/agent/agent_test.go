package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/flowjob-broker/internal/store/memory"
	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *memory.Store, *fakeClock) {
	t.Helper()
	s := memory.New(nil)
	clock := &fakeClock{now: time.Unix(10_000, 0)}
	r := NewRegistry(s.Agents(), 10*time.Second, nil, nil)
	r.now = clock.Now
	return r, s, clock
}

func agentAt(id string, queue int) *types.Agent {
	return &types.Agent{ID: id, Host: "127.0.0.1", Port: 9000, AvailableQueueLimit: queue}
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistryOnlineIsEventuallyConsistent(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, agentAt("a1", 4)))
	assert.False(t, r.Alive("a1"), "heartbeat alone does not make an agent alive")

	require.NoError(t, r.OnlineCheck(ctx))
	assert.True(t, r.Alive("a1"))

	// 下一輪只看 (上次檢查, now] 的心跳
	clock.Advance(time.Second)
	require.NoError(t, r.Heartbeat(ctx, agentAt("a2", 4)))
	require.NoError(t, r.OnlineCheck(ctx))
	assert.True(t, r.Alive("a2"))
	assert.Len(t, r.List(), 2)
}

func TestRegistryOfflineFusesStaleAgents(t *testing.T) {
	r, s, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, agentAt("a1", 4)))
	require.NoError(t, r.Heartbeat(ctx, agentAt("a2", 4)))
	require.NoError(t, r.OnlineCheck(ctx))

	// a2 持續心跳，a1 停止
	clock.Advance(8 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, agentAt("a2", 4)))
	clock.Advance(5 * time.Second)
	require.NoError(t, r.OfflineCheck(ctx, nil))

	assert.False(t, r.Alive("a1"))
	assert.True(t, r.Alive("a2"))

	a1, err := s.Agents().Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentFusing, a1.Status)

	// 重新心跳後再次上線
	require.NoError(t, r.Heartbeat(ctx, agentAt("a1", 4)))
	require.NoError(t, r.OnlineCheck(ctx))
	assert.True(t, r.Alive("a1"))
}

func TestRegistryOfflineRespectsOwnership(t *testing.T) {
	r, s, clock := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, agentAt("a1", 4)))
	require.NoError(t, r.OnlineCheck(ctx))
	clock.Advance(time.Minute)

	require.NoError(t, r.OfflineCheck(ctx, func(string) bool { return false }))
	assert.False(t, r.Alive("a1"), "removed locally even when not owned")

	a1, err := s.Agents().Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentRunning, a1.Status, "only the owner persists FUSING")
}

func TestRegistryFuseStaleCoversUnseenAgents(t *testing.T) {
	r, s, clock := newTestRegistry(t)
	ctx := context.Background()

	// 心跳寫入儲存但從未經過本節點的 OnlineCheck
	require.NoError(t, r.Heartbeat(ctx, agentAt("a1", 4)))
	require.NoError(t, r.Heartbeat(ctx, agentAt("a2", 4)))
	clock.Advance(8 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, agentAt("a2", 4)))
	clock.Advance(5 * time.Second)

	n, err := r.FuseStale(ctx, []string{"a1", "a2", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a1, err := s.Agents().Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentFusing, a1.Status)
	a2, err := s.Agents().Get(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, types.AgentRunning, a2.Status)

	// 已是 FUSING 不重複計數
	n, err = r.FuseStale(ctx, []string{"a1"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistryCandidates(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, agentAt("b", 2)))
	require.NoError(t, r.Heartbeat(ctx, agentAt("a", 1)))
	require.NoError(t, r.Heartbeat(ctx, agentAt("full", 0)))
	require.NoError(t, r.OnlineCheck(ctx))

	got := r.Candidates()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	// 已存活的 agent 心跳直接刷新容量
	require.NoError(t, r.Heartbeat(ctx, agentAt("a", 0)))
	assert.Len(t, r.Candidates(), 1)
}

func TestRegistryHeartbeatRequiresID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.Heartbeat(context.Background(), &types.Agent{})
	assert.ErrorIs(t, err, types.ErrIllegalArgument)
}

// ============================================================================
// RoundRobin
// ============================================================================

func TestRoundRobin(t *testing.T) {
	rr := &RoundRobin{}
	agents := []*types.Agent{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	var picked []string
	for i := 0; i < 6; i++ {
		picked = append(picked, rr.Select(agents, nil).ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
	assert.Nil(t, rr.Select(nil, nil))
}

func TestWeightedFollowsQueueLimit(t *testing.T) {
	agents := []*types.Agent{{ID: "a", AvailableQueueLimit: 1}, {ID: "b", AvailableQueueLimit: 3}}
	tests := []struct {
		roll int
		want string
	}{
		{0, "a"},
		{1, "b"},
		{3, "b"},
	}
	for _, tt := range tests {
		w := &Weighted{intn: func(n int) int {
			assert.Equal(t, 4, n)
			return tt.roll
		}}
		assert.Equal(t, tt.want, w.Select(agents, nil).ID, "roll %d", tt.roll)
	}
	assert.Nil(t, (&Weighted{}).Select([]*types.Agent{{ID: "a"}}, nil))
}

func TestAppoint(t *testing.T) {
	agents := []*types.Agent{{ID: "a"}, {ID: "b"}}
	job := &types.JobInstance{DispatchOption: types.DispatchOption{LBType: types.LBAppoint, AppointAgentID: "b"}}
	assert.Equal(t, "b", Appoint{}.Select(agents, job).ID)

	job.DispatchOption.AppointAgentID = "gone"
	assert.Nil(t, Appoint{}.Select(agents, job))
}

func TestConsistentHashIsStable(t *testing.T) {
	agents := []*types.Agent{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	ch := &ConsistentHash{}
	opt := types.DispatchOption{LBType: types.LBConsistentHash, HashKey: "tenant"}

	job := func(tenant string) *types.JobInstance {
		return &types.JobInstance{JobID: "J", DispatchOption: opt, Attributes: types.Attributes{"tenant": tenant}}
	}

	first := ch.Select(agents, job("t-1")).ID
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, ch.Select(agents, job("t-1")).ID)
	}

	// 移除其他 agent 不影響已落在存活 agent 上的 key
	var rest []*types.Agent
	for _, a := range agents {
		if a.ID == first || len(rest) < 1 {
			rest = append(rest, a)
		}
	}
	assert.Equal(t, first, ch.Select(rest, job("t-1")).ID)

	spread := map[string]bool{}
	for i := 0; i < 64; i++ {
		spread[ch.Select(agents, job(fmt.Sprintf("t-%d", i))).ID] = true
	}
	assert.Greater(t, len(spread), 1)
}

func TestLeastRecentlyAndFrequentlyUsed(t *testing.T) {
	agents := []*types.Agent{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	u := newUsage()
	lru := &LeastRecentlyUsed{usage: u}
	lfu := &LeastFrequentlyUsed{usage: u}

	base := time.Unix(100, 0)
	u.record("a", base)
	u.record("a", base.Add(time.Second))
	u.record("b", base.Add(2*time.Second))
	assert.Equal(t, "c", lru.Select(agents, nil).ID, "never used comes first")
	assert.Equal(t, "c", lfu.Select(agents, nil).ID)

	u.record("c", base.Add(3*time.Second))
	assert.Equal(t, "a", lru.Select(agents, nil).ID)
	assert.Equal(t, "b", lfu.Select(agents, nil).ID, "a was used twice")
}

// ============================================================================
// Dispatcher
// ============================================================================

type stubClient struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	sent  map[string]string // jobInstanceID → agentID
}

func (c *stubClient) Dispatch(ctx context.Context, a *types.Agent, job *types.JobInstance) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[string]string{}
	}
	c.sent[job.ID] = a.ID
	return nil
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name    string
		agents  []*types.Agent
		client  *stubClient
		timeout time.Duration
		wantErr error
	}{
		{
			name:   "success",
			agents: []*types.Agent{agentAt("a1", 1)},
			client: &stubClient{},
		},
		{
			name:    "no agent",
			client:  &stubClient{},
			wantErr: ErrNoAgentAvailable,
		},
		{
			name:    "agent queue full",
			agents:  []*types.Agent{agentAt("a1", 0)},
			client:  &stubClient{},
			wantErr: ErrNoAgentAvailable,
		},
		{
			name:    "rpc error",
			agents:  []*types.Agent{agentAt("a1", 1)},
			client:  &stubClient{err: errors.New("connection refused")},
			wantErr: ErrDispatchFailed,
		},
		{
			name:    "rpc timeout",
			agents:  []*types.Agent{agentAt("a1", 1)},
			client:  &stubClient{delay: time.Second},
			timeout: 20 * time.Millisecond,
			wantErr: ErrDispatchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRegistry(t)
			ctx := context.Background()
			for _, a := range tt.agents {
				require.NoError(t, r.Heartbeat(ctx, a))
			}
			require.NoError(t, r.OnlineCheck(ctx))

			d := NewDispatcher(r, nil, tt.client, tt.timeout, nil, nil)
			job := &types.JobInstance{ID: "j1", Type: types.JobNormal}
			target, err := d.Dispatch(ctx, job)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a1", target.ID)
			assert.Equal(t, "a1", tt.client.sent["j1"])
		})
	}
}

func TestDispatchWrapsClientError(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Heartbeat(ctx, agentAt("a1", 1)))
	require.NoError(t, r.OnlineCheck(ctx))

	refused := errors.New("connection refused")
	d := NewDispatcher(r, nil, &stubClient{err: refused}, 0, nil, nil)
	_, err := d.Dispatch(ctx, &types.JobInstance{ID: "j1"})
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorIs(t, err, refused)

	d = NewDispatcher(r, nil, &stubClient{delay: time.Second}, 10*time.Millisecond, nil, nil)
	_, err = d.Dispatch(ctx, &types.JobInstance{ID: "j2"})
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchUsesJobStrategy(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, r.Heartbeat(ctx, agentAt(id, 4)))
	}
	require.NoError(t, r.OnlineCheck(ctx))

	client := &stubClient{}
	d := NewDispatcher(r, nil, client, 0, nil, nil)

	appoint := types.DispatchOption{LBType: types.LBAppoint, AppointAgentID: "a3"}
	for _, id := range []string{"j1", "j2"} {
		target, err := d.Dispatch(ctx, &types.JobInstance{ID: id, DispatchOption: appoint})
		require.NoError(t, err)
		assert.Equal(t, "a3", target.ID)
	}

	// a3 已被使用兩次，LRU 選從未使用的 a1
	target, err := d.Dispatch(ctx, &types.JobInstance{ID: "j3", DispatchOption: types.DispatchOption{LBType: types.LBLeastRecentlyUsed}})
	require.NoError(t, err)
	assert.Equal(t, "a1", target.ID)

	_, err = d.Dispatch(ctx, &types.JobInstance{ID: "j4", DispatchOption: types.DispatchOption{LBType: types.LBAppoint, AppointAgentID: "ghost"}})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)

	_, err = d.Dispatch(ctx, &types.JobInstance{ID: "j5", DispatchOption: types.DispatchOption{LBType: "STICKY"}})
	assert.ErrorIs(t, err, types.ErrIllegalArgument)
}

func TestDispatchRejectsUnknownJobType(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	d := NewDispatcher(r, nil, &stubClient{}, 0, nil, nil)
	_, err := d.Dispatch(context.Background(), &types.JobInstance{ID: "j1", Type: "BROADCAST"})
	assert.ErrorIs(t, err, types.ErrIllegalArgument)
}
