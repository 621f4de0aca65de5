package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestManager_OnlineOfflineNotifies(t *testing.T) {
	m := NewManager(nil)

	var (
		mu    sync.Mutex
		calls [][]Node
	)
	m.Subscribe(func(alive []Node) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, alive)
	})

	b := Node{Host: "10.0.0.2", Port: 9000}
	a := Node{Host: "10.0.0.1", Port: 9000}
	m.Online(b)
	m.Online(a)
	m.Online(a) // 重複上線不通知

	assert.True(t, m.Alive(a.URL()))
	assert.Equal(t, []Node{a, b}, m.AllAlive())

	m.Offline(b)
	m.Offline(b)
	assert.False(t, m.Alive(b.URL()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	assert.Equal(t, []Node{b}, calls[0])
	assert.Equal(t, []Node{a, b}, calls[1])
	assert.Equal(t, []Node{a}, calls[2])
}

func TestManager_Elect(t *testing.T) {
	m := NewManager(nil)
	_, ok := m.Elect("plan-1")
	assert.False(t, ok)

	for _, p := range []int{9001, 9002, 9003} {
		m.Online(Node{Host: "127.0.0.1", Port: p})
	}
	first, ok := m.Elect("plan-1")
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, _ := m.Elect("plan-1")
		assert.Equal(t, first, again)
	}
}

func TestSortNodes(t *testing.T) {
	nodes := []Node{
		{Host: "b", Port: 1},
		{Host: "a", Port: 2},
		{Host: "a", Port: 1},
	}
	sorted := SortNodes(nodes)
	assert.Equal(t, []Node{{Host: "a", Port: 1}, {Host: "a", Port: 2}, {Host: "b", Port: 1}}, sorted)
	assert.Equal(t, "b", nodes[0].Host, "input must not be reordered")
}

func TestMemoryRegistry_Timeout(t *testing.T) {
	r := NewMemoryRegistry()
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	ctx := context.Background()
	n1 := Node{Host: "h1", Port: 1}
	n2 := Node{Host: "h2", Port: 1}
	require.NoError(t, r.Heartbeat(ctx, n1))
	now = now.Add(5 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, n2))

	alive, err := r.Alive(ctx, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []Node{n2}, alive)

	require.NoError(t, r.Remove(ctx, n2))
	alive, err = r.Alive(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []Node{n1}, alive)
}

func TestRedisRegistry(t *testing.T) {
	cli := setupRedis(t)
	r := NewRedisRegistry(cli, "/test/", nil)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	ctx := context.Background()
	n1 := Node{Name: "broker-1", Host: "10.0.0.1", Port: 9090}
	n2 := Node{Name: "broker-2", Host: "10.0.0.2", Port: 9090}
	require.NoError(t, r.Heartbeat(ctx, n2))
	require.NoError(t, r.Heartbeat(ctx, n1))

	alive, err := r.Alive(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []Node{n1, n2}, alive)

	// n1 停止心跳
	now = now.Add(8 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, n2))
	now = now.Add(4 * time.Second)
	alive, err = r.Alive(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []Node{n2}, alive)

	require.NoError(t, r.Remove(ctx, n2))
	alive, err = r.Alive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []Node{n1}, alive)
}

func TestMonitor_Sync(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	ctx := context.Background()
	self := Node{Host: "10.0.0.1", Port: 9090}
	peer := Node{Host: "10.0.0.2", Port: 9090}

	m := NewManager(nil)
	var last []Node
	m.Subscribe(func(alive []Node) { last = alive })

	mon := NewMonitor(self, reg, m, 10*time.Second, nil)
	require.NoError(t, reg.Heartbeat(ctx, peer))
	require.NoError(t, mon.Sync(ctx))
	assert.Equal(t, []Node{self, peer}, m.AllAlive())

	// peer 心跳過期
	now = now.Add(11 * time.Second)
	require.NoError(t, mon.Sync(ctx))
	assert.Equal(t, []Node{self}, m.AllAlive())
	assert.Equal(t, []Node{self}, last)

	require.NoError(t, mon.Leave(ctx))
	assert.Empty(t, m.AllAlive())
}

func TestMonitor_SyncNotifiesOnce(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	self := Node{Host: "10.0.0.1", Port: 9090}
	peers := []Node{{Host: "10.0.0.2", Port: 9090}, {Host: "10.0.0.3", Port: 9090}}
	for _, p := range peers {
		require.NoError(t, reg.Heartbeat(ctx, p))
	}

	m := NewManager(nil)
	var calls [][]Node
	m.Subscribe(func(alive []Node) { calls = append(calls, alive) })

	mon := NewMonitor(self, reg, m, 10*time.Second, nil)
	require.NoError(t, mon.Sync(ctx))
	require.Len(t, calls, 1)
	assert.Equal(t, []Node{self, peers[0], peers[1]}, calls[0])

	// 集合沒變動不通知
	require.NoError(t, mon.Sync(ctx))
	assert.Len(t, calls, 1)
}

func TestManager_ResetSwapsWholeSet(t *testing.T) {
	a := Node{Host: "10.0.0.1", Port: 1}
	b := Node{Host: "10.0.0.2", Port: 1}
	c := Node{Host: "10.0.0.3", Port: 1}

	m := NewManager(nil)
	m.Reset([]Node{a, b})

	var calls [][]Node
	m.Subscribe(func(alive []Node) { calls = append(calls, alive) })

	// 同時一進一出，仍只通知一次
	m.Reset([]Node{c, a})
	require.Len(t, calls, 1)
	assert.Equal(t, []Node{a, c}, calls[0])
	assert.False(t, m.Alive(b.URL()))
}
