package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Monitor 週期性地為本節點送出心跳，並把註冊中心的存活集合同步到 Manager
type Monitor struct {
	self     Node
	registry Registry
	manager  *Manager
	timeout  time.Duration
	log      *slog.Logger
}

// NewMonitor 建立成員監控
func NewMonitor(self Node, registry Registry, manager *Manager, timeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		self:     self,
		registry: registry,
		manager:  manager,
		timeout:  timeout,
		log:      logger.With("component", "cluster.monitor"),
	}
}

// Self 本節點
func (m *Monitor) Self() Node { return m.self }

// Sync 心跳並以註冊中心的存活集合整批取代 Manager 的集合
func (m *Monitor) Sync(ctx context.Context) error {
	if err := m.registry.Heartbeat(ctx, m.self); err != nil {
		return err
	}
	alive, err := m.registry.Alive(ctx, m.timeout)
	if err != nil {
		return err
	}
	m.manager.Reset(alive)
	return nil
}

// Leave 註銷本節點
func (m *Monitor) Leave(ctx context.Context) error {
	if err := m.registry.Remove(ctx, m.self); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	m.manager.Offline(m.self)
	return nil
}
