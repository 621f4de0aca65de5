package snapshot

// ============================================================================
// 職責說明：
// 1. 將單機模式的記憶體儲存序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 保留最近幾份備份，便於人工回復
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/flowjob-broker/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// JournalSuffix 與快照並存的日誌檔副檔名，清理備份時略過
const JournalSuffix = ".wal"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Data 快照內容
type Data struct {
	SchemaVer    int                           `json:"schema_ver"`
	TakenAt      time.Time                     `json:"taken_at"`
	Plans        map[string]*types.Plan        `json:"plans"`
	PlanVersions map[string][]*types.Plan      `json:"plan_versions"`
	Instances    map[string]*types.Instance    `json:"instances"`
	JobInstances map[string]*types.JobInstance `json:"job_instances"`
	Agents       map[string]*types.Agent       `json:"agents"`
	Segments     map[string]int64              `json:"segments"` // ID 計數器
	WALSeq       uint64                        `json:"wal_seq"`  // 快照涵蓋的最後一筆日誌序號
}

// Empty 首次啟動時的空快照
func Empty() Data {
	return Data{
		SchemaVer:    SchemaVersion,
		Plans:        map[string]*types.Plan{},
		PlanVersions: map[string][]*types.Plan{},
		Instances:    map[string]*types.Instance{},
		JobInstances: map[string]*types.JobInstance{},
		Agents:       map[string]*types.Agent{},
		Segments:     map[string]int64{},
	}
}

// normalize 確保所有 map 不為 nil
func (d *Data) normalize() {
	if d.Plans == nil {
		d.Plans = map[string]*types.Plan{}
	}
	if d.PlanVersions == nil {
		d.PlanVersions = map[string][]*types.Plan{}
	}
	if d.Instances == nil {
		d.Instances = map[string]*types.Instance{}
	}
	if d.JobInstances == nil {
		d.JobInstances = map[string]*types.JobInstance{}
	}
	if d.Agents == nil {
		d.Agents = map[string]*types.Agent{}
	}
	if d.Segments == nil {
		d.Segments = map[string]int64{}
	}
}

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - data: 快照資料
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data Data) error {
	data.SchemaVer = SchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"

	// 1. 寫入臨時檔案
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	// 2. 原子性重新命名
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空快照（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	data.normalize()
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 份舊快照
func (m *Manager) WriteWithBackup(data Data, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil && keepBackups > 0 {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// pruneBackups 刪除過舊的備份（檔名含時間戳，字典序即時間序）
func (m *Manager) pruneBackups(keep int) error {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return err
	}
	var backups []string
	for _, p := range matches {
		if strings.HasSuffix(p, ".tmp") || strings.HasSuffix(p, JournalSuffix) {
			continue
		}
		backups = append(backups, p)
	}
	if len(backups) <= keep {
		return nil
	}
	sort.Strings(backups)
	for _, p := range backups[:len(backups)-keep] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
	}
	return nil
}
