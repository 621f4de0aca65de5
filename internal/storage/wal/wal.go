package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，一行一筆 JSON）
// 2. 提供重放功能，從快照之後的事件恢復狀態
// 3. 快照完成後壓縮日誌，只保留快照未涵蓋的事件
// 4. 開啟時截掉寫入中斷留下的不完整記錄
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultBufferSize    = 1000
	defaultFlushInterval = time.Second
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex // 保護並發寫入
	file         *os.File   // WAL 檔案
	path         string     // WAL 檔案路徑
	size         int64      // 已成功寫入的位元組數
	seq          uint64     // 當前事件序號
	syncOnAppend bool       // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描並取得最後一個事件的 seq
- 檔尾沒有換行的記錄是寫入中斷的殘留，直接截掉
- 中間出現無法解析或校驗失敗的記錄時回傳 CorruptionError

參數：

	path         - WAL 檔案路徑
	syncOnAppend - 每次 Append 都寫入並 fsync；false 時批次寫入

回傳：

	*WAL 實例，錯誤（如果有）
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	var seq uint64
	end, err := scanFile(path, func(ev Event) error {
		seq = ev.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(end); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:          file,
		path:          path,
		size:          end,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, defaultBufferSize),
		bufferSize:    defaultBufferSize,
		lastFlushTime: time.Now(),
		flushInterval: defaultFlushInterval,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - syncOnAppend 時立即寫入並同步；否則緩衝滿或超時才寫入
// - 寫入失敗時本次事件被丟棄，seq 不前進
//
// 參數：
//
//	changes - 同一次提交寫入的實體
//
// 回傳：
//
//	事件序號，錯誤（如果寫入失敗）
func (w *WAL) Append(changes ...Change) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Changes:   changes,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event.Seq, event.Changes)
	w.buffer = append(w.buffer, event)

	needFlush := w.syncOnAppend || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			w.buffer = w.buffer[:len(w.buffer)-1]
			w.seq--
			return 0, err
		}
	}
	return event.Seq, nil
}

// Replay 依序重放 seq 大於 after 的事件
//
// 行為：
// - 先把緩衝區寫入檔案
// - 驗證每個事件的 checksum
// - handler 返回錯誤時立即停止
func (w *WAL) Replay(after uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	_, err := scanFile(w.path, func(ev Event) error {
		if ev.Seq <= after {
			return nil
		}
		return handler(ev)
	})
	return err
}

// Compact 移除 seq 不大於 upTo 的事件
//
// 快照寫入成功後呼叫；快照之後追加的事件保留。
// 以臨時檔案 + rename 替換，過程中斷不會遺失事件。
func (w *WAL) Compact(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("wal: create temp file: %w", err)
	}
	bw := bufio.NewWriter(tmp)
	enc := json.NewEncoder(bw)
	_, err = scanFile(w.path, func(ev Event) error {
		if ev.Seq <= upTo {
			return nil
		}
		return enc.Encode(ev)
	})
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: compact: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("wal: compact: %w", err)
	}
	return w.reopenLocked()
}

// Resume 確保後續序號大於 seq
//
// 用途：日誌已被壓縮為空時，以快照記錄的 seq 接續編號
func (w *WAL) Resume(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < seq {
		w.seq = seq
	}
}

// Flush 把緩衝區寫入磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Close 關閉 WAL；關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// LastSeq 取得當前的事件序號
//
// 用途：快照時記錄 last_seq，恢復時只重放之後的事件
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件一次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
		}
	}

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		w.discardLocked()
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.discardLocked()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}

	w.size += int64(buf.Len())
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// discardLocked 把檔案退回上次成功寫入的位置
func (w *WAL) discardLocked() {
	_ = w.file.Truncate(w.size)
	_, _ = w.file.Seek(w.size, io.SeekStart)
}

// reopenLocked 檔案被替換後重新開啟
func (w *WAL) reopenLocked() error {
	w.file.Close()

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen: %w", err)
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		w.closed = true
		return fmt.Errorf("wal: reopen: %w", err)
	}
	w.file = file
	w.size = end
	return nil
}
