package wal

// ============================================================================
// WAL 工具函式
// 職責：檔案掃描、驗證與統計
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// scanFile 逐行讀取事件並呼叫 fn
//
// 回傳最後一筆完整記錄的結束位置。檔案不存在視為空檔；
// 檔尾沒有換行的記錄視為寫入中斷，不回報錯誤。
func scanFile(path string, fn EventHandler) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var ev Event
			if err := json.Unmarshal(trimmed, &ev); err != nil {
				return offset, &CorruptionError{Offset: offset, Cause: err}
			}
			if want := CalculateChecksum(ev.Seq, ev.Changes); ev.Checksum != want {
				return offset, &CorruptionError{
					Offset: offset,
					Cause:  &ChecksumError{Seq: ev.Seq, Expected: want, Actual: ev.Checksum},
				}
			}
			if err := fn(ev); err != nil {
				return offset, err
			}
		}
		offset += int64(len(line))
	}
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（壓縮後可以不從 1 開始）
func ValidateWAL(path string) error {
	var last uint64
	_, err := scanFile(path, func(ev Event) error {
		if ev.Seq <= last {
			return fmt.Errorf("%w: seq %d follows %d", ErrCorruptedWAL, ev.Seq, last)
		}
		last = ev.Seq
		return nil
	})
	return err
}

// WALStats WAL 檔案統計
type WALStats struct {
	Events   int
	Changes  int
	FirstSeq uint64
	LastSeq  uint64
	Size     int64 // 完整記錄佔用的位元組數
}

// GetWALStats 取得 WAL 檔案統計；檔案不存在時回傳零值
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{}
	size, err := scanFile(path, func(ev Event) error {
		if stats.Events == 0 {
			stats.FirstSeq = ev.Seq
		}
		stats.Events++
		stats.Changes += len(ev.Changes)
		stats.LastSeq = ev.Seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Size = size
	return stats, nil
}
