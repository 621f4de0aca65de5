package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋 Seq 與每筆 Change 的 Type、Key、Value；
// 不包含 Timestamp。
func CalculateChecksum(seq uint64, changes []Change) uint32 {
	h := crc32.NewIEEE()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	for _, c := range changes {
		h.Write([]byte(c.Type))
		h.Write([]byte{0})
		h.Write([]byte(c.Key))
		h.Write([]byte{0})
		h.Write(c.Value)
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Seq, event.Changes)
}
