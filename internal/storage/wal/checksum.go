package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + 任務記錄（JSON）+ 被清除的任務 ID
// 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(event.Seq, 10)))
	h.Write([]byte(event.Type))
	if event.Task != nil {
		// Task 只包含可序列化欄位，Marshal 不會失敗
		payload, _ := json.Marshal(event.Task)
		h.Write(payload)
	}
	for _, id := range event.TaskIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和，不一致時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
