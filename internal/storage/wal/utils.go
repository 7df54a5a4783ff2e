package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（CLI 檢查與恢復流程使用）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

var log = slog.Default()

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 採用從頭到尾掃描，回傳最後一個成功驗證的事件；
// 檔案為空時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// WALStats WAL 檔案的摘要
type WALStats struct {
	Events   int    `json:"events"`
	Upserts  int    `json:"upserts"`
	Purges   int    `json:"purges"`
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
}

// ValidateWAL 驗證整個檔案並回傳統計；任何損毀都回傳錯誤
func ValidateWAL(path string) (*WALStats, error) {
	stats := &WALStats{}
	err := ReplayFile(path, func(event Event) error {
		if stats.Events == 0 {
			stats.FirstSeq = event.Seq
		}
		stats.Events++
		stats.LastSeq = event.Seq
		switch event.Type {
		case EventUpsert:
			stats.Upserts++
		case EventPurge:
			stats.Purges++
		default:
			return fmt.Errorf("wal: unknown event type %q at seq=%d", event.Type, event.Seq)
		}
		return nil
	})
	return stats, err
}

// DumpWAL 以 JSON lines 格式輸出所有事件（除錯用）
func DumpWAL(path string, w io.Writer) error {
	enc := json.NewEncoder(w)
	return ReplayFile(path, func(event Event) error {
		return enc.Encode(event)
	})
}

// Quarantine 將損毀的檔案改名保留，回傳新路徑；檔案不存在時回傳空字串
func Quarantine(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	dst := fmt.Sprintf("%s.corrupt-%s", path, time.Now().Format("20060102_150405"))
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	return dst, nil
}
