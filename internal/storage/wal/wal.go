package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務變更事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復任務表
// 3. 支援日誌旋轉（快照後清空，舊檔壓縮歸檔）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mpieniak01/venom/pkg/types"
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         *os.File      // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器，每個事件一次 Write
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都 fsync
	closed       bool

	keepArchives int // 旋轉後保留的壓縮歸檔數量
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

每個事件都在 Append 內寫入檔案（行程崩潰不會遺失）；
syncOnAppend 只決定是否額外 fsync（防止主機斷電遺失）。
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if last, err := GetLastEvent(path); err == nil {
			seq = last.Seq
		}
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		keepArchives: 3,
	}, nil
}

// SetKeepArchives 設定旋轉後保留的歸檔數量（<=0 表示不保留）
func (w *WAL) SetKeepArchives(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keepArchives = n
}

// RecordUpsert 記錄任務的完整狀態
func (w *WAL) RecordUpsert(task types.Task) error {
	return w.Append(Event{Type: EventUpsert, Task: &task})
}

// RecordPurge 記錄被清除的 PENDING 任務
func (w *WAL) RecordPurge(ids []types.TaskID) error {
	return w.Append(Event{Type: EventPurge, TaskIDs: ids})
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq、填入時間戳
// - 計算 checksum
// - 立即寫入檔案；syncOnAppend 時再 fsync
func (w *WAL) Append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	event.Seq = w.seq + 1
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)
	if err := w.encoder.Encode(event); err != nil {
		return err
	}
	w.seq = event.Seq

	if w.syncOnAppend {
		return w.file.Sync()
	}
	return nil
}

// Flush 將已寫入的事件同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.file.Sync()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止（*CorruptionError / *ChecksumError / handler 錯誤）
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ReplayFile(w.path, handler)
}

// ReplayFile 重放指定 WAL 檔案，不需要開啟 WAL 實例
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for line := 1; ; line++ {
		raw, readErr := reader.ReadBytes('\n')
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 {
			var event Event
			if err := json.Unmarshal(raw, &event); err != nil {
				return &CorruptionError{Line: line, Cause: err}
			}
			if err := VerifyChecksum(event); err != nil {
				return err
			}
			if err := handler(event); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// Rotate 旋轉日誌檔案
//
// 舊檔以時間戳命名並 gzip 壓縮，只保留最近 keepArchives 個歸檔
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0

	if err := w.archiveLocked(backupPath); err != nil {
		log.Warn("Failed to archive rotated WAL", "path", backupPath, "error", err)
	}
	return nil
}

// Close 關閉 WAL，關閉後的實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	syncErr := w.file.Sync()
	if err := w.file.Close(); err != nil {
		return err
	}
	return syncErr
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// archiveLocked 壓縮旋轉後的舊檔並清理過多的歸檔
func (w *WAL) archiveLocked(backupPath string) error {
	if w.keepArchives <= 0 {
		return os.Remove(backupPath)
	}
	if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
		return err
	}
	if err := os.Remove(backupPath); err != nil {
		return err
	}

	archives, err := filepath.Glob(w.path + ".*.gz")
	if err != nil {
		return err
	}
	sort.Strings(archives)
	for len(archives) > w.keepArchives {
		if err := os.Remove(archives[0]); err != nil {
			return err
		}
		archives = archives[1:]
	}
	return nil
}

// compressWALFile gzip 壓縮 WAL 檔案
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	return dstFile.Sync()
}
