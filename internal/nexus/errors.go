package nexus

import (
	"errors"
	"fmt"
)

var (
	ErrNodeExists      = errors.New("node already registered")
	ErrNodeNotFound    = errors.New("node not found")
	ErrNodeOffline     = errors.New("node is offline")
	ErrNoHealthyNode   = errors.New("no healthy node with required capability")
	ErrNodeUnavailable = errors.New("node unavailable")
	ErrRemoteTimeout   = errors.New("remote execution timed out")
	ErrInvalidNode     = errors.New("invalid node registration")
)

// RemoteError 節點已收到請求，但技能本身執行失敗（節點健康不受影響）
type RemoteError struct {
	NodeID  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

// Retryable 呼叫端可改用其他節點或稍後重試的錯誤
func Retryable(err error) bool {
	return errors.Is(err, ErrNodeUnavailable) ||
		errors.Is(err, ErrRemoteTimeout) ||
		errors.Is(err, ErrNoHealthyNode) ||
		errors.Is(err, ErrNodeOffline)
}
