package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mpieniak01/venom/internal/costguard"
	"github.com/mpieniak01/venom/internal/hive"
	"github.com/mpieniak01/venom/internal/orchestrator"
	"github.com/mpieniak01/venom/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

// ============================================================================
// 任務
// ============================================================================

type submitRequest struct {
	Content     string            `json:"content"`
	Priority    int               `json:"priority"`
	Sensitivity string            `json:"sensitivity"`
	Mode        string            `json:"mode"`
	TaskType    string            `json:"task_type"`
	Params      map[string]string `json:"params"`
}

type submitResponse struct {
	ID     types.TaskID     `json:"id"`
	Status types.TaskStatus `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sens, err := types.ParseSensitivity(req.Sensitivity)
	if err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	if req.Mode != "" {
		if _, err := costguard.ParseMode(req.Mode); err != nil {
			writeError(w, badRequest("%v", err))
			return
		}
	}

	opts := []orchestrator.SubmitOption{
		orchestrator.WithPriority(req.Priority),
		orchestrator.WithSensitivity(sens),
		orchestrator.WithParams(req.Params),
		orchestrator.WithMode(req.Mode),
	}
	if req.TaskType != "" {
		opts = append(opts, orchestrator.WithTaskType(types.TaskType(strings.ToUpper(req.TaskType))))
	}

	id, err := s.orch.Submit(r.Context(), req.Content, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: types.StatusPending})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.orch.List()
	if raw := r.URL.Query().Get("status"); raw != "" {
		want := types.TaskStatus(strings.ToUpper(raw))
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == want {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Get(types.TaskID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Abort(types.TaskID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	id, err := s.orch.Resubmit(r.Context(), types.TaskID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: types.StatusPending})
}

// ============================================================================
// 佇列
// ============================================================================

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats())
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	switch action := r.PathValue("action"); action {
	case "pause":
		s.orch.Pause()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
	case "resume":
		s.orch.Resume()
		writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
	case "purge":
		removed := s.orch.Purge()
		writeJSON(w, http.StatusOK, map[string]any{"purged": nonNil(removed), "count": len(removed)})
	case "emergency-stop":
		aborted := s.orch.EmergencyStop()
		writeJSON(w, http.StatusOK, map[string]any{"aborted": nonNil(aborted), "count": len(aborted), "paused": true})
	default:
		writeError(w, fmt.Errorf("%w: unknown queue action %q", errUnavailable, action))
	}
}

func (s *Server) handleMaxActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxActive int `json:"max_active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.MaxActive < 1 {
		writeError(w, badRequest("max_active must be >= 1"))
		return
	}
	s.orch.SetMaxActive(req.MaxActive)
	writeJSON(w, http.StatusOK, map[string]int{"max_active": req.MaxActive})
}

func nonNil(ids []types.TaskID) []types.TaskID {
	if ids == nil {
		return []types.TaskID{}
	}
	return ids
}

// ============================================================================
// 自主等級
// ============================================================================

type levelResponse struct {
	Level types.AutonomyLevel `json:"level"`
	Name  string              `json:"name"`
}

func (s *Server) handleGetAutonomy(w http.ResponseWriter, _ *http.Request) {
	level := s.gate.CurrentLevel()
	writeJSON(w, http.StatusOK, levelResponse{Level: level, Name: level.String()})
}

func (s *Server) handleSetAutonomy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level json.RawMessage `json:"level"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	level, err := parseLevelJSON(req.Level)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.gate.SetLevel(level); err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, levelResponse{Level: level, Name: level.String()})
}

// parseLevelJSON 接受 "BUILDER" 或 30
func parseLevelJSON(raw json.RawMessage) (types.AutonomyLevel, error) {
	if len(raw) == 0 {
		return 0, badRequest("level is required")
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		level, err := types.ParseLevel(name)
		if err != nil {
			return 0, badRequest("%v", err)
		}
		return level, nil
	}
	var n int32
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, badRequest("level must be a name or a number")
	}
	level, err := types.ParseLevel(strconv.Itoa(int(n)))
	if err != nil {
		return 0, badRequest("%v", err)
	}
	return level, nil
}

func (s *Server) handleLevels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current": s.gate.CurrentLevel().String(),
		"levels":  s.gate.Levels(),
	})
}

// ============================================================================
// 付費模式
// ============================================================================

func (s *Server) handleGetCostMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.router.PaidMode(),
		"mode":    s.router.Mode(),
	})
}

func (s *Server) handleSetCostMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
		Confirm bool  `json:"confirm"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, badRequest("enabled is required"))
		return
	}
	if *req.Enabled && !req.Confirm {
		writeError(w, badRequest("enabling paid mode requires confirm=true"))
		return
	}
	s.router.SetPaidMode(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.router.PaidMode()})
}

// ============================================================================
// 節點
// ============================================================================

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []types.NodeRecord{}, "count": 0})
		return
	}
	nodes := s.registry.List()
	if nodes == nil {
		nodes = []types.NodeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

type executeRequest struct {
	NodeID     string            `json:"node_id"`
	Capability string            `json:"capability"`
	Skill      string            `json:"skill"`
	Params     map[string]string `json:"params"`
	TimeoutMs  int64             `json:"timeout_ms"`
}

type executeResponse struct {
	NodeID string `json:"node_id"`
	Result string `json:"result"`
}

// handleNodeExecute 直接在節點上執行技能，同樣受自主等級限制
func (s *Server) handleNodeExecute(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, fmt.Errorf("%w: nexus", errUnavailable))
		return
	}
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Skill == "" {
		writeError(w, badRequest("skill is required"))
		return
	}
	if req.NodeID == "" && req.Capability == "" {
		writeError(w, badRequest("node_id or capability is required"))
		return
	}
	if err := s.gate.Check(req.Skill); err != nil {
		s.metrics.RecordViolation(req.Skill)
		writeError(w, err)
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var (
		result string
		nodeID = req.NodeID
		err    error
	)
	if nodeID != "" {
		result, err = s.registry.ExecuteOnNode(r.Context(), nodeID, req.Skill, req.Params, timeout)
	} else {
		result, nodeID, err = s.registry.ExecuteAuto(r.Context(), req.Capability, req.Skill, req.Params, timeout)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{NodeID: nodeID, Result: result})
}

// ============================================================================
// Hive
// ============================================================================

func (s *Server) handleHiveStats(w http.ResponseWriter, r *http.Request) {
	if s.hive == nil {
		writeError(w, fmt.Errorf("%w: hive", errUnavailable))
		return
	}
	stats, err := s.hive.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHiveDead(w http.ResponseWriter, r *http.Request) {
	if s.hive == nil {
		writeError(w, fmt.Errorf("%w: hive", errUnavailable))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	jobs, err := s.hive.ListDead(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []hive.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}
