package coordinator

import (
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/loomkernel/loom/internal/metrics"
	"github.com/loomkernel/loom/internal/workflow"
)

// LivelockConfig tunes the livelock detector.
type LivelockConfig struct {
	// WindowSize is how many recent records per agent are inspected.
	WindowSize int
	// MaxCycleLen is the longest repeating cycle considered.
	MaxCycleLen int
	// Repeats is how many consecutive repetitions count as livelock.
	Repeats int
}

// DefaultLivelockConfig matches a two-state ping-pong repeated three times
// inside a twelve-record window.
func DefaultLivelockConfig() LivelockConfig {
	return LivelockConfig{WindowSize: 12, MaxCycleLen: 4, Repeats: 3}
}

// LivelockDetection describes a repeating state cycle for one agent.
type LivelockDetection struct {
	AgentID    string   `json:"agent_id"`
	WorkflowID string   `json:"workflow_id"`
	TaskID     string   `json:"task_id"`
	CycleLen   int      `json:"cycle_len"`
	Repeats    int      `json:"repeats"`
	Cycle      []uint64 `json:"cycle"`
}

type stateRecord struct {
	workflowID string
	taskID     string
	signature  uint64
}

// LivelockDetector flags agents whose recent state signatures form a short
// repeating cycle. Signatures deliberately exclude monotonically-changing
// fields (attempt counters, timestamps); otherwise every tick looks new and
// no cycle is ever observed.
type LivelockDetector struct {
	cfg LivelockConfig

	mu      sync.Mutex
	records map[string][]stateRecord
}

// signatureExcludedKeys are stripped from reported state before hashing.
var signatureExcludedKeys = map[string]struct{}{
	"attempt":    {},
	"attempts":   {},
	"timestamp":  {},
	"updated_at": {},
}

// NewLivelockDetector creates a detector. Zero-valued config fields take
// their defaults.
func NewLivelockDetector(cfg LivelockConfig) *LivelockDetector {
	def := DefaultLivelockConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxCycleLen <= 0 {
		cfg.MaxCycleLen = def.MaxCycleLen
	}
	if cfg.Repeats <= 1 {
		cfg.Repeats = def.Repeats
	}
	return &LivelockDetector{cfg: cfg, records: make(map[string][]stateRecord)}
}

// Record appends the agent's reported state to its history window.
func (d *LivelockDetector) Record(agentID, workflowID, taskID string, state workflow.Payload) {
	rec := stateRecord{
		workflowID: workflowID,
		taskID:     taskID,
		signature:  StateSignature(state),
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := append(d.records[agentID], rec)
	if excess := len(hist) - d.cfg.WindowSize; excess > 0 {
		hist = hist[excess:]
	}
	d.records[agentID] = hist
}

// Detect scans every agent's window for a repeating cycle and returns the
// first detection, or nil.
func (d *LivelockDetector) Detect() *LivelockDetection {
	d.mu.Lock()
	defer d.mu.Unlock()
	for agentID, hist := range d.records {
		if det := d.detectAgent(agentID, hist); det != nil {
			metrics.LivelocksDetected.Inc()
			return det
		}
	}
	return nil
}

// DetectAgent scans one agent's window.
func (d *LivelockDetector) DetectAgent(agentID string) *LivelockDetection {
	d.mu.Lock()
	defer d.mu.Unlock()
	det := d.detectAgent(agentID, d.records[agentID])
	if det != nil {
		metrics.LivelocksDetected.Inc()
	}
	return det
}

// Clear drops the agent's history (REPLAN mitigation).
func (d *LivelockDetector) Clear(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, agentID)
}

func (d *LivelockDetector) detectAgent(agentID string, hist []stateRecord) *LivelockDetection {
	for cycleLen := 1; cycleLen <= d.cfg.MaxCycleLen; cycleLen++ {
		span := cycleLen * d.cfg.Repeats
		if len(hist) < span {
			continue
		}
		tail := hist[len(hist)-span:]
		if !repeats(tail, cycleLen) {
			continue
		}
		// A cycle of identical signatures is only livelock when the state
		// actually alternates; a constant signature with cycleLen > 1 is
		// already caught at cycleLen 1.
		cycle := make([]uint64, cycleLen)
		for i := 0; i < cycleLen; i++ {
			cycle[i] = tail[i].signature
		}
		last := tail[len(tail)-1]
		return &LivelockDetection{
			AgentID:    agentID,
			WorkflowID: last.workflowID,
			TaskID:     last.taskID,
			CycleLen:   cycleLen,
			Repeats:    d.cfg.Repeats,
			Cycle:      cycle,
		}
	}
	return nil
}

// repeats reports whether tail is exactly the same cycleLen-signature
// sequence repeated end to end.
func repeats(tail []stateRecord, cycleLen int) bool {
	for i := cycleLen; i < len(tail); i++ {
		if tail[i].signature != tail[i-cycleLen].signature {
			return false
		}
	}
	return true
}

// StateSignature hashes a reported state into a stable signature, excluding
// attempt counters and timestamps. encoding/json sorts map keys, so equal
// states always hash equal.
func StateSignature(state workflow.Payload) uint64 {
	filtered := make(map[string]interface{}, len(state))
	for k, v := range state {
		if _, skip := signatureExcludedKeys[k]; skip {
			continue
		}
		filtered[k] = v
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		b = []byte("unencodable")
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// Livelock exposes the coordinator's built-in detector.
func (c *Coordinator) Livelock() *LivelockDetector { return c.livelock }

// RecordAgentState feeds the livelock detector.
func (c *Coordinator) RecordAgentState(agentID, workflowID, taskID string, state workflow.Payload) {
	c.livelock.Record(agentID, workflowID, taskID, state)
}

// DetectLivelock scans all agents.
func (c *Coordinator) DetectLivelock() *LivelockDetection {
	return c.livelock.Detect()
}
