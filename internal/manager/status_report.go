package manager

import (
	"time"

	"vlmd/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, ModelID: m.modelID, Err: m.err}
}

// Status builds the /status payload. Backend and VRAM figures are filled
// once a handle exists or is being built.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp := types.StatusResponse{
		State:            string(m.state),
		Model:            m.modelID,
		MaxQueueDepth:    m.maxQueueDepth,
		LoadsTotal:       m.loads.Load(),
		GenerationsTotal: m.generations.Load(),
		LastError:        m.err,
		UptimeSeconds:    int64(time.Since(m.startTime) / time.Second),
		ServerTimeUnix:   time.Now().Unix(),
	}
	switch {
	case m.handle != nil:
		resp.Backend = m.handle.cfg.Backend.Mode
		resp.EstimatedVRAMGB = m.handle.cfg.Model.EstimatedVRAMGB()
		resp.QueueLen = m.handle.QueueLen()
		resp.Inflight = m.handle.Inflight()
	case m.loading != nil:
		resp.Backend = m.loading.cfg.Backend.Mode
		resp.EstimatedVRAMGB = m.loading.cfg.Model.EstimatedVRAMGB()
	}
	return resp
}
