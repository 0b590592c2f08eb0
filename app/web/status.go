package web

import (
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// StatusResponse is the JSON response for /api/v1/status - designed for CLI/jq consumption
type StatusResponse struct {
	Version   string    `json:"version"`
	Jobs      JobsStats `json:"jobs"`
	Host      HostStats `json:"host"`
	Timestamp time.Time `json:"timestamp"`
}

// JobsStats aggregates job counts per status
type JobsStats struct {
	Total    int            `json:"total"`
	Statuses map[string]int `json:"statuses"`
}

// HostStats holds system metrics, zero-valued on collection failure
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskFreeMB    uint64  `json:"disk_free_mb"`
}

// handleStatus returns job counts and host metrics
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := JobsStats{Statuses: map[string]int{}}
	jobs, err := s.store.GetAllJobs()
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	stats.Total = len(jobs)
	for _, j := range jobs {
		stats.Statuses[j.Status]++
	}

	resp := StatusResponse{
		Version:   s.version,
		Jobs:      stats,
		Host:      s.hostStats(),
		Timestamp: time.Now(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// hostStats collects system metrics, best-effort - a failed probe leaves its field zero
func (s *Server) hostStats() HostStats {
	res := HostStats{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		res.CPUPercent = percents[0]
	} else if err != nil {
		log.Printf("[DEBUG] can't get cpu stats: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		res.MemoryPercent = vm.UsedPercent
	} else {
		log.Printf("[DEBUG] can't get memory stats: %v", err)
	}

	if s.jobsRoot != "" {
		if usage, err := disk.Usage(s.jobsRoot); err == nil {
			res.DiskFreeMB = usage.Free / 1024 / 1024
		} else {
			log.Printf("[DEBUG] can't get disk stats: %v", err)
		}
	}

	return res
}
