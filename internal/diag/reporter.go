// Package diag writes structured error reports to disk for postmortem
// analysis of client failures in the field.
package diag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/adred-codev/gameclient/pkg/errs"
)

const (
	reportDirName = "error_reports"
	dirMode       = 0o755
	fileMode      = 0o644
)

// SystemSnapshot captures the host state at report time.
type SystemSnapshot struct {
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	NumCPU        int     `json:"num_cpu"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemTotal      uint64  `json:"mem_total,omitempty"`
	MemUsed       uint64  `json:"mem_used,omitempty"`
	MemPercent    float64 `json:"mem_percent,omitempty"`
	Goroutines    int     `json:"goroutines"`
	GoVersion     string  `json:"go_version"`
}

// Report is the on-disk error report document.
type Report struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Op        string         `json:"op,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Error     string         `json:"error"`
	Context   map[string]any `json:"context,omitempty"`
	System    SystemSnapshot `json:"system"`
}

// Reporter writes JSON error reports under <dir>/error_reports/. Writes
// are rate limited so a failure loop cannot flood the disk; reports past
// the budget are dropped with a log line.
type Reporter struct {
	dir     string
	logger  zerolog.Logger
	limiter *rate.Limiter
}

// NewReporter builds a reporter rooted at dir (the working directory
// when empty). The default budget is 1 report/second with a burst of 5.
func NewReporter(dir string, logger zerolog.Logger) (*Reporter, error) {
	const op = "diag.new_reporter"
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, op, err)
		}
		dir = wd
	}
	reportDir := filepath.Join(dir, reportDirName)
	if err := os.MkdirAll(reportDir, dirMode); err != nil {
		return nil, errs.Wrap(errs.KindConfig, op, err)
	}
	return &Reporter{
		dir:     reportDir,
		logger:  logger.With().Str("component", "diag").Logger(),
		limiter: rate.NewLimiter(rate.Limit(1), 5),
	}, nil
}

// Dir returns the report directory.
func (r *Reporter) Dir() string { return r.dir }

// Report persists one error with context. Returns the report path, or
// empty when the report was rate limited.
func (r *Reporter) Report(component string, err error, context map[string]any) string {
	if err == nil {
		return ""
	}
	if !r.limiter.Allow() {
		r.logger.Debug().Str("component", component).Msg("error report rate limited")
		return ""
	}

	rep := Report{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Component: component,
		Kind:      errs.KindOf(err).String(),
		Error:     err.Error(),
		Context:   context,
		System:    snapshot(),
	}
	var ge *errs.Error
	if errors.As(err, &ge) {
		rep.Op = ge.Op
		rep.Kind = ge.Kind.String()
	}

	name := fmt.Sprintf("%s_%s.json", rep.Timestamp.Format("20060102T150405"), rep.ID[:8])
	path := filepath.Join(r.dir, name)
	data, merr := json.MarshalIndent(rep, "", "  ")
	if merr != nil {
		r.logger.Error().Err(merr).Msg("report marshal failed")
		return ""
	}
	if werr := os.WriteFile(path, data, fileMode); werr != nil {
		r.logger.Error().Err(werr).Str("path", path).Msg("report write failed")
		return ""
	}
	r.logger.Info().Str("path", path).Str("component", component).Msg("error report written")
	return path
}

// snapshot gathers host metrics, tolerating partial failures: whatever
// gopsutil cannot read stays zero.
func snapshot() SystemSnapshot {
	s := SystemSnapshot{
		OS:         runtime.GOOS,
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
	}
	if info, err := host.Info(); err == nil {
		s.Platform = info.Platform
		s.KernelVersion = info.KernelVersion
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemTotal = vm.Total
		s.MemUsed = vm.Used
		s.MemPercent = vm.UsedPercent
	}
	return s
}
