package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/circuitbreaker"
	"github.com/migadu/courier/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

// HealthCheck is a periodically evaluated probe of one component.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Timeout  time.Duration
	Critical bool // If true, failure affects overall system health

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// ComponentReport is the externally visible state of one check.
type ComponentReport struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	LastError string          `json:"last_error,omitempty"`
}

// Report is a point-in-time view of every registered check.
type Report struct {
	Status     ComponentStatus   `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentReport `json:"components"`
}

type HealthMonitor struct {
	interval time.Duration

	mu     sync.RWMutex
	checks map[string]*HealthCheck
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor that evaluates checks every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		interval: interval,
		checks:   make(map[string]*HealthCheck),
	}
}

func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = 5 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check once and then on each tick until Stop or ctx is done.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	hm.mu.Lock()
	hm.cancel = cancel
	hm.mu.Unlock()

	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		ticker := time.NewTicker(hm.interval)
		defer ticker.Stop()

		hm.RunChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.RunChecks(ctx)
			}
		}
	}()
}

func (hm *HealthMonitor) Stop() {
	hm.mu.RLock()
	cancel := hm.cancel
	hm.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	hm.wg.Wait()
}

// RunChecks evaluates all checks concurrently and waits for them.
func (hm *HealthMonitor) RunChecks(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(c *HealthCheck) {
			defer wg.Done()
			hm.performCheck(ctx, c)
		}(c)
	}
	wg.Wait()
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		cctx, cancel := context.WithTimeout(ctx, check.Timeout)
		defer cancel()
		err = check.Check(cctx)
	}()

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	if err != nil {
		check.failCount++
		check.lastError = err
		// An occasional failure on a mostly healthy component only degrades it.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))

	if previous != current {
		if err != nil {
			logger.Warn("Health check status changed", "component", check.Name, "from", previous, "to", current, "error", err)
		} else {
			logger.Info("Health check status changed", "component", check.Name, "from", previous, "to", current)
		}
	}
}

func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

// Report summarizes all checks. A critical component that is unhealthy makes
// the whole service unhealthy; any other problem only degrades it.
func (hm *HealthMonitor) Report() Report {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	report := Report{Status: StatusHealthy, Timestamp: time.Now().UTC()}
	for _, c := range hm.checks {
		c.mu.RLock()
		cr := ComponentReport{
			Name:      c.Name,
			Status:    c.status,
			Critical:  c.Critical,
			LastCheck: c.lastCheck,
		}
		if c.lastError != nil {
			cr.LastError = c.lastError.Error()
		}
		c.mu.RUnlock()

		switch {
		case c.Critical && (cr.Status == StatusUnhealthy || cr.Status == StatusUnreachable):
			report.Status = StatusUnhealthy
		case cr.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
		report.Components = append(report.Components, cr)
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	return report
}

// Pinger is anything whose reachability can be probed, such as the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck builds a check that calls p.Ping.
func PingCheck(name string, p Pinger, critical bool) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: critical,
		Check:    p.Ping,
	}
}

// BreakerCheck builds a non-critical check that reports an open breaker as a failure.
func BreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) *HealthCheck {
	return &HealthCheck{
		Name: name,
		Check: func(context.Context) error {
			switch state := breaker.State(); state {
			case circuitbreaker.StateClosed:
				return nil
			default:
				return fmt.Errorf("circuit breaker %s is %s", breaker.Name(), state)
			}
		},
	}
}
