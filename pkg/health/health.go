// Package health 依赖健康检查，供 /ready 接口汇总
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status 健康状态
type Status string

const (
	// StatusHealthy 健康
	StatusHealthy Status = "healthy"
	// StatusUnhealthy 不健康
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded 降级，非关键依赖不可用
	StatusDegraded Status = "degraded"
)

// CheckResult 检查结果
type CheckResult struct {
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report 汇总结果
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Ready 降级仍视为就绪
func (r *Report) Ready() bool {
	return r.Status != StatusUnhealthy
}

type check struct {
	name     string
	critical bool
	fn       func(context.Context) error
}

// HealthChecker 健康检查管理器
type HealthChecker struct {
	mu     sync.RWMutex
	checks []check
}

// NewHealthChecker 创建健康检查管理器
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// Register 注册关键依赖，失败时整体不健康
func (h *HealthChecker) Register(name string, fn func(context.Context) error) {
	h.add(check{name: name, critical: true, fn: fn})
}

// RegisterOptional 注册非关键依赖，失败时整体降级
func (h *HealthChecker) RegisterOptional(name string, fn func(context.Context) error) {
	h.add(check{name: name, fn: fn})
}

func (h *HealthChecker) add(c check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// Names 已注册的检查名称
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// Check 并发执行所有检查
func (h *HealthChecker) Check(ctx context.Context) *Report {
	h.mu.RLock()
	checks := append([]check(nil), h.checks...)
	h.mu.RUnlock()

	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		wg.Add(1)
		go func(c check) {
			defer wg.Done()

			start := time.Now()
			err := c.fn(ctx)
			result := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
			if err != nil {
				result.Error = err.Error()
				result.Status = StatusDegraded
				if c.critical {
					result.Status = StatusUnhealthy
				}
			}

			mu.Lock()
			report.Checks[c.name] = result
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	for _, result := range report.Checks {
		switch result.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}
