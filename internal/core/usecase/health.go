package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// HealthUseCase pings every registered collaborator concurrently.
type HealthUseCase struct {
	checks  map[string]ports.HealthChecker
	timeout time.Duration
}

func NewHealthUseCase(checks map[string]ports.HealthChecker, timeout time.Duration) *HealthUseCase {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthUseCase{checks: checks, timeout: timeout}
}

func (uc *HealthUseCase) Health(ctx context.Context) domain.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()

	names := make([]string, 0, len(uc.checks))
	for name := range uc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		services = make(map[string]domain.ServiceHealth, len(names))
	)
	for _, name := range names {
		checker := uc.checks[name]
		if checker == nil {
			continue
		}
		wg.Add(1)
		go func(name string, checker ports.HealthChecker) {
			defer wg.Done()
			status := domain.ServiceHealth{Status: statusHealthy}
			if err := checker.Ping(ctx); err != nil {
				status = domain.ServiceHealth{Status: statusUnhealthy, Message: err.Error()}
			}
			mu.Lock()
			services[name] = status
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := statusHealthy
	for _, svc := range services {
		if svc.Status != statusHealthy {
			overall = statusUnhealthy
			break
		}
	}
	return domain.HealthReport{
		Status:    overall,
		Services:  services,
		Timestamp: time.Now().UTC(),
	}
}
