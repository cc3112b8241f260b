package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether a dependency is usable. Nil means healthy.
type Check func(ctx context.Context) error

type Manager struct {
	ready   atomic.Bool
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{checks: make(map[string]Check), timeout: 2 * time.Second}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// AddCheck registers a dependency probe evaluated on every readiness request.
// Optional dependencies (cache, broker bus) should not be registered here.
func (m *Manager) AddCheck(name string, check Check) {
	if check == nil {
		return
	}
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Evaluate runs all registered checks and returns the failing ones.
func (m *Manager) Evaluate(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failed := make(map[string]string)
	for name, check := range m.checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		if failed := m.Evaluate(c.Request.Context()); len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
