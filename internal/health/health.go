// Package health provides a registry of named subsystem health checkers and
// the checkers genforge registers at startup.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/genforge/internal/circuitbreaker"
	"github.com/mbd888/genforge/internal/workerpool"
)

// checkTimeout bounds a single checker.
const checkTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Handler serves the aggregate status: 200 when healthy, 503 otherwise.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{
			"status":     status,
			"version":    version,
			"subsystems": statuses,
		})
	}
}

// Database pings db.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		s := db.Stats()
		return Status{Name: "database", Healthy: true,
			Detail: fmt.Sprintf("open=%d in_use=%d", s.OpenConnections, s.InUse)}
	}
}

// PoolStatter reports worker pool statistics.
type PoolStatter interface {
	PoolStats() workerpool.Stats
}

// WorkerPool is unhealthy when the standard lane is full, meaning new
// standard-lane jobs are being turned away.
func WorkerPool(p PoolStatter) Checker {
	return func(context.Context) Status {
		s := p.PoolStats()
		detail := fmt.Sprintf("active=%d/%d queued=%d priority=%d rejected=%d",
			s.ActiveWorkers, s.MaxWorkers, s.QueuedTasks, s.QueuedPriority, s.RejectedTasks)
		saturated := s.QueueSize > 0 && s.QueuedTasks-s.QueuedPriority >= s.QueueSize
		return Status{Name: "workers", Healthy: !saturated, Detail: detail}
	}
}

// Breaker is unhealthy while any provider circuit is open.
func Breaker(name string, b *circuitbreaker.Breaker) Checker {
	return func(context.Context) Status {
		if open := b.Open(); len(open) > 0 {
			return Status{Name: name, Detail: "open: " + strings.Join(open, ",")}
		}
		return Status{Name: name, Healthy: true}
	}
}
