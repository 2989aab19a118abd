package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"lingocore/internal/observability"
	contextutils "lingocore/internal/utils"

	"github.com/gin-gonic/gin"
)

// ErrorRecovery turns a panicking handler into a structured 500 and logs the stack
func ErrorRecovery(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				stackTrace := string(debug.Stack())
				appErr := contextutils.NewAppError(
					contextutils.ErrorCodeInternalError,
					contextutils.SeverityFatal,
					"Internal server error",
					"A panic occurred while processing the request",
				)
				logger.Error(c.Request.Context(), "Panic recovered", fmt.Errorf("panic: %v", r), map[string]interface{}{
					"http.method": c.Request.Method,
					"http.path":   c.Request.URL.Path,
					"stack":       stackTrace,
				})
				if gin.Mode() == gin.DebugMode {
					appErr.Details = fmt.Sprintf("%s\nStack trace: %s", appErr.Details, stackTrace)
				}
				abortWithAppError(c, appErr)
			}
		}()
		c.Next()
	}
}

type circuitBreakerState int

const (
	circuitClosed circuitBreakerState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker sheds requests with a 503 after threshold consecutive 5xx responses
// and lets one probe through once cooldown has passed.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       circuitBreakerState
	failures    int
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (cb *CircuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		// one probe at a time
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(statusCode int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if statusCode >= http.StatusInternalServerError {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == circuitHalfOpen || cb.failures >= cb.threshold {
			cb.state = circuitOpen
		}
		return
	}
	cb.failures = 0
	cb.state = circuitClosed
}

// Middleware wraps the routes the breaker protects
func (cb *CircuitBreaker) Middleware(logger *observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cb.canExecute() {
			logger.Warn(c.Request.Context(), "Circuit open, shedding request", map[string]interface{}{
				"http.path": c.Request.URL.Path,
			})
			abortWithAppError(c, contextutils.NewAppError(
				contextutils.ErrorCodeServiceUnavailable,
				contextutils.SeverityWarn,
				"Service temporarily unavailable due to high error rate",
				"",
			))
			return
		}
		defer func() {
			if r := recover(); r != nil {
				cb.record(http.StatusInternalServerError)
				panic(r)
			}
		}()
		c.Next()
		cb.record(c.Writer.Status())
	}
}
