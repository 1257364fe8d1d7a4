// Package httpapi exposes the ring's rank-0 HTTP surface: completion and
// chat endpoints (native and OpenAI-compatible), embeddings, rerank,
// health/metrics/props, tokenize/detokenize, slot management, LoRA
// adapters, and task cancellation.
//
// Router construction is gin.Default() plus gin-contrib/cors with an
// explicit allow-header list (Authorization, Content-Type, User-Agent,
// Accept), then one route registration per endpoint group.
package httpapi

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/ringmesh/ringd/internal/apperr"
	"github.com/ringmesh/ringd/internal/scheduler"
)

// Dispatcher is the seam into the slot scheduler: Submit enqueues a task
// and the handler reads back results over the channel it set on the task.
type Dispatcher interface {
	Submit(t *scheduler.Task)
}

// Server wires the dispatcher, an API key, and a request id counter into
// gin handlers.
type Server struct {
	dispatcher Dispatcher
	apiKey     string
	gatherer   prometheus.Gatherer
	nextTaskID uint64

	// inFlight bounds how many completion requests may hold a slot at
	// once: a weighted semaphore sized to n_parallel gates admission at
	// the HTTP boundary, since the scheduler's slots[] array already
	// enforces the same bound one layer down and a request that can't get
	// in returns a clean 503 instead of piling up in queueDeferred.
	inFlight *semaphore.Weighted

	unprotected map[string]bool
}

// New builds a Server. apiKey empty disables bearer-key enforcement
// entirely. A nil gatherer makes /metrics answer not_supported, for a
// node that has metrics disabled by config; pass metrics.Collectors.Registry
// to serve real Prometheus text output. maxInFlight bounds concurrent
// completion requests; 0 means unbounded.
func New(dispatcher Dispatcher, apiKey string, gatherer prometheus.Gatherer, maxInFlight int) *Server {
	var sem *semaphore.Weighted
	if maxInFlight > 0 {
		sem = semaphore.NewWeighted(int64(maxInFlight))
	}
	return &Server{
		dispatcher: dispatcher,
		apiKey:     apiKey,
		gatherer:   gatherer,
		inFlight:   sem,
		unprotected: map[string]bool{
			"/health":    true,
			"/v1/models": true,
		},
	}
}

// Routes builds the gin engine and registers every endpoint this server exposes.
func (s *Server) Routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept"}
	corsConfig.AllowAllOrigins = true

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig), s.authMiddleware())

	for _, path := range []string{"/completion", "/v1/completions", "/chat/completions", "/v1/chat/completions"} {
		r.POST(path, s.handleCompletion)
	}
	r.POST("/infill", s.handleCompletion)
	for _, path := range []string{"/embedding", "/embeddings", "/v1/embeddings"} {
		r.POST(path, s.handleEmbedding)
	}
	for _, path := range []string{"/rerank", "/reranking", "/v1/rerank"} {
		r.POST(path, s.handleRerank)
	}

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/props", s.handleProps)
	r.GET("/v1/models", s.handleModels)

	r.POST("/tokenize", s.handleTokenize)
	r.POST("/detokenize", s.handleDetokenize)

	r.GET("/slots", s.handleSlotsList)
	r.POST("/slots/:id", s.handleSlotAction)

	r.GET("/lora-adapters", s.handleLoraGet)
	r.POST("/lora-adapters", s.handleLoraSet)

	r.POST("/v1/cancel", s.handleCancel)

	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey == "" || s.unprotected[c.Request.URL.Path] {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.apiKey {
			writeAppErr(c, apperr.New(apperr.Authentication, "missing or invalid API key"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func writeAppErr(c *gin.Context, err *apperr.Error) {
	c.JSON(err.Kind.HTTPStatus(), gin.H{
		"error": gin.H{
			"type":    string(err.Kind),
			"message": err.Message,
		},
	})
}

func (s *Server) nextID() uint64 {
	return atomic.AddUint64(&s.nextTaskID, 1)
}
