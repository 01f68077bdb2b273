// Package httpapi serves the operational HTTP endpoints of the service:
// health checks, Prometheus metrics and the session debug views.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stuartshay/travel-geoengine/internal/metrics"
	"github.com/stuartshay/travel-geoengine/internal/queue"
	"github.com/stuartshay/travel-geoengine/internal/session"
)

// Options wires the router to the running service
type Options struct {
	ServiceName string
	Sessions    *session.Manager
	Queue       *queue.Queue
	Metrics     *metrics.Metrics
	// Ready reports whether dependencies are reachable; nil means always ready
	Ready func(ctx context.Context) error
}

// NewRouter builds the HTTP handler
func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Logger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": opts.ServiceName,
		})
	})

	r.GET("/readyz", func(c *gin.Context) {
		if opts.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	debug := r.Group("/debug")
	{
		if opts.Sessions != nil {
			h := &sessionHandler{sessions: opts.Sessions}
			debug.GET("/sessions", h.list)
			debug.GET("/sessions/:id", h.status)
			debug.GET("/sessions/:id/snapshot", h.snapshot)
		}
		if opts.Queue != nil {
			debug.GET("/replay/stats", func(c *gin.Context) {
				c.JSON(http.StatusOK, opts.Queue.GetStats())
			})
		}
	}

	return r
}

// Logger logs every request through zerolog
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

type sessionHandler struct {
	sessions *session.Manager
}

func (h *sessionHandler) list(c *gin.Context) {
	ids := h.sessions.List()
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		sess, err := h.sessions.Get(id)
		if err != nil {
			// stopped since List
			continue
		}
		out = append(out, statusJSON(sess.Status()))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func (h *sessionHandler) status(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusJSON(sess.Status()))
}

func (h *sessionHandler) snapshot(c *gin.Context) {
	sess, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	fc, err := sess.Snapshot()
	switch {
	case errors.Is(err, session.ErrDebugDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	raw, err := fc.MarshalJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/geo+json", raw)
}

func statusJSON(st session.Status) gin.H {
	out := gin.H{
		"session_id":      st.ID,
		"owner":           st.Owner,
		"active":          st.Active,
		"stopped":         st.Stopped,
		"scheduler_state": st.Scheduler,
		"interval_s":      st.Request.Interval.Seconds(),
		"accuracy":        st.Request.Accuracy,
		"movement":        st.Movement.State,
		"energy_mode":     st.Movement.EnergyMode,
		"transport":       st.Transport.Mode,
		"confidence":      st.Transport.Confidence,
		"active_place_id": st.ActivePlaceID,
		"places":          st.Places,
		"has_route":       st.HasRoute,
		"samples":         st.Samples,
	}
	if st.LastSample != nil {
		out["last_sample"] = gin.H{
			"lat":        st.LastSample.Point.Lat,
			"lng":        st.LastSample.Point.Lng,
			"accuracy_m": st.LastSample.AccuracyM,
			"timestamp":  st.LastSample.Timestamp,
		}
	}
	return out
}
