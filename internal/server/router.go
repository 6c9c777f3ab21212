package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/archivebridge/internal/event"
	"github.com/loykin/archivebridge/internal/framer"
	"github.com/loykin/archivebridge/internal/gateway"
	"github.com/loykin/archivebridge/internal/job"
	"github.com/loykin/archivebridge/internal/metadata"
	"github.com/loykin/archivebridge/internal/supervisor"
)

// Backend is what the HTTP API needs from the bridge. Every read is a snapshot.
type Backend interface {
	GetMetadata() metadata.Snapshot
	Jobs() []job.Job
	Job(name string) (job.Job, bool)
	SendCommand(cmd gateway.Command) (string, error)
	CommandResult(id string) (gateway.Result, bool)
	WorkerStatus() supervisor.Status
	Subscribe(topic string, fn func(event.Event)) func()
	SubscribeJob(name string, fn func(event.Event)) func()
}

// Router provides embeddable HTTP handlers for the bridge.
// Endpoints:
//
//	GET  {basePath}/metadata        current metadata snapshot
//	GET  {basePath}/jobs            all tracked jobs
//	GET  {basePath}/jobs/:name      one job
//	POST {basePath}/commands        body: Command JSON -> 202 {"correlation_id"}
//	GET  {basePath}/commands/:id    command outcome
//	GET  {basePath}/status          worker session status
//	GET  {basePath}/events          server-sent events; query: topic=frame|notice|transition|all, job=name
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	backend  Backend
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string) *Router {
	return &Router{backend: b, basePath: normalizeBasePath(basePath)}
}

// WithMetrics additionally serves h at /metrics, outside basePath.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/metadata", r.handleMetadata)
	group.GET("/jobs", r.handleJobs)
	group.GET("/jobs/:name", r.handleJob)
	group.POST("/commands", r.handleSend)
	group.GET("/commands/:id", r.handleOutcome)
	group.GET("/status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer returns an unstarted http.Server using this router.
func NewServer(addr, basePath string, b Backend) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(b, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type sendResp struct {
	CorrelationID string `json:"correlation_id"`
}

func (r *Router) handleMetadata(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.backend.GetMetadata())
}

func (r *Router) handleJobs(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.backend.Jobs())
}

func (r *Router) handleJob(c *gin.Context) {
	name := c.Param("name")
	if !gateway.ValidName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid job name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	j, ok := r.backend.Job(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "job not found: " + name})
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (r *Router) handleSend(c *gin.Context) {
	var cmd gateway.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, err := r.backend.SendCommand(cmd)
	if err != nil {
		var ve *gateway.ValidationError
		switch {
		case errors.As(err, &ve):
			writeJSON(c, http.StatusBadRequest, errorResp{Error: ve.Error(), Field: ve.Field})
		case errors.Is(err, framer.ErrTransportUnavailable):
			writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return
	}
	writeJSON(c, http.StatusAccepted, sendResp{CorrelationID: id})
}

func (r *Router) handleOutcome(c *gin.Context) {
	res, ok := r.backend.CommandResult(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown correlation id"})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.backend.WorkerStatus())
}

func (r *Router) handleEvents(c *gin.Context) {
	topic := c.DefaultQuery("topic", event.TopicAll)
	switch topic {
	case "all":
		topic = event.TopicAll
	case event.TopicAll, event.TopicFrame, event.TopicNotice, event.TopicTransition:
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown topic: " + topic})
		return
	}
	jobName := c.Query("job")
	if jobName != "" && !gateway.ValidName(jobName) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid job name"})
		return
	}

	ch := make(chan event.Event, 64)
	push := func(e event.Event) {
		if topic != event.TopicAll && e.Topic != topic {
			return
		}
		select {
		case ch <- e:
		default:
			// slow client; drop rather than stall the router
		}
	}
	var unsub func()
	if jobName != "" {
		unsub = r.backend.SubscribeJob(jobName, push)
	} else {
		unsub = r.backend.Subscribe(topic, push)
	}
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	_, _ = c.Writer.WriteString(": connected\n\n")
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-ch:
			c.SSEvent(e.Topic, e)
			return true
		}
	})
}
