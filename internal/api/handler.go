// Package api exposes the synthesis job queue over HTTP for local submission
// and status polling.
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/book-expert/lipsync-service/internal/worker"
)

// submitRequest is the POST /api/jobs body.
type submitRequest struct {
	Text         string  `binding:"required" json:"text"`
	VoiceRefPath string  `json:"voice_ref_path"`
	SourcePath   string  `binding:"required" json:"source_path"`
	OutputPath   string  `binding:"required" json:"output_path"`
	TargetFPS    float64 `json:"target_fps"`
}

// jobResponse is the wire shape of one job.
type jobResponse struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	SourcePath string    `json:"source_path"`
	OutputPath string    `json:"output_path"`
	TargetFPS  float64   `json:"target_fps"`
	Status     string    `json:"status"`
	Warnings   []string  `json:"warnings,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobQueue is the queue surface the API needs.
type JobQueue interface {
	Enqueue(
		script core.Script, sourcePath, outputPath string, targetFPS float64,
	) *core.SynthesisJob
	Get(jobID string) (*core.SynthesisJob, bool)
	List() []*core.SynthesisJob
}

// Server wires the job queue into a gin router.
type Server struct {
	queue JobQueue
	log   *logger.Logger
}

// NewServer creates the API server.
func NewServer(queue JobQueue, log *logger.Logger) *Server {
	return &Server{queue: queue, log: log}
}

// RegisterRoutes attaches all API routes to the router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", s.health)

	jobs := router.Group("/api/jobs")
	jobs.POST("", s.submitJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:id", s.getJob)
	jobs.GET("/:id/report", s.getJobReport)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) submitJob(c *gin.Context) {
	var req submitRequest

	err := c.ShouldBindJSON(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	fps := req.TargetFPS
	if fps == 0 {
		fps = worker.DefaultTargetFPS
	}

	if fps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "target_fps cannot be negative",
		})

		return
	}

	job := s.queue.Enqueue(core.Script{
		Text:         req.Text,
		VoiceRefPath: req.VoiceRefPath,
	}, req.SourcePath, req.OutputPath, fps)

	s.log.Info("Accepted job %s over HTTP", job.ID)

	c.JSON(http.StatusCreated, toResponse(job))
}

func (s *Server) listJobs(c *gin.Context) {
	jobs := s.queue.List()

	responses := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, toResponse(job))
	}

	c.JSON(http.StatusOK, responses)
}

func (s *Server) getJob(c *gin.Context) {
	job, ok := s.queue.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})

		return
	}

	c.JSON(http.StatusOK, toResponse(job))
}

// getJobReport renders a plain-text summary of one job.
func (s *Server) getJobReport(c *gin.Context) {
	job, ok := s.queue.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})

		return
	}

	var builder strings.Builder

	fmt.Fprintf(&builder, "job %s: %s\n", job.ID, job.Status)
	fmt.Fprintf(&builder, "source: %s\n", job.SourcePath)
	fmt.Fprintf(&builder, "output: %s\n", job.OutputPath)
	fmt.Fprintf(&builder, "elapsed: %s\n",
		pipeline.FormatDuration(job.UpdatedAt.Sub(job.CreatedAt)))

	for _, warning := range job.Warnings {
		fmt.Fprintf(&builder, "warning: %s\n", warning)
	}

	if job.Error != "" {
		fmt.Fprintf(&builder, "error (%s): %s\n", job.ErrorKind, job.Error)
	}

	c.String(http.StatusOK, builder.String())
}

func toResponse(job *core.SynthesisJob) jobResponse {
	return jobResponse{
		ID:         job.ID,
		Text:       job.Script.Text,
		SourcePath: job.SourcePath,
		OutputPath: job.OutputPath,
		TargetFPS:  job.TargetFPS,
		Status:     string(job.Status),
		Warnings:   job.Warnings,
		Error:      job.Error,
		ErrorKind:  string(job.ErrorKind),
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}
