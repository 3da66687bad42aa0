// Package api provides the read-only HTTP status server over a runs
// directory. It serves exactly what the on-disk state contains — summaries,
// manifests, step health, and log tails — and never mutates a run.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chunkflow/chunkflow/pkg/diagnostics"
	"github.com/chunkflow/chunkflow/pkg/manifest"
	"github.com/chunkflow/chunkflow/pkg/version"
)

// Server is the read-only status API.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	runsDir    string
	store      *manifest.Store
}

// NewServer builds the router over a runs directory.
func NewServer(runsDir string, store *manifest.Store) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, runsDir: runsDir, store: store}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	apiGroup := s.engine.Group("/api")
	{
		apiGroup.GET("/runs", s.handleListRuns)
		apiGroup.GET("/runs/:name", s.handleRunDetail)
		apiGroup.GET("/runs/:name/health", s.handleRunHealth)
		apiGroup.GET("/runs/:name/failures/:step", s.handleRunFailures)
		apiGroup.GET("/runs/:name/log", s.handleRunLog)
		apiGroup.GET("/runs/:name/process", s.handleRunProcess)
	}
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	slog.Info("Status API listening", "addr", addr, "runs_dir", s.runsDir)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Full()})
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := diagnostics.ScanRuns(s.runsDir, s.store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// runDir resolves and validates a run name against the runs directory,
// rejecting traversal.
func (s *Server) runDir(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if name == "" || strings.ContainsAny(name, "/\\") || name == ".." {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run name"})
		return "", false
	}
	runDir := filepath.Join(s.runsDir, name)
	if _, err := os.Stat(manifest.Path(runDir)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return "", false
	}
	return runDir, true
}

func (s *Server) handleRunDetail(c *gin.Context) {
	runDir, ok := s.runDir(c)
	if !ok {
		return
	}
	m, err := s.store.Load(runDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"manifest": m,
		"summary":  s.store.BuildSummary(m),
	})
}

func (s *Server) handleRunHealth(c *gin.Context) {
	runDir, ok := s.runDir(c)
	if !ok {
		return
	}
	m, err := s.store.Load(runDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	health, err := diagnostics.ScanStepHealth(runDir, m)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	problems, err := diagnostics.VerifyDiskVsManifest(runDir, m)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"steps":           health,
		"inconsistencies": problems,
		"batch_timing":    diagnostics.ProbeBatchTiming(m, time.Now()),
	})
}

func (s *Server) handleRunFailures(c *gin.Context) {
	runDir, ok := s.runDir(c)
	if !ok {
		return
	}
	m, err := s.store.Load(runDir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	groups, err := diagnostics.AnalyzeFailures(runDir, m, c.Param("step"), 3)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (s *Server) handleRunLog(c *gin.Context) {
	runDir, ok := s.runDir(c)
	if !ok {
		return
	}
	lines := tailFile(filepath.Join(runDir, "RUN_LOG.txt"), 100)
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func (s *Server) handleRunProcess(c *gin.Context) {
	runDir, ok := s.runDir(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, diagnostics.CheckProcess(runDir))
}

// tailFile returns the last n lines of a file, tolerating concurrent
// appends by the writer.
func tailFile(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
