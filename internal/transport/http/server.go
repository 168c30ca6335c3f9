package transporthttp

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"finamreports/internal/app"
	"finamreports/internal/livesync"
	"finamreports/internal/report"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// editorHeader carries the opaque identity of whoever edits a section.
const editorHeader = "X-User-ID"

type Server struct {
	engine   *report.Engine
	editor   *report.Editor
	exporter *report.Exporter
	gateway  *livesync.Gateway
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewServer(a *app.App) *Server {
	return &Server{
		engine:   a.Engine,
		editor:   a.Editor,
		exporter: a.Exporter,
		gateway:  a.Gateway,
		log:      a.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), withLogging(s.log), withCORS())

	router.GET("/healthz", s.health)

	router.POST("/reports/generate", s.handleGenerate)
	router.GET("/reports/:id", s.handleReport)
	router.GET("/reports/:id/entities", s.handleEntities)
	router.GET("/reports/:id/export", s.handleExport)
	router.POST("/reports/:id/interactive", s.handleInteractive)
	router.POST("/reports/:id/sections", s.handleAddSection)
	router.GET("/reports/:id/live", s.handleLiveSSE)
	router.GET("/reports/:id/ws", s.handleLiveWS)

	router.GET("/sections/:id", s.handleSection)
	router.GET("/sections/:id/history", s.handleHistory)
	router.POST("/sections/:id/edit", s.handleEdit)
	router.PATCH("/sections/:id", s.handleRename)
	router.DELETE("/sections/:id", s.handleDelete)

	router.GET("/runs", s.handleRuns)
	router.POST("/runs/:id/cancel", s.handleCancel)

	router.GET("/swagger/openapi.yaml", serveSwaggerYAML)
	router.GET("/swagger", serveSwaggerUI)
	router.GET("/swagger/", serveSwaggerUI)
	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req report.Request
	if !s.decode(c, &req) {
		return
	}

	run, err := s.engine.Generate(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.stream(c, run)
}

func (s *Server) handleReport(c *gin.Context) {
	rep, err := s.engine.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleEntities(c *gin.Context) {
	mentions, err := s.engine.Mentions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if mentions == nil {
		mentions = []report.Mention{}
	}
	c.JSON(http.StatusOK, gin.H{"reportId": c.Param("id"), "entities": mentions})
}

func (s *Server) handleExport(c *gin.Context) {
	format := c.DefaultQuery("format", report.FormatMarkdown)
	body, contentType, err := s.exporter.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

func (s *Server) handleInteractive(c *gin.Context) {
	rep, err := s.editor.ConvertToInteractive(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) handleAddSection(c *gin.Context) {
	var req report.AddRequest
	if !s.decode(c, &req) {
		return
	}
	req.ReportID = c.Param("id")
	req.Editor = c.GetHeader(editorHeader)

	run, err := s.editor.AddSection(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.stream(c, run)
}

func (s *Server) handleLiveSSE(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Report(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.gateway.ServeSSE(c.Request.Context(), c.Writer, id); err != nil {
		s.log.WithError(err).WithField("report_id", id).Warn("live feed ended")
	}
}

func (s *Server) handleLiveWS(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.engine.Report(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the client.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	if err := s.gateway.ServeWS(c.Request.Context(), conn, id); err != nil {
		s.log.WithError(err).WithField("report_id", id).Warn("live socket ended")
	}
}

func (s *Server) handleSection(c *gin.Context) {
	section, err := s.editor.Section(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, section)
}

func (s *Server) handleHistory(c *gin.Context) {
	history, err := s.editor.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sectionId": c.Param("id"), "history": history})
}

func (s *Server) handleEdit(c *gin.Context) {
	var req report.EditRequest
	if !s.decode(c, &req) {
		return
	}
	req.SectionID = c.Param("id")
	req.Editor = c.GetHeader(editorHeader)

	run, err := s.editor.EditSection(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.stream(c, run)
}

func (s *Server) handleRename(c *gin.Context) {
	var payload struct {
		Title string             `json:"title"`
		Type  report.SectionType `json:"type"`
	}
	if !s.decode(c, &payload) {
		return
	}

	section, err := s.editor.RenameSection(c.Request.Context(), c.Param("id"), payload.Title, payload.Type, c.GetHeader(editorHeader))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, section)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.editor.DeleteSection(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.engine.Runs().Active()})
}

func (s *Server) handleCancel(c *gin.Context) {
	if !s.engine.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "runId": c.Param("id")})
}

// stream relays a run as an event stream. A client that goes away cancels
// the run through the request context.
func (s *Server) stream(c *gin.Context, run *report.Run) {
	livesync.PrepareHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	logger := s.log.WithFields(logrus.Fields{"run_id": run.ID, "report_id": run.ReportID})
	final := livesync.StreamRun(livesync.NewSSEWriter(c.Writer), run, logger)
	if final != nil {
		logger.WithField("terminal", final.Kind()).Debug("stream closed")
	}
}

func (s *Server) decode(c *gin.Context, dst any) bool {
	if err := json.NewDecoder(c.Request.Body).Decode(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return false
	}
	return true
}

// writeError maps the error taxonomy onto status codes. Anything else is an
// internal failure whose details stay in the log.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validation *report.ValidationError
		conflict   *report.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Error()})
	case errors.Is(err, report.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
