// Package api serves generation sessions over HTTP.
package api

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

type Server struct {
	service *GenerationService
}

func NewServer(service *GenerationService) *Server {
	return &Server{service: service}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "generation service not configured", "", "")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, newInvalidRequest("", err.Error()))
	}

	var writer *SSEStreamWriter
	var stream StreamWriter
	if req.Stream != nil && *req.Stream {
		w, err := NewSSEStreamWriter(c)
		if err != nil {
			return writeBadRequest(c, newInvalidRequest("stream", err.Error()))
		}
		writer = w
		stream = w
	}

	resp, err := s.service.Generate(c.Request().Context(), &req, stream)
	if err != nil {
		if writer != nil && writer.Started() {
			return nil
		}
		status, typ, code := statusFor(err)
		if status == http.StatusBadRequest && code == "" {
			return writeBadRequest(c, err)
		}
		return writeError(c, status, typ, err.Error(), "", code)
	}
	if writer != nil {
		return nil
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, err := s.service.Session(c.Param("id"))
	if err != nil {
		return writeNotFound(c, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if err := s.service.DeleteSession(id); err != nil {
		return writeNotFound(c, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "session.deleted",
		"deleted": true,
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.service.Sessions().Len(),
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
