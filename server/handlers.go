package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/shard"
)

// maxURLLen matches shard.MaxURLLen in the binding tags below.
const maxURLLen = shard.MaxURLLen

// QueryURLRequest is the body of POST /query/mvp/url.
type QueryURLRequest struct {
	URL    string `json:"URL" binding:"required,max=8192"`
	Radius *int   `json:"radius" binding:"required,gte=0"`
	K      int    `json:"k" binding:"gte=0"`
}

// QueryHashRequest is the body of POST /query/mvp/hash.
type QueryHashRequest struct {
	Hash   string `json:"hash" binding:"required"`
	Radius *int   `json:"radius" binding:"required,gte=0"`
	K      int    `json:"k" binding:"gte=0"`
}

type limitQuery struct {
	Limit int `form:"limit" binding:"gte=0"`
}

type urlQuery struct {
	URL string `form:"url" binding:"required,max=8192"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	switch failure.KindOf(err) {
	case failure.KindContentFetch, failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(),
			"request_id", c.GetString(requestIDKey),
			"error", err,
		)
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: failure.KindOf(err).String()})
}

func checkURLLen(u string) error {
	if len(u) > maxURLLen {
		return fmt.Errorf("url of %d bytes exceeds %d", len(u), maxURLLen)
	}
	return nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: failure.KindInvalidInput.String()})
}

// handleIngest handles PUT /urls. Publishing is fire-and-forget: the
// response does not wait for fingerprinting.
func (s *Server) handleIngest(c *gin.Context) {
	var urls []string
	if err := c.ShouldBindJSON(&urls); err != nil {
		badRequest(c, err)
		return
	}
	for _, u := range urls {
		if err := checkURLLen(u); err != nil {
			badRequest(c, err)
			return
		}
	}

	if err := s.svc.IngestURLs(c.Request.Context(), urls); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// handleAddHashes handles PUT /hashes with a {url: hash} body.
func (s *Server) handleAddHashes(c *gin.Context) {
	var hashes map[string]string
	if err := c.ShouldBindJSON(&hashes); err != nil {
		badRequest(c, err)
		return
	}
	for u := range hashes {
		if err := checkURLLen(u); err != nil {
			badRequest(c, err)
			return
		}
	}

	res, err := s.svc.AddHashes(c.Request.Context(), hashes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleQueryURL(c *gin.Context) {
	var req QueryURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := s.svc.QueryByURL(c.Request.Context(), req.URL, *req.Radius, req.K)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleQueryHash(c *gin.Context) {
	var req QueryHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := s.svc.QueryByHash(c.Request.Context(), req.Hash, *req.Radius, req.K)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleURLsByHash(c *gin.Context) {
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}

	urls, err := s.svc.URLsByHash(c.Request.Context(), c.Param("hash"), q.Limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"urls": urls})
}

func (s *Server) handleCountByHash(c *gin.Context) {
	n, err := s.svc.CountByHash(c.Request.Context(), c.Param("hash"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) handleHashOfURL(c *gin.Context) {
	var q urlQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}

	hash, err := s.svc.HashOfURL(c.Request.Context(), q.URL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": q.URL, "hash": hash})
}

func (s *Server) handleSave(c *gin.Context) {
	saved, err := s.svc.Save(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": saved})
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.svc.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.opts.Metrics == nil {
		s.fail(c, failure.New(failure.KindNotFound, "server.metrics", errors.New("metrics export is disabled")))
		return
	}
	s.opts.Metrics.ServeHTTP(c.Writer, c.Request)
}
