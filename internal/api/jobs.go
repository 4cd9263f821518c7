package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/labyard/internal/alloc"
	"github.com/zulandar/labyard/internal/labyarderrors"
)

func (s *server) handleAllocate(c *gin.Context) {
	var req alloc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body", err)
		return
	}
	grant, err := s.engine.Allocate(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (s *server) handleRelease(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(c, labyarderrors.Invalid("id", c.Param("id"), "job id must be a positive integer"))
		return
	}
	var opts alloc.ReleaseOpts
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			badRequest(c, "body", err)
			return
		}
	}
	released, err := s.engine.Release(c.Request.Context(), uint(id), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, released)
}
