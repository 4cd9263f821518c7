package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/labyard/internal/alloc"
	"github.com/zulandar/labyard/internal/patch"
	"github.com/zulandar/labyard/internal/site"
)

func (s *server) handleSiteList(c *gin.Context) {
	list, err := site.List(s.db, site.ListFilters{Status: c.Query("status"), FlagFilter: c.Query("flags")})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]siteView, len(list))
	for i := range list {
		out[i] = toSiteView(&list[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) handleSiteGet(c *gin.Context) {
	st, err := site.Get(s.db, c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSiteView(st))
}

type siteBody struct {
	Status          *string `json:"status"`
	Flags           *string `json:"flags"`
	Descr           *string `json:"descr"`
	SharedResources *string `json:"shared_resources"`
	MaxJobs         *int    `json:"max_jobs"`
}

func (s *server) handleSiteDefine(c *gin.Context) {
	var body siteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "body", err)
		return
	}
	st, err := site.Define(s.db, c.Param("name"), site.DefineOpts{
		Status:          patch.FromPtr(body.Status),
		Flags:           patch.FromPtr(body.Flags),
		Descr:           patch.FromPtr(body.Descr),
		SharedResources: patch.FromPtr(body.SharedResources),
		MaxJobs:         body.MaxJobs,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSiteView(st))
}

func (s *server) handleSiteBudget(c *gin.Context) {
	report, err := alloc.Remaining(s.db, c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
