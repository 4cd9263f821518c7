package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/labyard/internal/labyarderrors"
	"github.com/zulandar/labyard/internal/utilisation"
)

// handleUtilisation reports over ?period= (ending now) or ?start=&end=.
func (s *server) handleUtilisation(c *gin.Context) {
	opts := utilisation.Opts{
		Pools:   splitQuery(c.QueryArray("pool")),
		Verbose: c.Query("verbose") == "true" || c.Query("verbose") == "1",
	}
	var err error
	if period := c.Query("period"); period != "" {
		if opts.Start, opts.End, err = utilisation.LastPeriod(period, time.Now().UTC()); err != nil {
			writeError(c, err)
			return
		}
	} else {
		if opts.Start, err = parseTime("start", c.Query("start")); err != nil {
			writeError(c, err)
			return
		}
		if opts.End, err = parseTime("end", c.Query("end")); err != nil {
			writeError(c, err)
			return
		}
		if opts.Start.IsZero() {
			writeError(c, labyarderrors.Invalid("start", "", "give period or start and end"))
			return
		}
		if opts.End.IsZero() {
			opts.End = time.Now().UTC()
		}
	}
	report, err := utilisation.Compute(s.db, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
