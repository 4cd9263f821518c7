package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/models"
	"gorm.io/gorm"
)

// SiteSummary counts a site's machines by state. Broken machines are also
// counted under their base status.
type SiteSummary struct {
	Site    string `json:"site"`
	Total   int64  `json:"total"`
	Idle    int64  `json:"idle"`
	Busy    int64  `json:"busy"`
	Offline int64  `json:"offline"`
	Broken  int64  `json:"broken"`
	Leased  int64  `json:"leased"`
	Jobs    int64  `json:"jobs"`
}

type statusCount struct {
	Site   string
	Status string
	Leased bool
	Count  int64
}

// Summary aggregates machine states per site, ordered by site.
func Summary(db *gorm.DB) ([]SiteSummary, error) {
	var rows []statusCount
	err := db.Model(&models.Machine{}).
		Select("site, status, lease_to IS NOT NULL AS leased, COUNT(*) AS count").
		Group("site, status, leased").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	bySite := make(map[string]*SiteSummary)
	for _, r := range rows {
		s, ok := bySite[r.Site]
		if !ok {
			s = &SiteSummary{Site: r.Site}
			bySite[r.Site] = s
		}
		s.Total += r.Count
		if r.Leased {
			s.Leased += r.Count
		}
		if machine.IsBroken(r.Status) {
			s.Broken += r.Count
		}
		switch machine.BaseStatus(r.Status) {
		case machine.StatusIdle:
			s.Idle += r.Count
		case machine.StatusOffline:
			s.Offline += r.Count
		default:
			s.Busy += r.Count
		}
	}

	var jobRows []struct {
		Site string
		Jobs int64
	}
	if err := db.Model(&models.Machine{}).
		Select("site, COUNT(DISTINCT job_id) AS jobs").
		Where("job_id IS NOT NULL").
		Group("site").
		Scan(&jobRows).Error; err != nil {
		return nil, err
	}
	for _, r := range jobRows {
		if s, ok := bySite[r.Site]; ok {
			s.Jobs = r.Jobs
		}
	}

	out := make([]SiteSummary, 0, len(bySite))
	for _, s := range bySite {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out, nil
}

func (s *server) handleSummary(c *gin.Context) {
	summary, err := Summary(s.db)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
