package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/labyard/internal/lease"
	"github.com/zulandar/labyard/internal/machine"
	"github.com/zulandar/labyard/internal/patch"
)

func (s *server) handleMachineList(c *gin.Context) {
	filters := machine.ListFilters{
		Site:           c.Query("site"),
		Cluster:        c.Query("cluster"),
		Pool:           c.Query("pool"),
		Status:         c.Query("status"),
		ResourceFilter: c.Query("resources"),
		FlagFilter:     c.Query("flags"),
	}
	switch c.Query("leased") {
	case "true", "1", "yes":
		filters.Lease.Mode = machine.LeaseLeased
	case "false", "0", "no":
		filters.Lease.Mode = machine.LeaseFree
	}
	if holder := c.Query("leased_by"); holder != "" {
		filters.Lease = machine.LeasedBy(holder)
	}

	list, err := machine.List(s.db, filters)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]machineView, len(list))
	for i := range list {
		out[i] = toMachineView(&list[i])
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) handleMachineGet(c *gin.Context) {
	m, err := machine.Get(s.db, c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMachineView(m))
}

// machineBody uses pointers so an absent field is left untouched and ""
// clears it.
type machineBody struct {
	Site        *string `json:"site"`
	Cluster     *string `json:"cluster"`
	Pool        *string `json:"pool"`
	Status      *string `json:"status"`
	Resources   *string `json:"resources"`
	Flags       *string `json:"flags"`
	Descr       *string `json:"descr"`
	LeasePolicy *string `json:"lease_policy"`
}

func (s *server) handleMachineDefine(c *gin.Context) {
	var body machineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "body", err)
		return
	}
	m, err := machine.Define(s.db, c.Param("name"), machine.DefineOpts{
		Site:        patch.FromPtr(body.Site),
		Cluster:     patch.FromPtr(body.Cluster),
		Pool:        patch.FromPtr(body.Pool),
		Status:      patch.FromPtr(body.Status),
		Resources:   patch.FromPtr(body.Resources),
		Flags:       patch.FromPtr(body.Flags),
		Descr:       patch.FromPtr(body.Descr),
		LeasePolicy: patch.FromPtr(body.LeasePolicy),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMachineView(m))
}

func (s *server) handleMachineUndefine(c *gin.Context) {
	if err := machine.Undefine(s.db, c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) handleMachineStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "status", err)
		return
	}
	name := c.Param("name")
	if err := machine.SetStatus(s.db, name, body.Status); err != nil {
		writeError(c, err)
		return
	}
	m, err := machine.Get(s.db, name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMachineView(m))
}

func (s *server) handleMachineProp(c *gin.Context) {
	var body struct {
		Update string `json:"update" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "update", err)
		return
	}
	name := c.Param("name")
	if err := machine.UpdateProp(s.db, name, body.Update); err != nil {
		writeError(c, err)
		return
	}
	props, err := machine.GetProps(s.db, name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, props)
}

type borrowBody struct {
	Holder   string `json:"holder"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"` // Go duration, empty for the default
	Policy   string `json:"policy"`
	Force    bool   `json:"force"`
}

func (s *server) handleBorrow(c *gin.Context) {
	var body borrowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "body", err)
		return
	}
	opts := lease.BorrowOpts{
		Holder:   body.Holder,
		Reason:   body.Reason,
		Duration: s.leaseDuration,
		Policy:   body.Policy,
		Force:    body.Force,
	}
	if body.Duration != "" {
		d, err := parseDuration(body.Duration)
		if err != nil {
			badRequest(c, "duration", err)
			return
		}
		opts.Duration = d
	}
	m, err := lease.Borrow(c.Request.Context(), s.db, c.Param("name"), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMachineView(m))
}

func (s *server) handleReturn(c *gin.Context) {
	name := c.Param("name")
	if err := lease.Return(c.Request.Context(), s.db, name); err != nil {
		writeError(c, err)
		return
	}
	m, err := machine.Get(s.db, name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMachineView(m))
}

func (s *server) handleSweep(c *gin.Context) {
	res, err := lease.Sweep(c.Request.Context(), s.db, lease.SweepOpts{ExtendBy: s.extendBy, Notifier: s.notifier})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
