package api

import (
	"time"

	"github.com/zulandar/labyard/internal/models"
)

type machineView struct {
	Name        string            `json:"name"`
	Site        string            `json:"site"`
	Cluster     string            `json:"cluster"`
	Pool        string            `json:"pool"`
	Status      string            `json:"status"`
	Resources   string            `json:"resources"`
	Flags       string            `json:"flags"`
	Descr       string            `json:"descr"`
	JobID       *uint             `json:"job_id"`
	Lease       *leaseView        `json:"lease,omitempty"`
	LeasePolicy string            `json:"lease_policy"`
	Props       map[string]string `json:"props,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type leaseView struct {
	Holder   string     `json:"holder"`
	Reason   string     `json:"reason"`
	From     *time.Time `json:"from"`
	To       *time.Time `json:"to"`
	Extended bool       `json:"extended"`
	Warned   bool       `json:"warned"`
}

func toMachineView(m *models.Machine) machineView {
	v := machineView{
		Name:        m.Name,
		Site:        m.Site,
		Cluster:     m.Cluster,
		Pool:        m.Pool,
		Status:      m.Status,
		Resources:   m.Resources,
		Flags:       m.Flags,
		Descr:       m.Descr,
		JobID:       m.JobID,
		LeasePolicy: m.LeasePolicy,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.Leased() {
		v.Lease = &leaseView{
			Holder:   m.LeaseHolder,
			Reason:   m.LeaseReason,
			From:     m.LeaseFrom,
			To:       m.LeaseTo,
			Extended: m.LeaseExtended,
			Warned:   m.LeaseWarned,
		}
	}
	if len(m.Props) > 0 {
		v.Props = make(map[string]string, len(m.Props))
		for _, p := range m.Props {
			v.Props[p.Key] = p.Value
		}
	}
	return v
}

type siteView struct {
	Name            string `json:"name"`
	Status          string `json:"status"`
	Flags           string `json:"flags"`
	Descr           string `json:"descr"`
	MaxJobs         int    `json:"max_jobs"`
	SharedResources string `json:"shared_resources"`
}

func toSiteView(s *models.Site) siteView {
	return siteView{
		Name:            s.Name,
		Status:          s.Status,
		Flags:           s.Flags,
		Descr:           s.Descr,
		MaxJobs:         s.MaxJobs,
		SharedResources: s.SharedResources,
	}
}

type eventView struct {
	ID      uint      `json:"id"`
	Ts      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Subject string    `json:"subject"`
	Data    string    `json:"data"`
}

func toEventView(e *models.Event) eventView {
	return eventView{ID: e.ID, Ts: e.Ts, Type: e.Type, Subject: e.Subject, Data: e.Data}
}
