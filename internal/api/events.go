package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/eventlog"
	"github.com/zulandar/labyard/internal/models"
	"github.com/zulandar/labyard/internal/notify"
)

type eventBody struct {
	Ts      string `json:"ts"`
	Type    string `json:"type"`
	Subject string `json:"subject"`
	Data    string `json:"data"`
}

// handleEventAppend ingests an event from the job-lifecycle side.
func (s *server) handleEventAppend(c *gin.Context) {
	var body eventBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "body", err)
		return
	}
	ts, err := parseTime("ts", body.Ts)
	if err != nil {
		writeError(c, err)
		return
	}
	ev := &models.Event{Ts: ts, Type: body.Type, Subject: body.Subject, Data: body.Data}
	if err := eventlog.Append(s.db, ev); err != nil {
		writeError(c, err)
		return
	}
	notify.Publish(c.Request.Context(), s.notifier, notify.ForEvent(*ev))
	c.JSON(http.StatusCreated, toEventView(ev))
}

func (s *server) handleEventList(c *gin.Context) {
	q := eventlog.Query{
		Subjects: splitQuery(c.QueryArray("subject")),
		Types:    splitQuery(c.QueryArray("type")),
	}
	var err error
	if q.Start, err = parseTime("start", c.Query("start")); err != nil {
		writeError(c, err)
		return
	}
	if q.End, err = parseTime("end", c.Query("end")); err != nil {
		writeError(c, err)
		return
	}
	if l := c.Query("limit"); l != "" {
		if q.Limit, err = strconv.Atoi(l); err != nil || q.Limit < 0 {
			badRequest(c, "limit", fmt.Errorf("limit must be a non-negative integer"))
			return
		}
	}
	events, err := eventlog.List(s.db, q)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]eventView, len(events))
	for i := range events {
		out[i] = toEventView(&events[i])
	}
	c.JSON(http.StatusOK, out)
}

// handleEventStream pushes newly appended events as server-sent events.
// Only events appended after the client connects are sent. If the starting
// position cannot be read the stream ends with a single error event.
func (s *server) handleEventStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	types := splitQuery(c.QueryArray("type"))

	var lastSeen models.Event
	if err := s.db.Select("id").Order("id DESC").Limit(1).Find(&lastSeen).Error; err != nil {
		log.WithError(err).Error("api: event stream: read last event id")
		writeSSE(c.Writer, "error", gin.H{"error": err.Error()})
		c.Writer.Flush()
		return
	}

	writeSSE(c.Writer, "connected", gin.H{"last_id": lastSeen.ID})
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(s.streamInterval)
	heartbeat := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	defer heartbeat.Stop()

	lastID := lastSeen.ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		case <-ticker.C:
			q := s.db.Where("id > ?", lastID)
			if len(types) > 0 {
				q = q.Where("type IN ?", types)
			}
			var fresh []models.Event
			if err := q.Order("id ASC").Limit(500).Find(&fresh).Error; err != nil || len(fresh) == 0 {
				continue
			}
			for i := range fresh {
				writeSSE(c.Writer, "event", toEventView(&fresh[i]))
			}
			lastID = fresh[len(fresh)-1].ID
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
