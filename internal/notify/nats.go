package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// publisher is the subset of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes notices as JSON. Events go to <prefix>.events.<type>,
// everything else to <prefix>.notices.
type NATS struct {
	conn   publisher
	nc     *nats.Conn
	prefix string
}

// DialNATS connects to url and returns a notifier publishing under prefix.
func DialNATS(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("labyard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("notify: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("notify: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	n := newNATS(nc, prefix)
	n.nc = nc
	return n, nil
}

func newNATS(p publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "labyard"
	}
	return &NATS{conn: p, prefix: prefix}
}

type natsPayload struct {
	Kind     string            `json:"kind"`
	Severity string            `json:"severity"`
	Machine  string            `json:"machine,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Ts       time.Time         `json:"ts"`
	EventID  uint              `json:"event_id,omitempty"`
}

// Subject returns the NATS subject a notice is published on.
func (n *NATS) Subject(nt Notice) string {
	if nt.Kind == KindEvent && nt.Event != nil {
		return n.prefix + ".events." + nt.Event.Type
	}
	return n.prefix + ".notices"
}

func (n *NATS) Notify(_ context.Context, nt Notice) error {
	p := natsPayload{
		Kind:     nt.Kind,
		Severity: nt.Severity,
		Machine:  nt.Subject,
		Title:    nt.Title,
		Body:     nt.Body,
		Ts:       nt.Ts.UTC(),
	}
	if len(nt.Fields) > 0 {
		p.Fields = make(map[string]string, len(nt.Fields))
		for _, f := range nt.Fields {
			p.Fields[f.Name] = f.Value
		}
	}
	if nt.Event != nil {
		p.EventID = nt.Event.ID
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("nats: encode notice: %w", err)
	}
	subject := n.Subject(nt)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection opened by DialNATS.
func (n *NATS) Close() error {
	if n.nc == nil || n.nc.IsClosed() {
		return nil
	}
	return n.nc.Drain()
}
