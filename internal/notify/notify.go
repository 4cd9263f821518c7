// Package notify delivers allocation events and lease notices to the
// configured sinks: the log, NATS, Slack and Discord. Delivery is
// best-effort; callers log failures and carry on.
package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/config"
	"github.com/zulandar/labyard/internal/models"
)

// Notice kinds.
const (
	KindEvent        = "event"
	KindLeaseWarning = "lease_warning"
	KindLeaseReclaim = "lease_reclaim"
	KindLeaseExtend  = "lease_extend"
)

// Severity hints.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Notice is one message to deliver.
type Notice struct {
	Kind     string
	Severity string
	Subject  string // machine name
	Title    string
	Body     string
	Fields   []Field
	Event    *models.Event // set for KindEvent
	Ts       time.Time
}

// Field is a key-value pair shown alongside a notice.
type Field struct {
	Name  string
	Value string
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice) error

func (f Func) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// Nop discards every notice.
var Nop Notifier = Func(func(context.Context, Notice) error { return nil })

// ForEvent builds the notice for an appended event.
func ForEvent(ev models.Event) Notice {
	return Notice{
		Kind:     KindEvent,
		Severity: SeverityInfo,
		Subject:  ev.Subject,
		Title:    fmt.Sprintf("%s %s", ev.Type, ev.Subject),
		Body:     ev.Data,
		Fields:   []Field{{Name: "type", Value: ev.Type}, {Name: "data", Value: ev.Data}},
		Event:    &ev,
		Ts:       ev.Ts,
	}
}

// Text renders a notice as a single line for plain-text sinks.
func (n Notice) Text() string {
	var b strings.Builder
	b.WriteString(n.Title)
	if n.Body != "" && n.Body != n.Title {
		b.WriteString(": ")
		b.WriteString(n.Body)
	}
	return b.String()
}

// Multi fans a notice out to every notifier and aggregates the failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var result *multierror.Error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Publish sends every notice and logs failures instead of returning them.
func Publish(ctx context.Context, nt Notifier, notices ...Notice) {
	if nt == nil {
		return
	}
	for _, n := range notices {
		if err := nt.Notify(ctx, n); err != nil {
			log.WithFields(log.Fields{"kind": n.Kind, "machine": n.Subject}).WithError(err).Warn("notify: delivery failed")
		}
	}
}

// LogNotifier writes notices to a logrus logger.
type LogNotifier struct {
	Logger log.FieldLogger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithFields(log.Fields{"kind": n.Kind, "machine": n.Subject})
	for _, f := range n.Fields {
		entry = entry.WithField(f.Name, f.Value)
	}
	if n.Severity == SeverityWarning {
		entry.Warn(n.Text())
	} else {
		entry.Info(n.Text())
	}
	return nil
}

type closers []io.Closer

func (c closers) Close() error {
	var result *multierror.Error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// FromConfig builds a Multi from the notify section. The log sink is always
// present. The returned Closer releases network connections.
func FromConfig(cfg config.NotifyConfig) (Notifier, io.Closer, error) {
	multi := Multi{LogNotifier{}}
	var cls closers
	var result *multierror.Error

	if cfg.NATSURL != "" {
		n, err := DialNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			multi = append(multi, n)
			cls = append(cls, n)
		}
	}
	if cfg.Slack.Enabled() {
		multi = append(multi, NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID))
	}
	if cfg.Discord.Enabled() {
		d, err := NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			multi = append(multi, d)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		cls.Close()
		return nil, nil, fmt.Errorf("notify: %w", err)
	}
	return multi, cls, nil
}
