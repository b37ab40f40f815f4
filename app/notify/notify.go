// Package notify delivers job completion messages to webhook and email destinations
package notify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/umputun/rowjobs/app/job"
)

const defaultTemplate = `Job {{.Job.Name}} ({{.Category}}) {{.Job.Status}} on {{.Host}}
processed: {{.Job.Processed}}/{{.Job.Total}}, successful: {{.Job.Successful}}, failed: {{.Job.Failed}}
{{- if .Job.EndTime}}
finished: {{.Job.EndTime.Format "2006-01-02T15:04:05Z07:00"}}{{end}}
{{- if .Job.Message}}
{{.Job.Message}}{{end}}
`

// Service sends a message per finished job to all destinations
type Service struct {
	notifiers    []notify.Notifier
	destinations []string
	onCompleted  bool
	onFailed     bool
	tmpl         *template.Template
	logger       log.L
}

// Params defines what and when to send
type Params struct {
	Destinations []string // http(s) webhook urls or mailto: destinations
	OnCompleted  bool
	OnFailed     bool
	Template     string // optional template file, default used if not set or broken
	Logger       log.L
}

// SendersParams configures senders
type SendersParams struct {
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	Timeout      time.Duration
}

// NewService makes Service, nil if there is nothing to send to
func NewService(p Params, sp SendersParams) *Service {
	if len(p.Destinations) == 0 {
		return nil
	}
	if p.Logger == nil {
		p.Logger = log.Default()
	}
	if sp.Timeout <= 0 {
		sp.Timeout = 10 * time.Second
	}

	res := &Service{onCompleted: p.OnCompleted, onFailed: p.OnFailed, logger: p.Logger,
		tmpl: template.Must(template.New("msg").Parse(defaultTemplate))}

	var hasWebhook, hasEmail bool
	for _, d := range p.Destinations {
		switch {
		case strings.HasPrefix(d, "mailto:"):
			if sp.FromEmail != "" && !strings.Contains(d, "from=") {
				d += sep(d) + "from=" + sp.FromEmail
			}
			hasEmail = true
		case strings.HasPrefix(d, "http://"), strings.HasPrefix(d, "https://"):
			hasWebhook = true
		default:
			p.Logger.Logf("[WARN] unsupported notification destination %q, skipped", d)
			continue
		}
		res.destinations = append(res.destinations, d)
	}
	if hasWebhook {
		res.notifiers = append(res.notifiers, notify.NewWebhook(notify.WebhookParams{Timeout: sp.Timeout,
			Headers: []string{"Content-Type:text/plain"}}))
	}
	if hasEmail {
		res.notifiers = append(res.notifiers, notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			ContentType: "text/plain",
			TimeOut:     sp.Timeout,
		}))
	}

	if p.Template != "" {
		if t, err := loadTemplate(p.Template); err == nil {
			res.tmpl = t
		} else {
			p.Logger.Logf("[WARN] can't use template %s, default used: %v", p.Template, err)
		}
	}
	return res
}

// For returns a copy of Service with own completed/failed switches, destinations and senders shared
func (s *Service) For(onCompleted, onFailed bool) *Service {
	res := *s
	res.onCompleted, res.onFailed = onCompleted, onFailed
	return &res
}

// JobFinished sends message about terminal job if enabled for its status
func (s *Service) JobFinished(ctx context.Context, category job.Type, j job.Job) error {
	if !s.enabled(j.Status) {
		return nil
	}
	text, err := s.MakeMessage(category, j)
	if err != nil {
		return err
	}

	var errs []string
	for _, dest := range s.destinations {
		if err := notify.Send(ctx, s.notifiers, dest, text); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		s.logger.Logf("[DEBUG] job %s notification sent to %s", j.ID, scrub(dest))
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to send %d of %d notifications: %s", len(errs), len(s.destinations), strings.Join(errs, "; "))
	}
	return nil
}

// MakeMessage renders the notification text
func (s *Service) MakeMessage(category job.Type, j job.Job) (string, error) {
	data := struct {
		Category job.Type
		Job      job.Job
		Host     string
	}{Category: category, Job: j, Host: hostname()}

	buf := bytes.Buffer{}
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func (s *Service) enabled(st job.Status) bool {
	switch st {
	case job.StatusCompleted:
		return s.onCompleted
	case job.StatusFailed:
		return s.onFailed
	default:
		return false
	}
}

func loadTemplate(file string) (*template.Template, error) {
	data, err := os.ReadFile(file) //nolint:gosec // file is set by operator
	if err != nil {
		return nil, fmt.Errorf("can't read template: %w", err)
	}
	t, err := template.New("msg").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("can't parse template: %w", err)
	}
	return t, nil
}

func hostname() string {
	if h := os.Getenv("MHOST"); h != "" {
		return h
	}
	h, _ := os.Hostname()
	return h
}

func sep(dest string) string {
	if strings.Contains(dest, "?") {
		return "&"
	}
	return "?"
}

// scrub drops query from destination, webhook urls may carry tokens
func scrub(dest string) string {
	if i := strings.Index(dest, "?"); i >= 0 {
		return dest[:i]
	}
	return dest
}
