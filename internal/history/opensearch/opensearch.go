package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/kerneld/internal/history"
)

// Options configures the OpenSearch sink.
type Options struct {
	URL      string // base URL, e.g. http://search:9200
	Index    string // index prefix; documents go to <Index>-YYYY.MM
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes one document per daemon lifecycle event. Documents are keyed
// by daemon id and event type, so a retried send overwrites instead of
// duplicating.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	username string
	password string
}

func New(opts Options) (*Sink, error) {
	if opts.URL == "" {
		return nil, errors.New("opensearch URL is required")
	}
	if opts.Index == "" {
		opts.Index = "daemon-history"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{
		client:   &http.Client{Timeout: opts.Timeout},
		baseURL:  strings.TrimRight(opts.URL, "/"),
		index:    opts.Index,
		username: opts.Username,
		password: opts.Password,
	}, nil
}

// document is the flattened form searched and aggregated in dashboards.
type document struct {
	DaemonID       string     `json:"daemon_id"`
	Event          string     `json:"event"`
	OccurredAt     time.Time  `json:"@timestamp"`
	OwnerID        string     `json:"owner_id"`
	ChatID         string     `json:"chat_id"`
	MessageID      string     `json:"message_id,omitempty"`
	KernelID       string     `json:"kernel_id,omitempty"`
	Engine         string     `json:"engine"`
	State          string     `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	RuntimeSeconds *float64   `json:"runtime_seconds,omitempty"`
}

func toDocument(e history.Event) document {
	r := e.Record
	d := document{
		DaemonID:   r.DaemonID,
		Event:      string(e.Type),
		OccurredAt: e.OccurredAt.UTC(),
		OwnerID:    r.OwnerID,
		ChatID:     r.ChatID,
		MessageID:  r.MessageID,
		KernelID:   r.KernelID,
		Engine:     r.Engine,
		State:      r.State,
		Reason:     r.Reason,
		StartedAt:  r.StartedAt.UTC(),
		EndedAt:    r.EndedAt,
	}
	if r.EndedAt != nil {
		secs := r.EndedAt.Sub(r.StartedAt).Seconds()
		d.RuntimeSeconds = &secs
	}
	return d
}

// indexFor rolls the index monthly so retention can drop whole indices.
func (s *Sink) indexFor(t time.Time) string {
	return s.index + "-" + t.UTC().Format("2006.01")
}

// docURL builds <base>/<index>/_doc/<daemon_id>:<event>.
func (s *Sink) docURL(e history.Event) string {
	id := url.PathEscape(e.Record.DaemonID + ":" + string(e.Type))
	return fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.indexFor(e.OccurredAt), id)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if e.Record.DaemonID == "" {
		return errors.New("opensearch sink: event without daemon id")
	}
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.docURL(e), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink: index %s status %d", e.Record.DaemonID, resp.StatusCode)
	}
	return nil
}
