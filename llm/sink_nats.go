package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// attemptSubjectPrefix is the NATS subject prefix for attempt records.
// The operation is appended: contentgen.llm.attempt.provider_call.
const attemptSubjectPrefix = "contentgen.llm.attempt"

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// attemptEvent is the published form of an AttemptRecord.
type attemptEvent struct {
	ID string `json:"id"`
	AttemptRecord
}

// NATSSink publishes attempt records to NATS for downstream analytics.
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn
	logger  *slog.Logger
	prefix  string
	org     string
	project string
}

// NATSSinkOption configures a NATSSink.
type NATSSinkOption func(*NATSSink)

// WithOrg sets the organization for entity ID generation.
func WithOrg(org string) NATSSinkOption {
	return func(s *NATSSink) {
		s.org = org
	}
}

// WithProject sets the project name for entity ID generation.
func WithProject(project string) NATSSinkOption {
	return func(s *NATSSink) {
		s.project = project
	}
}

// WithSubjectPrefix overrides the subject prefix.
func WithSubjectPrefix(prefix string) NATSSinkOption {
	return func(s *NATSSink) {
		s.prefix = prefix
	}
}

// WithSinkLogger sets the logger used for publish failures.
func WithSinkLogger(logger *slog.Logger) NATSSinkOption {
	return func(s *NATSSink) {
		s.logger = logger
	}
}

// NewNATSSink creates a sink on an existing publisher.
func NewNATSSink(pub Publisher, opts ...NATSSinkOption) *NATSSink {
	s := &NATSSink{
		pub:     pub,
		logger:  slog.Default(),
		prefix:  attemptSubjectPrefix,
		org:     "default",
		project: "default",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectNATSSink dials url and returns a sink that owns the connection.
func ConnectNATSSink(url string, opts ...NATSSinkOption) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("contentgen-attempts"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	s := NewNATSSink(nc, opts...)
	s.conn = nc
	return s, nil
}

// Conn returns the connection the sink owns, or nil when it was built on a
// caller's publisher.
func (s *NATSSink) Conn() *nats.Conn {
	return s.conn
}

// EntityID returns the identifier for a record.
// Format: {org}.contentgen.llm.attempt.{project}.{request_id}.{sequence}
func (s *NATSSink) EntityID(rec AttemptRecord) string {
	return fmt.Sprintf("%s.contentgen.llm.attempt.%s.%s.%d", s.org, s.project, rec.RequestID, rec.Sequence)
}

// Subject returns the subject a record is published on.
func (s *NATSSink) Subject(rec AttemptRecord) string {
	return s.prefix + "." + string(rec.Operation)
}

// Record implements AttemptSink. Publish failures are logged, never returned.
func (s *NATSSink) Record(ctx context.Context, rec AttemptRecord) {
	data, err := json.Marshal(attemptEvent{ID: s.EntityID(rec), AttemptRecord: rec})
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to encode attempt record",
			"request_id", rec.RequestID,
			"error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(rec), data); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish attempt record",
			"request_id", rec.RequestID,
			"subject", s.Subject(rec),
			"error", err)
	}
}

// Close drains the connection if the sink owns one.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
