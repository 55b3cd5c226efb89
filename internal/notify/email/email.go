// Package email is the critical-alert email sink. There is no mail transport
// yet; Send records what would have been delivered.
package email

import (
	"context"
	"errors"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatwatch/internal/alert"
)

// Sink logs the email it would send to a fixed recipient.
type Sink struct {
	to     string
	logger log.Logger
}

// New returns a Sink addressed to to.
func New(to string, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{to: to, logger: logger}
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "email" }

// Send logs the recipient and alert summary.
func (s *Sink) Send(ctx context.Context, a *alert.Alert) error {
	if s.to == "" {
		return errors.New("email: no recipient configured")
	}
	s.logger.Info(ctx, "email notification would be sent",
		"to", s.to,
		"alert_id", a.ID,
		"severity", a.Severity.String(),
		"description", a.Description,
	)
	return nil
}
