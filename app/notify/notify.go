// Package notify delivers job status-change notifications to configured destination
// URLs (webhook, telegram, slack, mailto schemes).
package notify

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/sitekit/jobstore/app/store"
)

// Service sends notifications for jobs entering any of the configured statuses
type Service struct {
	destinations []string
	onStatuses   map[string]bool
	timeout      time.Duration
}

// Params to make notification service
type Params struct {
	Destinations []string
	OnStatuses   []string
	Timeout      time.Duration
}

// NewService makes notification service, nil if no destinations defined
func NewService(p Params) *Service {
	if len(p.Destinations) == 0 {
		return nil
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	onStatuses := make(map[string]bool, len(p.OnStatuses))
	for _, st := range p.OnStatuses {
		onStatuses[st] = true
	}
	return &Service{destinations: p.Destinations, onStatuses: onStatuses, timeout: p.Timeout}
}

// OnUpdate sends a notification if the update moved the job into one of the configured
// statuses. Delivery failures are logged and never returned, an update must not fail
// because a notification endpoint is down.
func (s *Service) OnUpdate(ctx context.Context, prev, curr store.Job) {
	if s == nil {
		return
	}
	if prev.Status == curr.Status || !s.onStatuses[curr.Status] {
		return
	}

	msg := s.makeMessage(prev, curr)
	for _, dest := range s.destinations {
		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := notify.Send(sendCtx, dest, msg); err != nil {
			log.Printf("[WARN] failed to notify %s about job %s, %v", dest, curr.ID(), err)
		}
		cancel()
	}
	log.Printf("[DEBUG] notified %d destination(s) about job %s -> %s", len(s.destinations), curr.ID(), curr.Status)
}

// makeMessage formats the status-change message
func (s *Service) makeMessage(prev, curr store.Job) string {
	return fmt.Sprintf("job %s (%s on %s) changed status %s -> %s, progress %.0f%%",
		curr.ID(), curr.Name, curr.ServerName, prev.Status, curr.Status, curr.Progress)
}
