package notifier

import (
	"context"
	"io"
	"log"
	"net/url"
	"sync"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/alertai/alertai/internal/errors"
	"github.com/alertai/alertai/internal/logger"
)

// ShoutrrrProvider sends the plain-text message through shoutrrr services
// (telegram, discord, smtp, ntfy, pushover, generic and others). Senders are
// created once per channel URL and reused.
type ShoutrrrProvider struct {
	timeout time.Duration

	mu      sync.Mutex
	senders map[string]*router.ServiceRouter
}

// NewShoutrrrProvider creates a provider whose senders give up after timeout.
func NewShoutrrrProvider(timeout time.Duration) *ShoutrrrProvider {
	return &ShoutrrrProvider{timeout: timeout, senders: make(map[string]*router.ServiceRouter)}
}

// Name implements Provider.
func (s *ShoutrrrProvider) Name() string { return "shoutrrr" }

func (s *ShoutrrrProvider) sender(raw string) (*router.ServiceRouter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender, ok := s.senders[raw]; ok {
		return sender, nil
	}
	sender, err := shoutrrr.CreateSender(raw)
	if err != nil {
		// The parse error may echo credentials from the URL.
		return nil, WithClass(errors.Newf("invalid shoutrrr url %s", logger.RedactURL(raw)).
			Component("notifier").
			Category(errors.CategoryConfiguration).
			Build(), ClassOther)
	}
	if s.timeout > 0 {
		sender.Timeout = s.timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	s.senders[raw] = sender
	return sender, nil
}

// Send implements Provider. The router enforces its own timeout; ctx is
// honoured by returning early when it ends first.
func (s *ShoutrrrProvider) Send(ctx context.Context, target *url.URL, payload Payload) error {
	sender, err := s.sender(target.String())
	if err != nil {
		return err
	}

	params := stypes.Params{}
	if payload.Title != "" {
		params.SetTitle(payload.Title)
	}

	done := make(chan error, 1)
	go func() {
		var first error
		for _, e := range sender.Send(payload.Text, &params) {
			if e != nil {
				first = e
				break
			}
		}
		done <- first
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.New(err).
				Component("notifier").
				Category(errors.CategoryNotification).
				Context("service", target.Scheme).
				Build()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
