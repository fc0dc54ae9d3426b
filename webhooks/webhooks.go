package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/bartossh/Fiduciary/httpclient"
	"github.com/bartossh/Fiduciary/logger"
	"github.com/bartossh/Fiduciary/settlement"
)

const (
	postTimeout         = time.Second * 5
	maxHooksInstitution = 8
)

var (
	ErrInvalidHook  = errors.New("webhook url must be an absolute http or https url")
	ErrHookNotFound = errors.New("webhook not found")
	ErrHookLimit    = errors.New("maximum number of webhooks reached")
)

// Message is posted to the webhook url on every settlement event of the institution.
type Message struct {
	Token string           `json:"token"` // Token given by the webhook creator to validate the message source.
	Event settlement.Event `json:"event"`
}

// Hook is the webhook that receives institution settlement events.
type Hook struct {
	URL   string `json:"url"`   // URL is a url of the webhook.
	Token string `json:"token"` // Token is added to every message to verify that the message comes from the valid source.
}

type hooks map[string]Hook

// Service keeps webhooks per institution ledger id and posts settlement events to them.
type Service struct {
	mux     sync.RWMutex
	buffer  map[string]hooks
	timeout time.Duration
	wg      sync.WaitGroup
	log     logger.Logger
}

// New creates new instance of the webhook service.
func New(l logger.Logger) *Service {
	return &Service{
		mux:     sync.RWMutex{},
		buffer:  make(map[string]hooks),
		timeout: postTimeout,
		log:     l,
	}
}

// CreateWebhook creates new webhook or updates the token of the existing one with the same url.
func (s *Service) CreateWebhook(ledgerID string, h Hook) error {
	u, err := url.Parse(h.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidHook
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	hs, ok := s.buffer[ledgerID]
	if !ok {
		hs = make(hooks)
		s.buffer[ledgerID] = hs
	}
	if _, ok := hs[h.URL]; !ok && len(hs) >= maxHooksInstitution {
		return ErrHookLimit
	}
	hs[h.URL] = h
	return nil
}

// RemoveWebhook removes the institution webhook with given url.
func (s *Service) RemoveWebhook(ledgerID, url string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	hs, ok := s.buffer[ledgerID]
	if !ok {
		return ErrHookNotFound
	}
	if _, ok := hs[url]; !ok {
		return ErrHookNotFound
	}
	delete(hs, url)
	if len(hs) == 0 {
		delete(s.buffer, ledgerID)
	}
	return nil
}

// Webhooks lists the institution webhooks ordered by url.
func (s *Service) Webhooks(ledgerID string) []Hook {
	s.mux.RLock()
	defer s.mux.RUnlock()
	result := make([]Hook, 0, len(s.buffer[ledgerID]))
	for _, h := range s.buffer[ledgerID] {
		result = append(result, h)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].URL < result[j].URL })
	return result
}

// Notify posts the event to every webhook of the institution the event belongs to.
// Posting happens in the background, a failing webhook is only logged.
func (s *Service) Notify(_ context.Context, e settlement.Event) error {
	for _, h := range s.Webhooks(e.InstitutionRef) {
		s.wg.Add(1)
		go func(h Hook) {
			defer s.wg.Done()
			msg := Message{Token: h.Token, Event: e}
			if err := httpclient.MakePost(s.timeout, h.URL, msg, nil); err != nil {
				s.log.Error(fmt.Sprintf("webhook service error posting event [ %s ] to url [ %s ], %s", e.ID, h.URL, err))
			}
		}(h)
	}
	return nil
}

// Wait blocks until all started posts are finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
