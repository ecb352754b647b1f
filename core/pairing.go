package core

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionRequest is an ephemeral pairing artifact rendered as a link or
// QR code. It is never persisted.
type ConnectionRequest struct {
	ID         string
	InstanceID string
	Link       string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (r ConnectionRequest) Expired(now time.Time) bool {
	return r.ID == "" || !now.Before(r.ExpiresAt)
}

type PairingOption func(*PairingManager)

func WithPairingClock(now func() time.Time) PairingOption {
	return func(p *PairingManager) {
		if now != nil {
			p.now = now
		}
	}
}

func WithPairingIDGenerator(next func() string) PairingOption {
	return func(p *PairingManager) {
		if next != nil {
			p.newID = next
		}
	}
}

func WithPairingObserver(logger Logger, metrics MetricsRecorder) PairingOption {
	return func(p *PairingManager) {
		p.obs = newObserver(logger, metrics)
	}
}

// PairingManager keeps one live ConnectionRequest and regenerates it on
// expiry.
type PairingManager struct {
	instanceID string
	cfg        PairingConfig
	now        func() time.Time
	newID      func() string
	obs        observer

	mu      sync.Mutex
	current ConnectionRequest
	stop    chan struct{}
	done    chan struct{}
}

func NewPairingManager(instanceID string, cfg PairingConfig, opts ...PairingOption) *PairingManager {
	defaults := DefaultConfig().Pairing
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if strings.TrimSpace(cfg.Scheme) == "" {
		cfg.Scheme = defaults.Scheme
	}
	p := &PairingManager{
		instanceID: strings.TrimSpace(instanceID),
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
		obs:        newObserver(nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Current returns the live request, minting a new one when the previous
// request expired.
func (p *PairingManager) Current() ConnectionRequest {
	request, _ := p.currentAt(p.now())
	return request
}

// Remaining is the countdown until the live request expires.
func (p *PairingManager) Remaining() time.Duration {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.Expired(now) {
		return 0
	}
	return p.current.ExpiresAt.Sub(now)
}

// Start emits the live request immediately and again on every
// regeneration until ctx ends or Stop is called.
func (p *PairingManager) Start(ctx context.Context, onUpdate func(ConnectionRequest)) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.stop, p.done = stop, done
	p.mu.Unlock()

	request, _ := p.currentAt(p.now())
	if onUpdate != nil {
		onUpdate(request)
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.clearLoop(stop)
				return
			case <-stop:
				return
			case <-ticker.C:
				next, regenerated := p.currentAt(p.now())
				if regenerated && onUpdate != nil {
					onUpdate(next)
				}
			}
		}
	}()
}

// Stop cancels polling and waits for the loop to exit.
func (p *PairingManager) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *PairingManager) clearLoop(stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == stop {
		p.stop, p.done = nil, nil
	}
}

func (p *PairingManager) currentAt(now time.Time) (ConnectionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.current.Expired(now) {
		return p.current, false
	}
	id := p.newID()
	expiresAt := now.Add(p.cfg.TTL)
	p.current = ConnectionRequest{
		ID:         id,
		InstanceID: p.instanceID,
		Link:       p.link(id, expiresAt),
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	p.obs.count(context.Background(), "pairing_regenerated", map[string]string{})
	return p.current, true
}

func (p *PairingManager) link(id string, expiresAt time.Time) string {
	query := url.Values{}
	query.Set("channel", id)
	if p.instanceID != "" {
		query.Set("instance", p.instanceID)
	}
	query.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	return p.cfg.Scheme + "://connect?" + query.Encode()
}
