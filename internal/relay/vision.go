package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/backend"
	"github.com/memchat/bridge-server-go/internal/config"
	"github.com/memchat/bridge-server-go/internal/device"
)

// VisionDialer opens the backend vision channel. Satisfied by
// *backend.Client.
type VisionDialer interface {
	OpenVisionChannel(ctx context.Context) (backend.VisionConn, error)
}

// VisionRelay forwards camera frames to the backend and routes inbound
// detection/analysis events to the device display. Channel loss triggers
// bounded exponential-backoff reconnection; a device without a camera
// leaves the relay inert.
type VisionRelay struct {
	dev    device.Session
	dialer VisionDialer

	mu             sync.Mutex
	running        bool
	channel        backend.VisionConn
	attempts       int
	captureStop    chan struct{}
	reconnectTimer *time.Timer
}

func NewVisionRelay(dev device.Session, dialer VisionDialer) *VisionRelay {
	return &VisionRelay{dev: dev, dialer: dialer}
}

// reconnectDelay is the backoff before the n-th consecutive retry:
// min(base * 2^n, cap), counted from n=0.
func reconnectDelay(attempt int) time.Duration {
	delay := config.ReconnectBackoffBase << attempt
	if delay > config.ReconnectBackoffCap || delay <= 0 {
		return config.ReconnectBackoffCap
	}
	return delay
}

func (r *VisionRelay) Start(ctx context.Context) {
	if !r.dev.Capabilities().Camera {
		log.Info().Str("sessionId", r.dev.ID()).Msg("device has no camera, vision relay inert")
		return
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.connect(ctx)
}

func (r *VisionRelay) connect(ctx context.Context) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	channel, err := r.dialer.OpenVisionChannel(ctx)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", r.dev.ID()).Msg("vision channel open failed")
		r.scheduleReconnect(ctx)
		return
	}

	stop := make(chan struct{})

	r.mu.Lock()
	if !r.running {
		// Stopped while dialing.
		r.mu.Unlock()
		channel.Close()
		return
	}
	r.channel = channel
	r.attempts = 0
	r.captureStop = stop
	r.mu.Unlock()

	go r.captureLoop(ctx, channel, stop)
	go r.routeEvents(channel)

	go func() {
		select {
		case <-channel.Done():
			r.mu.Lock()
			if r.channel == channel {
				r.channel = nil
			}
			if r.captureStop == stop {
				close(stop)
				r.captureStop = nil
			}
			r.mu.Unlock()
			r.scheduleReconnect(ctx)
		case <-stop:
		}
	}()
}

func (r *VisionRelay) scheduleReconnect(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running || ctx.Err() != nil {
		return
	}

	if r.attempts >= config.MaxReconnectAttempts {
		log.Error().
			Str("sessionId", r.dev.ID()).
			Int("attempts", r.attempts).
			Msg("vision channel reconnect limit reached, going idle")
		return
	}

	delay := reconnectDelay(r.attempts)
	r.attempts++

	log.Info().
		Str("sessionId", r.dev.ID()).
		Int("attempt", r.attempts).
		Dur("delay", delay).
		Msg("scheduling vision channel reconnect")

	r.reconnectTimer = time.AfterFunc(delay, func() { r.connect(ctx) })
}

func (r *VisionRelay) captureLoop(ctx context.Context, channel backend.VisionConn, stop chan struct{}) {
	ticker := time.NewTicker(config.FrameCaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := r.dev.CapturePhoto(ctx)
			if err != nil {
				log.Debug().Err(err).Str("sessionId", r.dev.ID()).Msg("frame capture failed")
				continue
			}
			// Fire-and-forget: a lost frame is replaced three seconds later.
			channel.SendFrame(frame)
		}
	}
}

func (r *VisionRelay) routeEvents(channel backend.VisionConn) {
	for event := range channel.Events() {
		switch ev := event.(type) {
		case backend.VisionDetection:
			r.dev.ShowStatus(formatDetection(ev))
		case backend.VisionAnalysis:
			r.dev.ShowCard("Vision", ev.Description)
		case backend.VisionChannelError:
			// Not actionable by the wearer; keep the display quiet.
			log.Warn().Str("sessionId", r.dev.ID()).Str("message", ev.Message).Msg("vision backend error")
		}
	}
}

func formatDetection(ev backend.VisionDetection) string {
	if len(ev.Objects) == 0 {
		return "Looking..."
	}

	labels := make([]string, 0, len(ev.Objects))
	for label := range ev.Objects {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%s x%d", label, ev.Objects[label]))
	}
	return strings.Join(parts, ", ")
}

// Stop cancels any outstanding capture tick and reconnect timer before
// closing the channel, so a stopped session's timer can never fire into
// freed state. Idempotent.
func (r *VisionRelay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false

	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	if r.captureStop != nil {
		close(r.captureStop)
		r.captureStop = nil
	}
	channel := r.channel
	r.channel = nil
	r.mu.Unlock()

	if channel != nil {
		channel.Close()
	}

	log.Info().Str("sessionId", r.dev.ID()).Msg("vision relay stopped")
}
