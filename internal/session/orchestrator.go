package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/memchat/bridge-server-go/internal/backend"
	"github.com/memchat/bridge-server-go/internal/config"
	"github.com/memchat/bridge-server-go/internal/device"
	"github.com/memchat/bridge-server-go/internal/model"
	"github.com/memchat/bridge-server-go/internal/relay"
	"github.com/memchat/bridge-server-go/internal/repository"
	"github.com/memchat/bridge-server-go/internal/service"
	"github.com/memchat/bridge-server-go/internal/store"
)

// Orchestrator owns the per-device state machine and wires the pairing
// coordinator and the two relays together for one device session.
//
//	unpaired → pairing → connected → listening
//
// and, driven by the chat relay, listening → thinking → speaking →
// listening. Teardown resets to unpaired unconditionally.
type Orchestrator struct {
	dev     device.Session
	pairing *service.PairingService
	factory *backend.Factory
	creds   store.CredentialStore
	turns   repository.TurnLogRepository

	mu        sync.Mutex
	state     model.SessionState
	destroyed bool
	cancel    context.CancelFunc
	chat      *relay.ChatRelay
	vision    *relay.VisionRelay
	authLost  chan struct{}
}

func NewOrchestrator(
	dev device.Session,
	pairing *service.PairingService,
	factory *backend.Factory,
	creds store.CredentialStore,
	turns repository.TurnLogRepository,
) *Orchestrator {
	return &Orchestrator{
		dev:     dev,
		pairing: pairing,
		factory: factory,
		creds:   creds,
		turns:   turns,
		state:   model.StateUnpaired,
	}
}

// Initialize starts the session's lifecycle goroutine.
func (o *Orchestrator) Initialize(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		cancel()
		return
	}
	o.cancel = cancel
	o.mu.Unlock()

	go o.run(ctx)
}

func (o *Orchestrator) run(ctx context.Context) {
	for ctx.Err() == nil {
		if !o.ensurePaired(ctx) {
			return
		}

		o.setState(model.StateConnected)

		// A dead refresh token escalates here and falls back to pairing.
		if repair := o.runConnected(ctx); !repair {
			return
		}
	}
}

// ensurePaired drives the pairing flow until a credential record exists.
// A timed-out code is replaced by a fresh one; there is no silent retry
// of a single code.
func (o *Orchestrator) ensurePaired(ctx context.Context) bool {
	record, err := o.creds.Get(ctx, o.dev.Identity())
	if err != nil {
		log.Error().Err(err).Str("identity", o.dev.Identity()).Msg("credential lookup failed")
		return false
	}
	if record != nil {
		return true
	}

	o.setState(model.StatePairing)

	// Button presses still work while the wearer is pairing; the drain
	// goroutine hands the event channel back before this returns.
	drainCtx, stopDrain := context.WithCancel(ctx)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		o.drainWhilePairing(drainCtx)
	}()
	defer func() {
		stopDrain()
		<-drained
	}()

	for ctx.Err() == nil {
		if _, err := o.pairing.BeginPairing(ctx, o.dev); err != nil {
			log.Error().Err(err).Str("identity", o.dev.Identity()).Msg("failed to begin pairing")
			return false
		}

		if o.pairing.AwaitCompletion(ctx, o.dev.Identity(), config.PairingWaitTimeout) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		o.dev.ShowStatus("Pairing code expired, issuing a new one")
	}
	return false
}

// drainWhilePairing consumes device input while no backend session
// exists. A long press still answers with the status card; everything
// else is discarded so it cannot replay into the connected session.
func (o *Orchestrator) drainWhilePairing(ctx context.Context) {
	events := o.dev.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if press, isButton := event.(device.ButtonPress); isButton && press.Press == device.PressLong {
				o.showStatus(ctx)
			}
		}
	}
}

// runConnected starts both relays and pumps device events until the
// session ends or authentication is lost. Returns true when the caller
// should fall back to pairing.
func (o *Orchestrator) runConnected(ctx context.Context) bool {
	client := o.factory.ClientFor(o.dev.Identity())

	conversationID, err := client.ConversationID(ctx)
	if err != nil {
		log.Error().Err(err).Str("identity", o.dev.Identity()).Msg("failed to load conversation handle")
	}

	authLost := make(chan struct{})
	var authOnce sync.Once
	onAuthLost := func() { authOnce.Do(func() { close(authLost) }) }

	chat := relay.NewChatRelay(o.dev, client, o.turns, conversationID, o.setState, onAuthLost)
	vision := relay.NewVisionRelay(o.dev, client)

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return false
	}
	o.chat = chat
	o.vision = vision
	o.authLost = authLost
	o.mu.Unlock()

	vision.Start(ctx)
	o.setState(model.StateListening)
	o.dev.Speak("Connected and listening")

	defer func() {
		vision.Stop()
		o.mu.Lock()
		o.chat = nil
		o.vision = nil
		o.authLost = nil
		o.mu.Unlock()
	}()

	events := o.dev.Events()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-authLost:
			o.dev.ShowStatus("Signed out, pairing again")
			return true
		case event, ok := <-events:
			if !ok {
				return false
			}
			o.dispatch(ctx, chat, event)
		}
	}
}

// dispatch is the single dispatch point for device input. Control events
// are accepted in any state and do not move the machine themselves.
func (o *Orchestrator) dispatch(ctx context.Context, chat *relay.ChatRelay, event device.Event) {
	switch ev := event.(type) {
	case device.Transcription:
		chat.HandleTranscription(ctx, ev)
	case device.ButtonPress:
		switch ev.Press {
		case device.PressShort:
			chat.NewConversation(ctx)
		case device.PressLong:
			o.showStatus(ctx)
		}
	}
}

func (o *Orchestrator) showStatus(ctx context.Context) {
	body := fmt.Sprintf("State: %s", o.State())

	if o.turns != nil {
		if count, err := o.turns.CountByIdentity(ctx, o.dev.Identity()); err == nil {
			body = fmt.Sprintf("%s\nTurns: %d", body, count)
		}
		if recent, err := o.turns.FindRecentByIdentity(ctx, o.dev.Identity(), 1); err == nil && len(recent) > 0 {
			body = fmt.Sprintf("%s\nLast: %s", body, recent[0].UserText)
		}
	}

	o.dev.ShowCard("Status", body)
}

func (o *Orchestrator) setState(state model.SessionState) {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.state = state
	o.mu.Unlock()

	log.Debug().
		Str("sessionId", o.dev.ID()).
		Str("state", string(state)).
		Msg("session state changed")
}

// State returns the current machine state.
func (o *Orchestrator) State() model.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Destroy stops both relays and resets to unpaired, regardless of the
// state at the time of the call. Idempotent.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	o.state = model.StateUnpaired
	cancel := o.cancel
	vision := o.vision
	o.chat = nil
	o.vision = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if vision != nil {
		vision.Stop()
	}

	log.Info().Str("sessionId", o.dev.ID()).Msg("session orchestrator destroyed")
}
