package bot

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/havenbridge/wellnest/internal/bus"
	"github.com/havenbridge/wellnest/internal/content"
	"github.com/havenbridge/wellnest/internal/store"
)

const (
	replyNotMeditating = "You haven't started a meditation session yet. Use /meditate to begin."
	replyReadyAck      = "Meditation started. I'll guide you through each step - just relax. Send 'pause', 'resume', or 'end' at any time."
	replyAlreadyGoing  = "Your meditation is already in progress. Send 'pause', 'resume', or 'end'."
	replyEnded         = "Meditation session ended. Thank you."
	replyPaused        = "Meditation paused. Type 'resume' to continue."
	replyResumed       = "Meditation resumed."
	replyProgressHelp  = "Type 'ready' to start, 'pause' to pause, 'resume' to resume, or 'end' to stop the meditation."
	replyCompleted     = "Your meditation is complete. Thank you for taking this time for yourself."
	replyStoreError    = "An error occurred. Please try again later."
)

// SendFunc delivers an asynchronous message to a sender over their channel,
// outside the webhook request/response cycle.
type SendFunc func(channel, chatID, text string)

// target is the addressing needed to reach a sender asynchronously. It is
// captured from the "ready" message; a process restart loses in-flight
// timers entirely, which is a known limitation of the design.
type target struct {
	Channel string
	ChatID  string
	ID      string
}

type meditationRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// keyedMutex hands out one mutex per sender so read-check-then-act
// sequences on a sender's active_meditations row are serialized between
// the progress handler and that sender's background run.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	if m != nil {
		m.Unlock()
	}
}

// MeditationEngine owns the guided-meditation lifecycle: the four control
// words, the per-sender background delivery runs, and their cancellation.
type MeditationEngine struct {
	store   *store.Store
	content *content.Loader
	send    SendFunc

	// unit is the wall-clock meaning of one interval-offset unit, and
	// pausePoll the coarse paused-state polling period. Tests shrink both.
	unit      time.Duration
	pausePoll time.Duration

	mu    sync.Mutex
	runs  map[string]*meditationRun
	locks *keyedMutex
}

func NewMeditationEngine(st *store.Store, ct *content.Loader, send SendFunc) *MeditationEngine {
	return &MeditationEngine{
		store:     st,
		content:   ct,
		send:      send,
		unit:      time.Minute,
		pausePoll: time.Minute,
		runs:      make(map[string]*meditationRun),
		locks:     newKeyedMutex(),
	}
}

// SetTimings overrides the interval unit and pause poll period (tests).
func (e *MeditationEngine) SetTimings(unit, pausePoll time.Duration) {
	e.unit = unit
	e.pausePoll = pausePoll
}

// Progress interprets one message from a sender in the meditating state.
func (e *MeditationEngine) Progress(msg bus.InboundMessage, sess *Session) string {
	sender := msg.SenderID
	word := strings.ToLower(strings.TrimSpace(msg.Content))

	e.locks.Lock(sender)
	defer e.locks.Unlock(sender)

	row, err := e.store.GetActiveMeditation(sender)
	if err != nil {
		log.Printf("[meditation] load active row for %s: %v", sender, err)
		return replyStoreError
	}
	if row == nil {
		sess.State = StateInitial
		sess.MeditationType = ""
		return replyNotMeditating
	}

	switch word {
	case "ready":
		return e.begin(msg, row)
	case "end":
		return e.end(sender, row, sess)
	case "pause":
		if err := e.store.SetMeditationPaused(sender, true); err != nil {
			log.Printf("[meditation] pause for %s: %v", sender, err)
			return replyStoreError
		}
		return replyPaused
	case "resume":
		if err := e.store.SetMeditationPaused(sender, false); err != nil {
			log.Printf("[meditation] resume for %s: %v", sender, err)
			return replyStoreError
		}
		return replyResumed
	default:
		return replyProgressHelp
	}
}

// begin stamps the start time and launches the background delivery run.
// The opening script already went out when the meditation was selected, so
// the reply is an acknowledgment rather than a repeat of it.
func (e *MeditationEngine) begin(msg bus.InboundMessage, row *store.ActiveMeditation) string {
	sender := msg.SenderID

	if _, ok := e.content.Meditation(row.Type); !ok {
		// The row references a definition that no longer exists; clean up
		// rather than leaving the sender stuck in meditating.
		log.Printf("[meditation] unknown meditation type %q for %s, clearing session", row.Type, sender)
		if _, err := e.store.DeleteActiveMeditation(sender); err != nil {
			log.Printf("[meditation] clear broken session for %s: %v", sender, err)
		}
		return "Error: meditation type '" + row.Type + "' not found. Use /meditate to pick another."
	}

	started, err := e.store.SetMeditationStarted(sender)
	if err != nil {
		log.Printf("[meditation] set started for %s: %v", sender, err)
		return replyStoreError
	}
	if !started {
		return replyAlreadyGoing
	}

	e.startRun(target{Channel: msg.Channel, ChatID: msg.ChatID, ID: sender}, row.Type)
	return replyReadyAck
}

func (e *MeditationEngine) end(sender string, row *store.ActiveMeditation, sess *Session) string {
	deleted, err := e.store.DeleteActiveMeditation(sender)
	if err != nil {
		log.Printf("[meditation] end for %s: %v", sender, err)
		return replyStoreError
	}
	if deleted {
		duration := 0
		if def, ok := e.content.Meditation(row.Type); ok {
			duration = def.Duration
		}
		if err := e.store.InsertMeditationSession(sender, row.Type, duration); err != nil {
			log.Printf("[meditation] record session for %s: %v", sender, err)
		}
	}

	e.cancelRun(sender)
	sess.State = StateInitial
	sess.MeditationType = ""
	return replyEnded
}

// startRun registers a new background run for the sender, cancelling and
// replacing any run still alive from an earlier session.
func (e *MeditationEngine) startRun(t target, meditationType string) {
	ctx, cancel := context.WithCancel(context.Background())
	run := &meditationRun{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if old, ok := e.runs[t.ID]; ok {
		old.cancel()
	}
	e.runs[t.ID] = run
	e.mu.Unlock()

	go func() {
		defer close(run.done)
		defer e.removeRun(t.ID, run)
		e.runTimer(ctx, t, meditationType)
	}()
}

func (e *MeditationEngine) cancelRun(sender string) {
	e.mu.Lock()
	run, ok := e.runs[sender]
	if ok {
		delete(e.runs, sender)
	}
	e.mu.Unlock()
	if ok {
		run.cancel()
	}
}

func (e *MeditationEngine) removeRun(sender string, run *meditationRun) {
	e.mu.Lock()
	if e.runs[sender] == run {
		delete(e.runs, sender)
	}
	e.mu.Unlock()
}

// RunningFor reports whether a background run is live for the sender.
func (e *MeditationEngine) RunningFor(sender string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[sender]
	return ok
}

// Stop cancels every live run and waits for them to wind down.
func (e *MeditationEngine) Stop() {
	e.mu.Lock()
	runs := make([]*meditationRun, 0, len(e.runs))
	for sender, run := range e.runs {
		runs = append(runs, run)
		delete(e.runs, sender)
	}
	e.mu.Unlock()

	for _, run := range runs {
		run.cancel()
		<-run.done
	}
}

// runTimer walks the interval list from index 1 (index 0 went out at
// selection time), sleeping the configured offset before each script and
// re-deriving the sender's state from the store at every step.
func (e *MeditationEngine) runTimer(ctx context.Context, t target, meditationType string) {
	def, ok := e.content.Meditation(meditationType)
	if !ok {
		log.Printf("[meditation] meditation type %q not found, abandoning run for %s", meditationType, t.ID)
		return
	}

	for i := 1; i < len(def.Intervals); i++ {
		wait := time.Duration(def.Intervals[i]) * e.unit
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		if !e.deliverInterval(ctx, t, def, i) {
			return
		}
	}

	e.complete(ctx, t, def, meditationType)
}

// deliverInterval waits out any pause, then sends the script for interval
// i under the sender lock. Returns false when the run should terminate.
func (e *MeditationEngine) deliverInterval(ctx context.Context, t target, def content.MeditationDefinition, i int) bool {
	for {
		row, err := e.store.GetActiveMeditation(t.ID)
		if err != nil {
			// Persistence trouble: abandon the run rather than retry forever.
			log.Printf("[meditation] check state for %s: %v", t.ID, err)
			return false
		}
		if row == nil {
			return false // ended
		}
		if row.Paused {
			select {
			case <-time.After(e.pausePoll):
				continue
			case <-ctx.Done():
				return false
			}
		}

		// Re-check under the sender lock so a pause or end arriving right
		// now cannot slip between the check and the send.
		e.locks.Lock(t.ID)
		row, err = e.store.GetActiveMeditation(t.ID)
		if err != nil {
			e.locks.Unlock(t.ID)
			log.Printf("[meditation] recheck state for %s: %v", t.ID, err)
			return false
		}
		if row == nil || ctx.Err() != nil {
			e.locks.Unlock(t.ID)
			return false
		}
		if row.Paused {
			e.locks.Unlock(t.ID)
			continue
		}

		if text, ok := def.ScriptAt(i); ok {
			e.send(t.Channel, t.ChatID, text)
		} else {
			log.Printf("[meditation] missing script for interval %d of %q", i, t.ID)
		}
		e.locks.Unlock(t.ID)
		return true
	}
}

// complete handles natural completion: the row goes away, the historical
// session is recorded, and the sender gets the closing message.
func (e *MeditationEngine) complete(ctx context.Context, t target, def content.MeditationDefinition, meditationType string) {
	e.locks.Lock(t.ID)
	defer e.locks.Unlock(t.ID)

	if ctx.Err() != nil {
		return
	}

	deleted, err := e.store.DeleteActiveMeditation(t.ID)
	if err != nil {
		log.Printf("[meditation] complete for %s: %v", t.ID, err)
		return
	}
	if !deleted {
		return // the sender ended it in the meantime
	}
	if err := e.store.InsertMeditationSession(t.ID, meditationType, def.Duration); err != nil {
		log.Printf("[meditation] record completed session for %s: %v", t.ID, err)
	}
	e.send(t.Channel, t.ChatID, replyCompleted)
}
