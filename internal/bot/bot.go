package bot

import (
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/havenbridge/wellnest/internal/bus"
	"github.com/havenbridge/wellnest/internal/content"
	"github.com/havenbridge/wellnest/internal/store"
)

const (
	replyInvalidCommand = "Invalid command. Type /help for available commands."
	replyGuidance       = "Use /start, /meditate, or /help."
	replyChoosing       = "Choose your meditation duration: /meditate quick | medium | long"
	replyUnexpected     = "An unexpected error occurred. Please try again."
	replyApology        = "Sorry, an unexpected error occurred. Please try again later."
	replyStoreTrouble   = "Sorry, something went wrong on our side. Please try again later."
)

// UsageReporter answers the admin usage commands. The twilio channel
// provides the real implementation; deployments without it leave this nil.
type UsageReporter interface {
	UsageToday() (string, error)
}

type Options struct {
	SessionTTL time.Duration
	Admins     []string
	Usage      UsageReporter
}

// Bot routes inbound messages through the conversational state machine and
// the command handlers. One Bot instance serves every channel.
type Bot struct {
	store      *store.Store
	content    *content.Loader
	sessions   *sessionStore
	meditation *MeditationEngine
	usage      UsageReporter
	admins     map[string]bool
}

func New(st *store.Store, ct *content.Loader, send SendFunc, opts Options) *Bot {
	admins := make(map[string]bool, len(opts.Admins))
	for _, a := range opts.Admins {
		admins[a] = true
	}
	return &Bot{
		store:      st,
		content:    ct,
		sessions:   newSessionStore(opts.SessionTTL),
		meditation: NewMeditationEngine(st, ct, send),
		usage:      opts.Usage,
		admins:     admins,
	}
}

// Meditation exposes the timer engine, mainly so the gateway can stop it.
func (b *Bot) Meditation() *MeditationEngine { return b.meditation }

// SweepSessions evicts idle sessions; wired to a scheduled job.
func (b *Bot) SweepSessions() int { return b.sessions.Sweep() }

// Handle processes one inbound message and returns the reply text. It never
// panics outward: a handler failure for one sender is logged with its stack
// and turned into a single apology so other senders keep working.
func (b *Bot) Handle(msg bus.InboundMessage) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bot] panic handling message from %s: %v\n%s", msg.SenderID, r, debug.Stack())
			reply = replyApology
		}
	}()

	log.Printf("[bot] received message from %s: %s", msg.SenderID, msg.Content)
	reply = b.route(msg)
	log.Printf("[bot] sending response to %s: %s", msg.SenderID, reply)
	return reply
}

func (b *Bot) route(msg bus.InboundMessage) string {
	sender := msg.SenderID
	sess := b.sessions.Get(sender)

	// The active_meditations row is the source of truth for "meditating";
	// the in-memory state must never contradict it past one request.
	active, err := b.store.GetActiveMeditation(sender)
	if err != nil {
		log.Printf("[bot] reconcile state for %s: %v", sender, err)
		return replyStoreTrouble
	}
	if active != nil {
		sess.State = StateMeditating
		sess.MeditationType = active.Type
	} else if sess.State == StateMeditating {
		sess.State = StateInitial
		sess.MeditationType = ""
	}

	switch sess.State {
	case StateInitial:
		return b.handleInitial(msg, sess)
	case StateMeditating:
		return b.meditation.Progress(msg, sess)
	case StateChoosing:
		// Dead state: nothing transitions here, but a fixed prompt beats
		// an error if a future path ever sets it.
		sess.State = StateInitial
		return replyChoosing
	default:
		log.Printf("[bot] unexpected state %q for %s, resetting to %q", sess.State, sender, StateInitial)
		sess.State = StateInitial
		return replyUnexpected
	}
}

func (b *Bot) handleInitial(msg bus.InboundMessage, sess *Session) string {
	token, args := splitCommand(msg.Content)
	if token == "" {
		return replyGuidance
	}

	// Progress words without an active meditation get pointed at /meditate
	// rather than the generic guidance.
	switch token {
	case "ready", "pause", "resume", "end":
		return replyNotMeditating
	}

	// The command map is re-read per request so edits to commands.json
	// land without a restart.
	commands := b.content.Commands()
	handlerName, mapped := commands[token]
	if !mapped {
		if strings.HasPrefix(token, commandMarker) {
			return replyInvalidCommand
		}
		return replyGuidance
	}

	handler, known := handlerRegistry[handlerName]
	if !known {
		log.Printf("[bot] command %q maps to unknown handler %q", token, handlerName)
		return replyInvalidCommand
	}

	return handler(b, args, msg)
}
