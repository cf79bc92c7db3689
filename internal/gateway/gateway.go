package gateway

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/havenbridge/wellnest/internal/bot"
	"github.com/havenbridge/wellnest/internal/bus"
	"github.com/havenbridge/wellnest/internal/channel"
	"github.com/havenbridge/wellnest/internal/config"
	"github.com/havenbridge/wellnest/internal/content"
	"github.com/havenbridge/wellnest/internal/sched"
	"github.com/havenbridge/wellnest/internal/store"
)

const (
	affirmationJobName = "daily_affirmation_broadcast"
	sweepJobName       = "session_sweep"

	sweepIntervalMs = 60 * 60 * 1000
)

// Options for creating a Gateway
type Options struct {
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	content    *content.Loader
	channels   *channel.ChannelManager
	bot        *bot.Bot
	sched      *sched.Service
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	st, err := store.New(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	// First run: seed the content directory so the bot has something to say.
	if err := content.WriteDefaults(cfg.Content.Dir); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed content dir: %w", err)
	}
	loader := content.NewLoader(cfg.Content.Dir)
	if err := loader.Load(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("load content: %w", err)
	}
	g.content = loader

	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	sessionTTL, err := time.ParseDuration(cfg.Sched.SessionTTL)
	if err != nil {
		log.Printf("[gateway] invalid session ttl %q, using default: %v", cfg.Sched.SessionTTL, err)
		sessionTTL = 0
	}

	var usage bot.UsageReporter
	if tw := chMgr.Usage(); tw != nil {
		usage = tw
	}

	send := func(ch, chatID, text string) {
		g.bus.Outbound <- bus.OutboundMessage{Channel: ch, ChatID: chatID, Content: text}
	}
	g.bot = bot.New(st, loader, send, bot.Options{
		SessionTTL: sessionTTL,
		Admins:     cfg.Admin.Numbers,
		Usage:      usage,
	})

	loc, err := time.LoadLocation(cfg.Admin.Timezone)
	if err != nil {
		log.Printf("[gateway] invalid timezone %q, using UTC: %v", cfg.Admin.Timezone, err)
		loc = time.UTC
	}
	jobsPath := cfg.Sched.JobsPath
	if jobsPath == "" {
		jobsPath = filepath.Join(config.ConfigDir(), "data", "sched", "jobs.json")
	}
	g.sched = sched.NewService(jobsPath, loc)
	g.sched.OnJob = g.runJob
	g.sched.Register(affirmationJobName, sched.Schedule{Kind: "cron", Expr: cfg.Sched.AffirmationCron})
	g.sched.Register(sweepJobName, sched.Schedule{Kind: "every", EveryMs: sweepIntervalMs})

	return g, nil
}

// runJob dispatches a scheduled job by name.
func (g *Gateway) runJob(job sched.Job) (string, error) {
	switch job.Name {
	case affirmationJobName:
		return g.broadcastAffirmation()
	case sweepJobName:
		removed := g.bot.SweepSessions()
		return fmt.Sprintf("swept %d idle sessions", removed), nil
	default:
		return "", fmt.Errorf("unknown job %q", job.Name)
	}
}

// broadcastAffirmation sends the day's affirmation to every registered
// user over the channel they joined from.
func (g *Gateway) broadcastAffirmation() (string, error) {
	users, err := g.store.ListUsers()
	if err != nil {
		return "", fmt.Errorf("list users: %w", err)
	}

	affirmations := g.content.Affirmations()
	text := affirmations[rand.Intn(len(affirmations))]
	queued := 0
	for _, u := range users {
		// Users whose channel is not enabled on this deployment are
		// skipped; the bus would only drop the message anyway.
		if _, ok := g.channels.Get(u.Channel); !ok {
			log.Printf("[gateway] channel %q not enabled, skipping broadcast to %s", u.Channel, u.Phone)
			continue
		}
		// Don't interrupt anyone mid-meditation.
		row, err := g.store.GetActiveMeditation(u.Phone)
		if err != nil {
			log.Printf("[gateway] broadcast check for %s: %v", u.Phone, err)
			continue
		}
		if row != nil {
			continue
		}
		g.bus.Outbound <- bus.OutboundMessage{
			Channel: u.Channel,
			ChatID:  u.Phone,
			Content: text,
		}
		queued++
	}
	return fmt.Sprintf("queued affirmation for %d of %d users", queued, len(users)), nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.content.Watch(ctx); err != nil {
		log.Printf("[gateway] content watch warning: %v", err)
	}

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.sched.Start(ctx); err != nil {
		log.Printf("[gateway] sched start warning: %v", err)
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			reply := g.bot.Handle(msg)
			if reply == "" {
				continue
			}

			out := bus.OutboundMessage{
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
				Content: reply,
			}
			if id, ok := msg.Metadata["msg_id"].(string); ok {
				out.ReplyTo = id
			}
			g.bus.Outbound <- out
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) Shutdown() error {
	g.sched.Stop()
	g.bot.Meditation().Stop()
	_ = g.channels.StopAll()
	if err := g.store.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
