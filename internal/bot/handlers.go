package bot

import (
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/havenbridge/wellnest/internal/bus"
)

const welcomeText = "Welcome to your Mental Wellness Buddy! \U0001F31F\n\n" +
	"I'm here to support your mental well-being. Here's how I can help:\n" +
	"- Track your mood with /mood\n" +
	"- Get guided breathing exercises with /breathe\n" +
	"- Receive daily affirmations with /affirmation\n" +
	"- Start a meditation session with /meditate\n" +
	"- Share your feelings with /vent\n" +
	"Type /help anytime to see all commands."

const helpText = `Mental Wellness Buddy Commands:
/start - Begin your wellness journey
/mood [1-10] [notes] - Log your current mood
/breathe - Start a breathing exercise
/meditate - Begin a meditation session
/affirmation - Get a daily affirmation
/vent - Share your thoughts and feelings
/analyze - View your mood patterns
/help - See all available commands`

func (b *Bot) handleStart(args string, msg bus.InboundMessage) string {
	// The originating channel is stored with the user so scheduled
	// broadcasts go back out over the same transport.
	if err := b.store.EnsureUser(msg.SenderID, msg.Channel); err != nil {
		log.Printf("[bot] ensure user %s: %v", msg.SenderID, err)
		return replyStoreTrouble
	}
	return welcomeText
}

func (b *Bot) handleHelp(args string, msg bus.InboundMessage) string {
	return helpText
}

func (b *Bot) handleLogMood(args string, msg bus.InboundMessage) string {
	sender := msg.SenderID
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	intensity, err := strconv.Atoi(parts[0])
	if err != nil {
		return "Invalid input. Please enter a number between 1 and 10 followed by optional notes."
	}
	if intensity < 1 || intensity > 10 {
		return "Please enter a mood intensity between 1 and 10."
	}

	notes := ""
	if len(parts) > 1 {
		notes = parts[1]
	}

	if err := b.store.InsertMoodLog(sender, intensity, notes); err != nil {
		log.Printf("[bot] log mood for %s: %v", sender, err)
		return "Sorry, there was an error logging your mood. Please try again later."
	}
	return "Mood logged successfully!"
}

func (b *Bot) handleMoodAnalysis(args string, msg bus.InboundMessage) string {
	sender := msg.SenderID
	avg, count, err := b.store.MoodSummary(sender)
	if err != nil {
		log.Printf("[bot] mood summary for %s: %v", sender, err)
		return replyStoreTrouble
	}
	if count == 0 {
		return "No mood data available yet. Start logging with /mood!"
	}
	return fmt.Sprintf("Your 7-day mood analysis:\n"+
		"Average mood: %.1f/10\n"+
		"Logs this week: %d\n\n"+
		"Keep tracking your moods to see patterns and growth! \U0001F4CA", avg, count)
}

func (b *Bot) handleBreathingExercise(args string, msg bus.InboundMessage) string {
	name := strings.ToLower(strings.TrimSpace(args))
	if name == "" {
		name = "calm"
	}
	pattern, ok := b.content.Breathing(name)
	if !ok {
		names := b.content.BreathingNames()
		sort.Strings(names)
		return "Breathing pattern not found. Try one of: " + strings.Join(names, ", ") + "."
	}
	return fmt.Sprintf("Inhale for %d seconds, hold for %d seconds, exhale for %d seconds. Repeat for %d rounds.",
		pattern.Inhale, pattern.Hold, pattern.Exhale, pattern.Rounds)
}

func (b *Bot) handleDailyAffirmation(args string, msg bus.InboundMessage) string {
	affirmations := b.content.Affirmations()
	return affirmations[rand.Intn(len(affirmations))]
}

func (b *Bot) handleVentSession(args string, msg bus.InboundMessage) string {
	return b.content.VentIntro()
}

func (b *Bot) handleMeditationGuide(args string, msg bus.InboundMessage) string {
	sender := msg.SenderID
	meditations := b.content.Meditations()

	if strings.TrimSpace(args) == "" {
		keys := make([]string, 0, len(meditations))
		for key := range meditations {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			if meditations[keys[i]].Duration != meditations[keys[j]].Duration {
				return meditations[keys[i]].Duration < meditations[keys[j]].Duration
			}
			return keys[i] < keys[j]
		})
		lines := make([]string, 0, len(keys))
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("/meditate %s - %d minutes", key, meditations[key].Duration))
		}
		return "Choose your meditation duration:\n" + strings.Join(lines, "\n")
	}

	meditationType := strings.ToLower(strings.TrimSpace(args))
	def, ok := meditations[meditationType]
	if !ok {
		keys := make([]string, 0, len(meditations))
		for key := range meditations {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return "Invalid meditation type. Choose from: " + strings.Join(keys, ", ")
	}

	created, err := b.store.CreateActiveMeditation(sender, meditationType)
	if err != nil {
		log.Printf("[bot] create active meditation for %s: %v", sender, err)
		return replyStoreTrouble
	}
	if !created {
		return "You already have a meditation in progress. Send 'end' to finish it first."
	}

	sess := b.sessions.Get(sender)
	sess.State = StateMeditating
	sess.MeditationType = meditationType

	opening, ok := def.ScriptAt(0)
	if !ok {
		log.Printf("[bot] meditation %q has no opening script", meditationType)
		return "Your meditation is ready. Reply 'ready' when you are settled."
	}
	return opening
}

func (b *Bot) handleCheckUsage(args string, msg bus.InboundMessage) string {
	if !b.admins[msg.SenderID] {
		return "Access denied. This command is for admins only."
	}
	if b.usage == nil {
		return "Usage reporting is not available on this deployment."
	}
	summary, err := b.usage.UsageToday()
	if err != nil {
		log.Printf("[bot] usage query: %v", err)
		return "Failed to retrieve usage data."
	}
	return summary
}

func (b *Bot) handleCheckLimit(args string, msg bus.InboundMessage) string {
	if !b.admins[msg.SenderID] {
		return "Access denied. This command is for admins only."
	}
	if b.usage == nil {
		return "Usage reporting is not available on this deployment."
	}
	summary, err := b.usage.UsageToday()
	if err != nil {
		log.Printf("[bot] limit query: %v", err)
		return "Failed to retrieve usage data."
	}
	return "Daily message limit check:\n" + summary
}
