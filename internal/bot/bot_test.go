package bot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/havenbridge/wellnest/internal/bus"
	"github.com/havenbridge/wellnest/internal/content"
	"github.com/havenbridge/wellnest/internal/store"
)

type sentMessage struct {
	Channel string
	ChatID  string
	Text    string
}

type testEnv struct {
	bot    *Bot
	store  *store.Store
	loader *content.Loader
	dir    string
	sends  chan sentMessage
}

// rewriteCommands replaces commands.json and reloads the content snapshot.
func (env *testEnv) rewriteCommands(t *testing.T, commands map[string]string) error {
	t.Helper()
	data, err := json.Marshal(commands)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(env.dir, "commands.json"), data, 0644); err != nil {
		return err
	}
	return env.loader.Load()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	if err := content.WriteDefaults(dir); err != nil {
		t.Fatalf("write default content: %v", err)
	}
	loader := content.NewLoader(dir)
	if err := loader.Load(); err != nil {
		t.Fatalf("load content: %v", err)
	}

	st, err := store.New(dir + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sends := make(chan sentMessage, 32)
	send := func(channel, chatID, text string) {
		sends <- sentMessage{Channel: channel, ChatID: chatID, Text: text}
	}

	b := New(st, loader, send, Options{Admins: []string{"+15550001111"}})
	t.Cleanup(func() { b.Meditation().Stop() })

	return &testEnv{bot: b, store: st, loader: loader, dir: dir, sends: sends}
}

func inbound(sender, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "twilio",
		SenderID:  sender,
		ChatID:    sender,
		Content:   text,
		Timestamp: time.Now(),
	}
}

func TestHandleStartRegistersUser(t *testing.T) {
	env := newTestEnv(t)

	reply := env.bot.Handle(inbound("+15551234567", "/start"))
	if !strings.Contains(reply, "Welcome to your Mental Wellness Buddy") {
		t.Errorf("unexpected welcome reply: %q", reply)
	}

	exists, err := env.store.UserExists("+15551234567")
	if err != nil {
		t.Fatalf("user exists: %v", err)
	}
	if !exists {
		t.Error("expected user to be registered after /start")
	}

	users, err := env.store.ListUsers()
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 || users[0].Channel != "twilio" {
		t.Errorf("registered users = %+v, want one twilio user", users)
	}
}

func TestHandleStartRecordsOriginatingChannel(t *testing.T) {
	env := newTestEnv(t)

	msg := inbound("987654321", "/start")
	msg.Channel = "telegram"
	if reply := env.bot.Handle(msg); !strings.Contains(reply, "Welcome") {
		t.Errorf("unexpected welcome reply: %q", reply)
	}

	users, err := env.store.ListUsers()
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Channel != "telegram" {
		t.Errorf("channel = %q, want telegram", users[0].Channel)
	}
}

func TestHandleUnknownInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown command", "/frobnicate", replyInvalidCommand},
		{"plain text", "hello there", replyGuidance},
		{"empty", "   ", replyGuidance},
		{"case folded command", "/HELP", helpText},
		{"ready without meditation", "ready", replyNotMeditating},
		{"pause without meditation", "pause", replyNotMeditating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := env.bot.Handle(inbound("+15551230000", tt.input))
			if got != tt.want {
				t.Errorf("Handle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHandleLogMood(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234568"

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no args", "/mood", "Invalid input. Please enter a number between 1 and 10 followed by optional notes."},
		{"not a number", "/mood great", "Invalid input. Please enter a number between 1 and 10 followed by optional notes."},
		{"below range", "/mood 0", "Please enter a mood intensity between 1 and 10."},
		{"above range", "/mood 11", "Please enter a mood intensity between 1 and 10."},
		{"valid", "/mood 7", "Mood logged successfully!"},
		{"valid with notes", "/mood 4 rough morning", "Mood logged successfully!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := env.bot.Handle(inbound(sender, tt.input))
			if got != tt.want {
				t.Errorf("Handle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	count, err := env.store.CountMoodLogs(sender)
	if err != nil {
		t.Fatalf("count mood logs: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 mood logs, got %d", count)
	}
}

func TestHandleMoodAnalysis(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234569"

	reply := env.bot.Handle(inbound(sender, "/analyze"))
	if reply != "No mood data available yet. Start logging with /mood!" {
		t.Errorf("unexpected empty analysis reply: %q", reply)
	}

	env.bot.Handle(inbound(sender, "/mood 4"))
	env.bot.Handle(inbound(sender, "/mood 8"))

	reply = env.bot.Handle(inbound(sender, "/analyze"))
	if !strings.Contains(reply, "Average mood: 6.0/10") {
		t.Errorf("expected average 6.0 in reply, got %q", reply)
	}
	if !strings.Contains(reply, "Logs this week: 2") {
		t.Errorf("expected 2 logs in reply, got %q", reply)
	}
}

func TestHandleBreathingExercise(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234570"

	reply := env.bot.Handle(inbound(sender, "/breathe"))
	want := "Inhale for 4 seconds, hold for 7 seconds, exhale for 8 seconds. Repeat for 4 rounds."
	if reply != want {
		t.Errorf("default breathing reply = %q, want %q", reply, want)
	}

	reply = env.bot.Handle(inbound(sender, "/breathe box"))
	if !strings.Contains(reply, "Breathing pattern not found") {
		t.Errorf("expected not-found reply, got %q", reply)
	}
	if !strings.Contains(reply, "calm") || !strings.Contains(reply, "energize") {
		t.Errorf("expected available names in reply, got %q", reply)
	}
}

func TestHandleDailyAffirmation(t *testing.T) {
	env := newTestEnv(t)

	reply := env.bot.Handle(inbound("+15551234571", "/affirmation"))
	found := false
	for _, a := range env.bot.content.Affirmations() {
		if reply == a {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("affirmation reply %q not in the known set", reply)
	}
}

func TestHandleMeditationGuideMenu(t *testing.T) {
	env := newTestEnv(t)

	reply := env.bot.Handle(inbound("+15551234572", "/meditate"))
	if !strings.HasPrefix(reply, "Choose your meditation duration:") {
		t.Errorf("unexpected menu reply: %q", reply)
	}
	// Menu is sorted by duration.
	quickIdx := strings.Index(reply, "quick")
	longIdx := strings.Index(reply, "long")
	if quickIdx == -1 || longIdx == -1 || quickIdx > longIdx {
		t.Errorf("expected quick before long in menu: %q", reply)
	}

	reply = env.bot.Handle(inbound("+15551234572", "/meditate eternal"))
	if !strings.HasPrefix(reply, "Invalid meditation type.") {
		t.Errorf("unexpected invalid-type reply: %q", reply)
	}
}

func TestMeditationSelectionEntersMeditatingState(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234573"

	reply := env.bot.Handle(inbound(sender, "/meditate quick"))
	if !strings.Contains(reply, "Welcome to your quick meditation") {
		t.Errorf("expected opening script, got %q", reply)
	}

	row, err := env.store.GetActiveMeditation(sender)
	if err != nil {
		t.Fatalf("get active meditation: %v", err)
	}
	if row == nil || row.Type != "quick" {
		t.Fatalf("expected active quick meditation, got %+v", row)
	}
	if row.StartTime != nil {
		t.Error("meditation should not be started before 'ready'")
	}

	// Commands no longer dispatch while meditating.
	reply = env.bot.Handle(inbound(sender, "/help"))
	if reply != replyProgressHelp {
		t.Errorf("expected progress help while meditating, got %q", reply)
	}

	// A second selection is refused.
	reply = env.bot.Handle(inbound(sender, "/meditate long"))
	if reply != replyProgressHelp {
		t.Errorf("expected progress help for nested /meditate, got %q", reply)
	}
}

func TestMeditationEndRecordsSession(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234574"

	env.bot.Handle(inbound(sender, "/meditate medium"))
	reply := env.bot.Handle(inbound(sender, "end"))
	if reply != replyEnded {
		t.Errorf("end reply = %q, want %q", reply, replyEnded)
	}

	row, err := env.store.GetActiveMeditation(sender)
	if err != nil {
		t.Fatalf("get active meditation: %v", err)
	}
	if row != nil {
		t.Errorf("active meditation should be gone after end, got %+v", row)
	}

	count, err := env.store.CountMeditationSessions(sender)
	if err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 recorded session, got %d", count)
	}

	// Back in the initial state, commands work again.
	reply = env.bot.Handle(inbound(sender, "/help"))
	if reply != helpText {
		t.Errorf("expected help after end, got %q", reply)
	}
}

func TestMeditationPauseResume(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234575"

	env.bot.Handle(inbound(sender, "/meditate quick"))

	reply := env.bot.Handle(inbound(sender, "pause"))
	if reply != replyPaused {
		t.Errorf("pause reply = %q, want %q", reply, replyPaused)
	}
	row, _ := env.store.GetActiveMeditation(sender)
	if row == nil || !row.Paused {
		t.Fatalf("expected paused row, got %+v", row)
	}

	// Pause is idempotent.
	reply = env.bot.Handle(inbound(sender, "pause"))
	if reply != replyPaused {
		t.Errorf("second pause reply = %q, want %q", reply, replyPaused)
	}
	row, _ = env.store.GetActiveMeditation(sender)
	if row == nil || !row.Paused {
		t.Fatalf("expected still-paused row, got %+v", row)
	}

	reply = env.bot.Handle(inbound(sender, "resume"))
	if reply != replyResumed {
		t.Errorf("resume reply = %q, want %q", reply, replyResumed)
	}
	row, _ = env.store.GetActiveMeditation(sender)
	if row == nil || row.Paused {
		t.Fatalf("expected unpaused row, got %+v", row)
	}

	// Resume when already unpaused stays unpaused.
	reply = env.bot.Handle(inbound(sender, "resume"))
	if reply != replyResumed {
		t.Errorf("second resume reply = %q, want %q", reply, replyResumed)
	}
	row, _ = env.store.GetActiveMeditation(sender)
	if row == nil || row.Paused {
		t.Fatalf("expected still-unpaused row, got %+v", row)
	}
}

func TestMeditationRunDeliversAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234576"
	env.bot.Meditation().SetTimings(5*time.Millisecond, 5*time.Millisecond)

	env.bot.Handle(inbound(sender, "/meditate quick"))
	reply := env.bot.Handle(inbound(sender, "ready"))
	if reply != replyReadyAck {
		t.Fatalf("ready reply = %q, want %q", reply, replyReadyAck)
	}

	// quick has two timed intervals plus the completion message.
	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case msg := <-env.sends:
			if msg.Channel != "twilio" || msg.ChatID != sender {
				t.Fatalf("message sent to wrong target: %+v", msg)
			}
			got = append(got, msg.Text)
		case <-deadline:
			t.Fatalf("timed out waiting for interval messages, got %d: %v", len(got), got)
		}
	}

	if !strings.Contains(got[0], "attention to your breath") {
		t.Errorf("unexpected first interval script: %q", got[0])
	}
	if !strings.Contains(got[1], "open your eyes") {
		t.Errorf("unexpected second interval script: %q", got[1])
	}
	if got[2] != replyCompleted {
		t.Errorf("completion message = %q, want %q", got[2], replyCompleted)
	}

	row, err := env.store.GetActiveMeditation(sender)
	if err != nil {
		t.Fatalf("get active meditation: %v", err)
	}
	if row != nil {
		t.Errorf("row should be deleted after completion, got %+v", row)
	}
	count, _ := env.store.CountMeditationSessions(sender)
	if count != 1 {
		t.Errorf("expected 1 recorded session after completion, got %d", count)
	}
}

func TestMeditationEndCancelsRun(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234577"
	env.bot.Meditation().SetTimings(50*time.Millisecond, 10*time.Millisecond)

	env.bot.Handle(inbound(sender, "/meditate long"))
	env.bot.Handle(inbound(sender, "ready"))
	if !env.bot.Meditation().RunningFor(sender) {
		t.Fatal("expected a live run after ready")
	}

	env.bot.Handle(inbound(sender, "end"))

	deadline := time.After(2 * time.Second)
	for env.bot.Meditation().RunningFor(sender) {
		select {
		case <-deadline:
			t.Fatal("run still live after end")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// No completion message after a cancelled run.
	select {
	case msg := <-env.sends:
		t.Errorf("unexpected message after end: %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSecondReadyIsRejected(t *testing.T) {
	env := newTestEnv(t)
	sender := "+15551234578"
	env.bot.Meditation().SetTimings(time.Hour, time.Hour)

	env.bot.Handle(inbound(sender, "/meditate long"))
	env.bot.Handle(inbound(sender, "ready"))

	reply := env.bot.Handle(inbound(sender, "ready"))
	if reply != replyAlreadyGoing {
		t.Errorf("second ready reply = %q, want %q", reply, replyAlreadyGoing)
	}
}

func TestAdminCommands(t *testing.T) {
	env := newTestEnv(t)

	reply := env.bot.Handle(inbound("+15559999999", "/usage"))
	if reply != "Access denied. This command is for admins only." {
		t.Errorf("non-admin usage reply = %q", reply)
	}

	// Admin without a usage reporter wired.
	reply = env.bot.Handle(inbound("+15550001111", "/usage"))
	if reply != "Usage reporting is not available on this deployment." {
		t.Errorf("admin usage reply = %q", reply)
	}
}

func TestHandleRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t)

	handlerRegistry["panic_test"] = func(b *Bot, args string, msg bus.InboundMessage) string {
		panic("boom")
	}
	defer delete(handlerRegistry, "panic_test")
	if err := env.rewriteCommands(t, map[string]string{"/panic": "panic_test"}); err != nil {
		t.Fatalf("rewrite commands: %v", err)
	}

	reply := env.bot.Handle(inbound("+15551234579", "/panic"))
	if reply != replyApology {
		t.Errorf("panic reply = %q, want %q", reply, replyApology)
	}
}

func TestUnknownHandlerNameIsInvalidCommand(t *testing.T) {
	env := newTestEnv(t)
	if err := env.rewriteCommands(t, map[string]string{"/ghost": "no_such_handler"}); err != nil {
		t.Fatalf("rewrite commands: %v", err)
	}

	reply := env.bot.Handle(inbound("+15551234580", "/ghost"))
	if reply != replyInvalidCommand {
		t.Errorf("unknown handler reply = %q, want %q", reply, replyInvalidCommand)
	}
}
