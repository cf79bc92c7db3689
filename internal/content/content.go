package content

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	meditationsFile = "meditations.json"
	breathingFile   = "breathing_exercises.json"
	ventFile        = "vent_instructions.json"
	commandsFile    = "commands.json"
)

// MeditationDefinition describes one guided meditation: total duration in
// minutes, the ordered gaps (in minutes) between interval scripts, and the
// script text keyed by interval index.
type MeditationDefinition struct {
	Duration  int               `json:"duration"`
	Intervals []int             `json:"intervals"`
	Script    map[string]string `json:"script"`
}

// ScriptAt returns the script text for interval index i.
func (d MeditationDefinition) ScriptAt(i int) (string, bool) {
	text, ok := d.Script[strconv.Itoa(i)]
	return text, ok
}

type BreathingPattern struct {
	Inhale int `json:"inhale"`
	Hold   int `json:"hold"`
	Exhale int `json:"exhale"`
	Rounds int `json:"rounds"`
}

type ventInstructions struct {
	Intro string `json:"intro"`
}

var affirmations = []string{
	"You are capable of amazing things.",
	"Every day is a fresh start.",
	"You have the power to create change.",
	"Your mental health matters.",
	"You are worthy of peace and happiness.",
}

// Loader reads the wellness content documents from a directory and keeps
// them fresh: a fsnotify watcher reloads on write, so the command map (and
// the rest) can be edited without a restart. All accessors return
// snapshots safe for concurrent use.
type Loader struct {
	dir string

	mu          sync.RWMutex
	meditations map[string]MeditationDefinition
	breathing   map[string]BreathingPattern
	ventIntro   string
	commands    map[string]string

	watcher *fsnotify.Watcher
}

func NewLoader(dir string) *Loader {
	return &Loader{
		dir:         dir,
		meditations: make(map[string]MeditationDefinition),
		breathing:   make(map[string]BreathingPattern),
		commands:    make(map[string]string),
	}
}

// Load reads all content documents. Missing or malformed documents are an
// error: the bot cannot run without its command map and meditation scripts.
func (l *Loader) Load() error {
	var meditations map[string]MeditationDefinition
	if err := l.readJSON(meditationsFile, &meditations); err != nil {
		return err
	}

	var breathing map[string]BreathingPattern
	if err := l.readJSON(breathingFile, &breathing); err != nil {
		return err
	}

	var vent ventInstructions
	if err := l.readJSON(ventFile, &vent); err != nil {
		return err
	}

	var commands map[string]string
	if err := l.readJSON(commandsFile, &commands); err != nil {
		return err
	}

	l.mu.Lock()
	l.meditations = meditations
	l.breathing = breathing
	l.ventIntro = vent.Intro
	l.commands = commands
	l.mu.Unlock()

	return nil
}

func (l *Loader) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return fmt.Errorf("read content %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse content %s: %w", name, err)
	}
	return nil
}

// Watch reloads content whenever a document in the content dir changes.
// A reload failure keeps the previous snapshot.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create content watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch content dir: %w", err)
	}
	l.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := l.Load(); err != nil {
					log.Printf("[content] reload after %s failed, keeping previous snapshot: %v", filepath.Base(event.Name), err)
					continue
				}
				log.Printf("[content] reloaded after change to %s", filepath.Base(event.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[content] watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (l *Loader) Meditation(key string) (MeditationDefinition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	def, ok := l.meditations[key]
	return def, ok
}

func (l *Loader) Meditations() map[string]MeditationDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]MeditationDefinition, len(l.meditations))
	for k, v := range l.meditations {
		out[k] = v
	}
	return out
}

func (l *Loader) Breathing(name string) (BreathingPattern, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.breathing[name]
	return p, ok
}

func (l *Loader) BreathingNames() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.breathing))
	for name := range l.breathing {
		names = append(names, name)
	}
	return names
}

func (l *Loader) VentIntro() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ventIntro
}

// Commands returns the current command-token → handler-name snapshot. The
// dispatcher calls this on every request so edits land without a restart.
func (l *Loader) Commands() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.commands))
	for k, v := range l.commands {
		out[k] = v
	}
	return out
}

func (l *Loader) Affirmations() []string {
	return affirmations
}

// DefaultFiles holds the starter content written by `wellnest onboard`.
var DefaultFiles = map[string]string{
	commandsFile: `{
  "/start": "start",
  "/help": "help",
  "/mood": "log_mood",
  "/analyze": "mood_analysis",
  "/breathe": "breathing_exercise",
  "/affirmation": "daily_affirmation",
  "/meditate": "meditation_guide",
  "/vent": "vent_session",
  "/usage": "check_usage",
  "/limit": "check_limit"
}
`,
	meditationsFile: `{
  "quick": {
    "duration": 5,
    "intervals": [0, 2, 3],
    "script": {
      "0": "Welcome to your quick meditation. Find a comfortable position and close your eyes. Reply 'ready' when you are settled.",
      "1": "Bring your attention to your breath. Notice the air moving in and out, without changing it.",
      "2": "Slowly open your eyes. Carry this calm with you through the rest of your day."
    }
  },
  "medium": {
    "duration": 10,
    "intervals": [0, 3, 4, 3],
    "script": {
      "0": "Welcome to your ten-minute meditation. Settle in and reply 'ready' to begin.",
      "1": "Scan your body from head to toe. Let each muscle soften as your attention passes over it.",
      "2": "Thoughts will come and go. Acknowledge each one and let it drift away like a cloud.",
      "3": "Gently return your awareness to the room. Your session is complete."
    }
  },
  "long": {
    "duration": 20,
    "intervals": [0, 5, 5, 5, 5],
    "script": {
      "0": "Welcome to your twenty-minute meditation. Make yourself comfortable and reply 'ready' to begin.",
      "1": "Deepen your breathing. Inhale calm, exhale tension.",
      "2": "Picture a quiet place where you feel completely safe. Stay there a while.",
      "3": "Notice the stillness you have created. Rest in it.",
      "4": "Bring your awareness back slowly. Well done on taking this time for yourself."
    }
  }
}
`,
	breathingFile: `{
  "calm": {"inhale": 4, "hold": 7, "exhale": 8, "rounds": 4},
  "relaxation": {"inhale": 4, "hold": 4, "exhale": 4, "rounds": 6},
  "energize": {"inhale": 6, "hold": 0, "exhale": 2, "rounds": 10}
}
`,
	ventFile: `{
  "intro": "This is a safe space. Tell me what's on your mind - I'm listening. Write as much or as little as you need."
}
`,
}

// WriteDefaults creates any missing content documents in dir.
func WriteDefaults(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create content dir: %w", err)
	}
	for name, body := range DefaultFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			return fmt.Errorf("write default content %s: %w", name, err)
		}
	}
	return nil
}
