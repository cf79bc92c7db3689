package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the single source of truth shared between foreground handlers
// and background meditation runs. A plain mutex serializes writes; sqlite
// WAL keeps readers unblocked.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			phone_number TEXT PRIMARY KEY,
			name TEXT,
			channel TEXT NOT NULL DEFAULT 'twilio',
			joined_date TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS mood_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_phone TEXT NOT NULL,
			intensity INTEGER NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mood_logs_user_time ON mood_logs(user_phone, timestamp)`,
		`CREATE TABLE IF NOT EXISTS meditation_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_phone TEXT NOT NULL,
			duration INTEGER NOT NULL,
			type TEXT NOT NULL,
			completed_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS active_meditations (
			user_phone TEXT PRIMARY KEY,
			meditation_type TEXT NOT NULL,
			start_time TEXT,
			paused INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureUser records a sender on first contact, together with the channel
// they arrived over. First write wins: the row is never updated afterwards.
func (s *Store) EnsureUser(phone, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO users (phone_number, channel, joined_date)
		VALUES (?, ?, datetime('now'))
	`, phone, channel)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *Store) UserExists(phone string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM users WHERE phone_number = ?`, phone).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return true, nil
}

// User is one registered sender: the transport identity and the channel
// they joined from.
type User struct {
	Phone   string
	Channel string
}

// ListUsers returns every known sender with their originating channel.
func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT phone_number, channel FROM users ORDER BY joined_date`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Phone, &u.Channel); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *Store) InsertMoodLog(phone string, intensity int, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO mood_logs (user_phone, intensity, notes, timestamp)
		VALUES (?, ?, ?, datetime('now'))
	`, phone, intensity, strings.TrimSpace(notes))
	if err != nil {
		return fmt.Errorf("insert mood log: %w", err)
	}
	return nil
}

// MoodSummary returns the average intensity and log count over the trailing
// seven days. count == 0 means no data (avg is meaningless then).
func (s *Store) MoodSummary(phone string) (avg float64, count int, err error) {
	var nullAvg sql.NullFloat64
	err = s.db.QueryRow(`
		SELECT AVG(intensity), COUNT(*)
		FROM mood_logs
		WHERE user_phone = ?
		AND timestamp >= datetime('now', '-7 days')
	`, phone).Scan(&nullAvg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("mood summary: %w", err)
	}
	if nullAvg.Valid {
		avg = nullAvg.Float64
	}
	return avg, count, nil
}

func (s *Store) InsertMeditationSession(phone, meditationType string, duration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO meditation_sessions (user_phone, duration, type, completed_at)
		VALUES (?, ?, ?, datetime('now'))
	`, phone, duration, meditationType)
	if err != nil {
		return fmt.Errorf("insert meditation session: %w", err)
	}
	return nil
}

// ActiveMeditation mirrors one active_meditations row. StartTime is nil
// until the user signals readiness.
type ActiveMeditation struct {
	UserPhone string
	Type      string
	StartTime *string
	Paused    bool
}

// CreateActiveMeditation inserts the row for a newly selected meditation.
// Returns false when the sender already has one; at most one active
// meditation exists per sender.
func (s *Store) CreateActiveMeditation(phone, meditationType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO active_meditations (user_phone, meditation_type, start_time, paused)
		VALUES (?, ?, NULL, 0)
		ON CONFLICT(user_phone) DO NOTHING
	`, phone, meditationType)
	if err != nil {
		return false, fmt.Errorf("create active meditation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create active meditation: %w", err)
	}
	return n > 0, nil
}

// GetActiveMeditation returns nil when the sender has no active session.
func (s *Store) GetActiveMeditation(phone string) (*ActiveMeditation, error) {
	var (
		am    ActiveMeditation
		start sql.NullString
		pause int
	)
	err := s.db.QueryRow(`
		SELECT user_phone, meditation_type, start_time, paused
		FROM active_meditations
		WHERE user_phone = ?
	`, phone).Scan(&am.UserPhone, &am.Type, &start, &pause)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active meditation: %w", err)
	}
	if start.Valid {
		am.StartTime = &start.String
	}
	am.Paused = pause != 0
	return &am, nil
}

// SetMeditationStarted stamps the start time once. Returns false when the
// row is gone or the session already started.
func (s *Store) SetMeditationStarted(phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE active_meditations
		SET start_time = datetime('now')
		WHERE user_phone = ? AND start_time IS NULL
	`, phone)
	if err != nil {
		return false, fmt.Errorf("set meditation started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set meditation started: %w", err)
	}
	return n > 0, nil
}

// SetMeditationPaused flips the paused flag. Idempotent by construction.
func (s *Store) SetMeditationPaused(phone string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if paused {
		flag = 1
	}
	_, err := s.db.Exec(`
		UPDATE active_meditations SET paused = ? WHERE user_phone = ?
	`, flag, phone)
	if err != nil {
		return fmt.Errorf("set meditation paused: %w", err)
	}
	return nil
}

// DeleteActiveMeditation removes the row. Returns false when there was
// nothing to delete.
func (s *Store) DeleteActiveMeditation(phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM active_meditations WHERE user_phone = ?`, phone)
	if err != nil {
		return false, fmt.Errorf("delete active meditation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete active meditation: %w", err)
	}
	return n > 0, nil
}

// CountMoodLogs reports the total rows for a sender, used by tests and the
// status command.
func (s *Store) CountMoodLogs(phone string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM mood_logs WHERE user_phone = ?`, phone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count mood logs: %w", err)
	}
	return n, nil
}

// CountMeditationSessions reports the historical session rows for a sender.
func (s *Store) CountMeditationSessions(phone string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM meditation_sessions WHERE user_phone = ?`, phone).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count meditation sessions: %w", err)
	}
	return n, nil
}
