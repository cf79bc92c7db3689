package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureUserIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnsureUser("+15551234567", "twilio"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	// First write wins, including the channel.
	if err := s.EnsureUser("+15551234567", "telegram"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	exists, err := s.UserExists("+15551234567")
	if err != nil {
		t.Fatalf("user exists: %v", err)
	}
	if !exists {
		t.Error("expected user to exist")
	}

	users, err := s.ListUsers()
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Channel != "twilio" {
		t.Errorf("channel = %q, want twilio (first write wins)", users[0].Channel)
	}
}

func TestListUsersKeepsOriginatingChannel(t *testing.T) {
	s := newTestStore(t)

	if err := s.EnsureUser("+15551234567", "twilio"); err != nil {
		t.Fatalf("ensure sms user: %v", err)
	}
	if err := s.EnsureUser("987654321", "telegram"); err != nil {
		t.Fatalf("ensure telegram user: %v", err)
	}

	users, err := s.ListUsers()
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	channels := make(map[string]string, len(users))
	for _, u := range users {
		channels[u.Phone] = u.Channel
	}
	if channels["+15551234567"] != "twilio" {
		t.Errorf("sms user channel = %q, want twilio", channels["+15551234567"])
	}
	if channels["987654321"] != "telegram" {
		t.Errorf("telegram user channel = %q, want telegram", channels["987654321"])
	}
}

func TestUserExistsUnknown(t *testing.T) {
	s := newTestStore(t)

	exists, err := s.UserExists("+15550000000")
	if err != nil {
		t.Fatalf("user exists: %v", err)
	}
	if exists {
		t.Error("unknown user should not exist")
	}
}

func TestMoodSummary(t *testing.T) {
	s := newTestStore(t)
	phone := "+15551234567"

	avg, count, err := s.MoodSummary(phone)
	if err != nil {
		t.Fatalf("empty summary: %v", err)
	}
	if count != 0 || avg != 0 {
		t.Errorf("empty summary = (%v, %d), want (0, 0)", avg, count)
	}

	for _, intensity := range []int{3, 5, 7} {
		if err := s.InsertMoodLog(phone, intensity, "note"); err != nil {
			t.Fatalf("insert mood log: %v", err)
		}
	}
	// Another sender's logs must not leak in.
	if err := s.InsertMoodLog("+15559999999", 10, ""); err != nil {
		t.Fatalf("insert other mood log: %v", err)
	}

	avg, count, err = s.MoodSummary(phone)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if avg != 5.0 {
		t.Errorf("avg = %v, want 5.0", avg)
	}
}

func TestActiveMeditationLifecycle(t *testing.T) {
	s := newTestStore(t)
	phone := "+15551234567"

	row, err := s.GetActiveMeditation(phone)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row != nil {
		t.Fatalf("expected no row, got %+v", row)
	}

	created, err := s.CreateActiveMeditation(phone, "quick")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected create to succeed")
	}

	// A second create for the same sender is refused.
	created, err = s.CreateActiveMeditation(phone, "long")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Error("second create should be refused")
	}

	row, err = s.GetActiveMeditation(phone)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Type != "quick" {
		t.Errorf("type = %q, want quick (first create wins)", row.Type)
	}
	if row.StartTime != nil {
		t.Error("start time should be nil before start")
	}
	if row.Paused {
		t.Error("new row should not be paused")
	}

	started, err := s.SetMeditationStarted(phone)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !started {
		t.Fatal("expected start to succeed")
	}

	// Starting twice is refused.
	started, err = s.SetMeditationStarted(phone)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if started {
		t.Error("second start should be refused")
	}

	row, _ = s.GetActiveMeditation(phone)
	if row.StartTime == nil {
		t.Error("start time should be set after start")
	}

	if err := s.SetMeditationPaused(phone, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	row, _ = s.GetActiveMeditation(phone)
	if !row.Paused {
		t.Error("expected paused row")
	}
	if err := s.SetMeditationPaused(phone, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	row, _ = s.GetActiveMeditation(phone)
	if row.Paused {
		t.Error("expected unpaused row")
	}

	deleted, err := s.DeleteActiveMeditation(phone)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Error("expected delete to report a removed row")
	}
	deleted, err = s.DeleteActiveMeditation(phone)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Error("second delete should report nothing removed")
	}
}

func TestStartMissingMeditation(t *testing.T) {
	s := newTestStore(t)

	started, err := s.SetMeditationStarted("+15550000000")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started {
		t.Error("start without a row should be refused")
	}
}

func TestMeditationSessionCount(t *testing.T) {
	s := newTestStore(t)
	phone := "+15551234567"

	if err := s.InsertMeditationSession(phone, "quick", 5); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := s.InsertMeditationSession(phone, "long", 20); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	count, err := s.CountMeditationSessions(phone)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}
