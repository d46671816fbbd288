package scheduler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/rcond/internal/config"
)

type fakeStore struct {
	purged   int
	purgeErr error
	cutoff   time.Time
}

func (f *fakeStore) PurgeExpired() (int, error) {
	f.purged++
	return 1, f.purgeErr
}

func (f *fakeStore) Prune(cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return 3, nil
}

func newTestScheduler(t *testing.T, mutate func(*config.ApplicationData)) (*Scheduler, *fakeStore) {
	t.Helper()
	cfg := config.DefaultConfig()
	data := cfg.GetApplicationData()
	data.Paths.Artifacts = t.TempDir()
	if mutate != nil {
		mutate(&data)
	}
	cfg.SetApplicationData(data)

	store := &fakeStore{}
	return NewScheduler(cfg, store, store), store
}

func TestNextCleanupTime(t *testing.T) {
	tests := []struct {
		name string
		at   string
		now  time.Time
		want time.Time
	}{
		{"later today", "04:00", time.Date(2026, 3, 1, 1, 30, 0, 0, time.Local), time.Date(2026, 3, 1, 4, 0, 0, 0, time.Local)},
		{"already passed", "04:00", time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local), time.Date(2026, 3, 2, 4, 0, 0, 0, time.Local)},
		{"exactly now", "04:00", time.Date(2026, 3, 1, 4, 0, 0, 0, time.Local), time.Date(2026, 3, 2, 4, 0, 0, 0, time.Local)},
		{"default when blank", "", time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local), time.Date(2026, 3, 1, 4, 0, 0, 0, time.Local)},
		{"custom", "23:15", time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local), time.Date(2026, 3, 1, 23, 15, 0, 0, time.Local)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestScheduler(t, func(d *config.ApplicationData) { d.Database.CleanupTime = tc.at })
			s.now = func() time.Time { return tc.now }
			if got := s.nextCleanupTime(); !got.Equal(tc.want) {
				t.Errorf("nextCleanupTime() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRunCleanup(t *testing.T) {
	s, store := newTestScheduler(t, nil)
	now := time.Date(2026, 5, 20, 4, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	dir := s.cfg.GetApplicationData().Paths.Artifacts
	oldZip := filepath.Join(dir, "remote_screenshot_old.zip")
	newZip := filepath.Join(dir, "remote_screenshot_new.zip")
	oldTxt := filepath.Join(dir, "notes.txt")
	for _, p := range []string{oldZip, newZip, oldTxt} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	old := now.AddDate(0, 0, -30)
	os.Chtimes(oldZip, old, old)
	os.Chtimes(oldTxt, old, old)
	os.Chtimes(newZip, now, now)

	s.RunCleanup()

	if want := now.AddDate(0, 0, -30); !store.cutoff.Equal(want) {
		t.Errorf("audit cutoff = %v, want %v", store.cutoff, want)
	}
	if _, err := os.Stat(oldZip); !os.IsNotExist(err) {
		t.Error("old archive was not deleted")
	}
	if _, err := os.Stat(newZip); err != nil {
		t.Errorf("recent archive removed: %v", err)
	}
	if _, err := os.Stat(oldTxt); err != nil {
		t.Errorf("non-archive file removed: %v", err)
	}
}

func TestRunCleanupDisabled(t *testing.T) {
	s, store := newTestScheduler(t, func(d *config.ApplicationData) {
		d.Database.AuditRetentionDays = 0
		d.Paths.ArtifactRetentionDays = 0
	})
	s.RunCleanup()
	if !store.cutoff.IsZero() {
		t.Error("audit pruned with retention disabled")
	}
}

func TestPurgeBansLogsErrors(t *testing.T) {
	s, store := newTestScheduler(t, nil)
	store.purgeErr = errors.New("disk full")
	s.PurgeBans()
	s.PurgeBans()
	if store.purged != 2 {
		t.Errorf("purged %d times, want 2", store.purged)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tc := range tests {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
