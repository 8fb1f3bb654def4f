package group

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"grouping/internal/domain"
	"grouping/internal/state"
)

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testManager() (*Manager, *state.MemoryStore, *mutableClock) {
	clk := &mutableClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	store := state.NewMemoryStore(clk.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, clk, logger, nil), store, clk
}

func makeAlert(fingerprint string, status domain.AlertStatus) domain.Alert {
	alert := domain.Alert{
		Fingerprint: fingerprint,
		Status:      status,
		Labels:      map[string]string{"alertname": "HighCPU", "instance": fingerprint},
		StartsAt:    time.Date(2026, 3, 10, 8, 59, 0, 0, time.UTC),
	}
	if status == domain.AlertStatusResolved {
		endsAt := alert.StartsAt.Add(time.Minute)
		alert.EndsAt = &endsAt
	}
	return alert
}

func testRoute() domain.RouteSnapshot {
	return domain.RouteSnapshot{
		Receiver:       "ops",
		GroupBy:        []string{"alertname"},
		GroupWait:      30 * time.Second,
		GroupInterval:  5 * time.Minute,
		RepeatInterval: 4 * time.Hour,
	}
}

func TestAddAlertToGroupCreatesAndUpserts(t *testing.T) {
	t.Parallel()

	manager, store, _ := testManager()
	ctx := context.Background()
	labels := map[string]string{"alertname": "HighCPU"}

	grp, created, err := manager.AddAlertToGroup(ctx, "ops/alertname=HighCPU", "ops", labels, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring))
	if err != nil {
		t.Fatalf("add alert: %v", err)
	}
	if !created {
		t.Fatalf("expected first alert to create the group")
	}
	if grp.Status != domain.GroupStatusFiring || len(grp.Alerts) != 1 {
		t.Fatalf("unexpected group after create: status=%s members=%d", grp.Status, len(grp.Alerts))
	}

	// Same fingerprint again replaces the member, it does not grow the group.
	grp, created, err = manager.AddAlertToGroup(ctx, "ops/alertname=HighCPU", "ops", labels, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring))
	if err != nil {
		t.Fatalf("re-add alert: %v", err)
	}
	if created {
		t.Fatalf("expected upsert into existing group")
	}
	if len(grp.Alerts) != 1 {
		t.Fatalf("expected idempotent membership, got %d members", len(grp.Alerts))
	}

	grp, _, err = manager.AddAlertToGroup(ctx, "ops/alertname=HighCPU", "ops", labels, testRoute(), makeAlert("fp-2", domain.AlertStatusFiring))
	if err != nil {
		t.Fatalf("add second alert: %v", err)
	}
	if len(grp.Alerts) != 2 {
		t.Fatalf("expected two members, got %d", len(grp.Alerts))
	}

	stored, _, err := store.GetGroup(ctx, "ops/alertname=HighCPU")
	if err != nil {
		t.Fatalf("expected group persisted: %v", err)
	}
	if len(stored.Alerts) != 2 {
		t.Fatalf("persisted group out of sync: %d members", len(stored.Alerts))
	}
}

func TestAddAlertRejectsInvalidAlert(t *testing.T) {
	t.Parallel()

	manager, _, _ := testManager()
	bad := domain.Alert{Status: domain.AlertStatusFiring, Labels: map[string]string{"a": "b"}}

	_, _, err := manager.AddAlertToGroup(context.Background(), "ops/x", "ops", nil, testRoute(), bad)
	if !domain.IsInvalidAlert(err) {
		t.Fatalf("expected invalid alert error, got %v", err)
	}
	if _, getErr := manager.GetGroup("ops/x"); !IsGroupNotFound(getErr) {
		t.Fatalf("invalid alert must not create a group, got %v", getErr)
	}
}

func TestGroupStatusFollowsMembers(t *testing.T) {
	t.Parallel()

	manager, _, _ := testManager()
	ctx := context.Background()
	key := "ops/alertname=HighCPU"
	labels := map[string]string{"alertname": "HighCPU"}

	if _, _, err := manager.AddAlertToGroup(ctx, key, "ops", labels, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("add firing: %v", err)
	}
	if _, _, err := manager.AddAlertToGroup(ctx, key, "ops", labels, testRoute(), makeAlert("fp-2", domain.AlertStatusResolved)); err != nil {
		t.Fatalf("add resolved: %v", err)
	}

	grp, err := manager.GetGroup(key)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if grp.Status != domain.GroupStatusFiring {
		t.Fatalf("one firing member must keep the group firing, got %s", grp.Status)
	}
	if !grp.HasMixedMembers() {
		t.Fatalf("expected mixed membership")
	}

	// Resolve the remaining firing member.
	if _, _, err := manager.AddAlertToGroup(ctx, key, "ops", labels, testRoute(), makeAlert("fp-1", domain.AlertStatusResolved)); err != nil {
		t.Fatalf("resolve member: %v", err)
	}
	grp, err = manager.GetGroup(key)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if grp.Status != domain.GroupStatusResolved {
		t.Fatalf("all-resolved group must be resolved, got %s", grp.Status)
	}
	if grp.ResolvedAt == nil {
		t.Fatalf("expected ResolvedAt to be set")
	}
}

func TestRemoveAlertFromGroup(t *testing.T) {
	t.Parallel()

	manager, store, _ := testManager()
	ctx := context.Background()
	key := "ops/alertname=HighCPU"
	labels := map[string]string{"alertname": "HighCPU"}

	if _, _, err := manager.AddAlertToGroup(ctx, key, "ops", labels, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("add alert: %v", err)
	}
	if _, _, err := manager.AddAlertToGroup(ctx, key, "ops", labels, testRoute(), makeAlert("fp-2", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("add alert: %v", err)
	}

	// Removing a fingerprint the group does not hold is an error.
	if _, err := manager.RemoveAlertFromGroup(ctx, key, "fp-missing"); !IsGroupNotFound(err) {
		t.Fatalf("expected group-not-found for unknown fingerprint, got %v", err)
	}

	deleted, err := manager.RemoveAlertFromGroup(ctx, key, "fp-1")
	if err != nil || deleted {
		t.Fatalf("expected group to survive, deleted=%v err=%v", deleted, err)
	}

	deleted, err = manager.RemoveAlertFromGroup(ctx, key, "fp-2")
	if err != nil {
		t.Fatalf("remove last member: %v", err)
	}
	if !deleted {
		t.Fatalf("expected empty group to be deleted")
	}
	if _, err := manager.GetGroup(key); !IsGroupNotFound(err) {
		t.Fatalf("expected group gone, got %v", err)
	}
	if _, _, err := store.GetGroup(ctx, key); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected stored group gone, got %v", err)
	}

	if _, err := manager.RemoveAlertFromGroup(ctx, "ops/unknown", "fp-1"); !IsGroupNotFound(err) {
		t.Fatalf("expected group-not-found for unknown key, got %v", err)
	}
}

func TestGetGroupByFingerprint(t *testing.T) {
	t.Parallel()

	manager, _, _ := testManager()
	ctx := context.Background()

	if _, _, err := manager.AddAlertToGroup(ctx, "ops/a", "ops", nil, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("add alert: %v", err)
	}

	grp, err := manager.GetGroupByFingerprint("fp-1")
	if err != nil {
		t.Fatalf("get by fingerprint: %v", err)
	}
	if grp.Key != "ops/a" {
		t.Fatalf("unexpected group %q", grp.Key)
	}
	if _, err := manager.GetGroupByFingerprint("fp-unknown"); !IsGroupNotFound(err) {
		t.Fatalf("expected group-not-found, got %v", err)
	}
}

func TestListGroupsFilterAndPagination(t *testing.T) {
	t.Parallel()

	manager, _, _ := testManager()
	ctx := context.Background()

	if _, _, err := manager.AddAlertToGroup(ctx, "ops/a", "ops", map[string]string{"team": "infra"}, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("seed group a: %v", err)
	}
	if _, _, err := manager.AddAlertToGroup(ctx, "ops/b", "ops", map[string]string{"team": "db"}, testRoute(), makeAlert("fp-2", domain.AlertStatusResolved)); err != nil {
		t.Fatalf("seed group b: %v", err)
	}
	if _, _, err := manager.AddAlertToGroup(ctx, "oncall/c", "oncall", map[string]string{"team": "infra"}, testRoute(), makeAlert("fp-3", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("seed group c: %v", err)
	}
	if _, _, err := manager.AddAlertToGroup(ctx, "oncall/c", "oncall", map[string]string{"team": "infra"}, testRoute(), makeAlert("fp-4", domain.AlertStatusResolved)); err != nil {
		t.Fatalf("seed mixed member: %v", err)
	}

	all, total, err := manager.ListGroups(ListFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("expected three groups, got total=%d page=%d", total, len(all))
	}
	// Ordered by key.
	if all[0].Key != "oncall/c" || all[1].Key != "ops/a" || all[2].Key != "ops/b" {
		t.Fatalf("unexpected order: %q %q %q", all[0].Key, all[1].Key, all[2].Key)
	}

	firing, _, err := manager.ListGroups(ListFilter{Status: domain.GroupStatusFiring})
	if err != nil {
		t.Fatalf("list firing: %v", err)
	}
	if len(firing) != 2 {
		t.Fatalf("expected two firing groups, got %d", len(firing))
	}

	mixed, _, err := manager.ListGroups(ListFilter{Status: domain.GroupStatusMixed})
	if err != nil {
		t.Fatalf("list mixed: %v", err)
	}
	if len(mixed) != 1 || mixed[0].Key != "oncall/c" {
		t.Fatalf("expected only the mixed group, got %v", mixed)
	}

	byReceiver, _, err := manager.ListGroups(ListFilter{Receiver: "oncall"})
	if err != nil {
		t.Fatalf("list by receiver: %v", err)
	}
	if len(byReceiver) != 1 {
		t.Fatalf("expected one oncall group, got %d", len(byReceiver))
	}

	byLabel, _, err := manager.ListGroups(ListFilter{Labels: map[string]string{"team": "infra"}})
	if err != nil {
		t.Fatalf("list by label: %v", err)
	}
	if len(byLabel) != 2 {
		t.Fatalf("expected two infra groups, got %d", len(byLabel))
	}

	page, total, err := manager.ListGroups(ListFilter{Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].Key != "ops/a" {
		t.Fatalf("unexpected page: total=%d page=%v", total, page)
	}

	empty, total, err := manager.ListGroups(ListFilter{Offset: 10})
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if total != 3 || len(empty) != 0 {
		t.Fatalf("expected empty page past end, got %d", len(empty))
	}

	if _, _, err := manager.ListGroups(ListFilter{Status: "bogus"}); err == nil {
		t.Fatal("expected error for unknown status filter")
	}
}

func TestCleanupExpiredGroups(t *testing.T) {
	t.Parallel()

	manager, store, clk := testManager()
	ctx := context.Background()

	if _, _, err := manager.AddAlertToGroup(ctx, "ops/resolved", "ops", nil, testRoute(), makeAlert("fp-1", domain.AlertStatusResolved)); err != nil {
		t.Fatalf("seed resolved group: %v", err)
	}
	if _, _, err := manager.AddAlertToGroup(ctx, "ops/firing", "ops", nil, testRoute(), makeAlert("fp-2", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("seed firing group: %v", err)
	}

	// Not old enough yet.
	if removed := manager.CleanupExpiredGroups(ctx, time.Hour, 0); len(removed) != 0 {
		t.Fatalf("expected nothing expired, got %v", removed)
	}

	clk.Advance(2 * time.Hour)
	removed := manager.CleanupExpiredGroups(ctx, time.Hour, 0)
	if len(removed) != 1 || removed[0] != "ops/resolved" {
		t.Fatalf("expected resolved group removed, got %v", removed)
	}
	if _, err := manager.GetGroup("ops/resolved"); !IsGroupNotFound(err) {
		t.Fatalf("expected removed group gone, got %v", err)
	}
	if _, err := manager.GetGroupByFingerprint("fp-1"); !IsGroupNotFound(err) {
		t.Fatalf("expected fingerprint index cleared, got %v", err)
	}
	if _, _, err := store.GetGroup(ctx, "ops/resolved"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected stored group gone, got %v", err)
	}

	// Firing groups survive the resolved-age threshold.
	if _, err := manager.GetGroup("ops/firing"); err != nil {
		t.Fatalf("firing group must survive cleanup: %v", err)
	}

	// The staleness threshold removes even firing groups left untouched.
	clk.Advance(30 * time.Hour)
	removed = manager.CleanupExpiredGroups(ctx, time.Hour, 24*time.Hour)
	if len(removed) != 1 || removed[0] != "ops/firing" {
		t.Fatalf("expected stale firing group removed, got %v", removed)
	}
	if _, err := manager.GetGroup("ops/firing"); !IsGroupNotFound(err) {
		t.Fatalf("expected stale group gone, got %v", err)
	}
}

func TestRestoreRebuildsFromStorage(t *testing.T) {
	t.Parallel()

	manager, store, _ := testManager()
	ctx := context.Background()

	if _, _, err := manager.AddAlertToGroup(ctx, "ops/a", "ops", map[string]string{"team": "infra"}, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	if _, _, err := manager.AddAlertToGroup(ctx, "ops/b", "ops", nil, testRoute(), makeAlert("fp-2", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("seed group: %v", err)
	}

	// Fresh manager over the same store simulates a restart.
	clk := &mutableClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted := NewManager(store, clk, logger, nil)
	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	grp, err := restarted.GetGroup("ops/a")
	if err != nil {
		t.Fatalf("get restored group: %v", err)
	}
	if grp.Labels["team"] != "infra" || len(grp.Alerts) != 1 {
		t.Fatalf("restored group lost state: %+v", grp)
	}
	if _, err := restarted.GetGroupByFingerprint("fp-2"); err != nil {
		t.Fatalf("expected fingerprint index rebuilt: %v", err)
	}
	stats := restarted.Stats()
	if stats.Groups != 2 || stats.Alerts != 2 {
		t.Fatalf("unexpected stats after restore: %+v", stats)
	}
}

func TestMarkNotified(t *testing.T) {
	t.Parallel()

	manager, _, clk := testManager()
	ctx := context.Background()

	grp, _, err := manager.AddAlertToGroup(ctx, "ops/a", "ops", nil, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring))
	if err != nil {
		t.Fatalf("add alert: %v", err)
	}
	hash := grp.MembersHash()

	at := clk.Now()
	if err := manager.MarkNotified(ctx, "ops/a", at, hash); err != nil {
		t.Fatalf("mark notified: %v", err)
	}
	reloaded, err := manager.GetGroup("ops/a")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if !reloaded.LastNotifiedAt.Equal(at) || reloaded.LastNotifiedHash != hash {
		t.Fatalf("notification bookkeeping not recorded: %+v", reloaded)
	}

	if err := manager.MarkNotified(ctx, "ops/unknown", at, hash); !IsGroupNotFound(err) {
		t.Fatalf("expected group-not-found, got %v", err)
	}
}

// faultStore injects write failures over a working memory store.
type faultStore struct {
	state.Store
	updateErr error
	deleteErr error
}

func (s *faultStore) UpdateGroup(ctx context.Context, key string, expectedRevision uint64, group domain.AlertGroup) (uint64, error) {
	if s.updateErr != nil {
		return 0, s.updateErr
	}
	return s.Store.UpdateGroup(ctx, key, expectedRevision, group)
}

func (s *faultStore) DeleteGroup(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Store.DeleteGroup(ctx, key)
}

func TestAddAlertCopiesMemberMaps(t *testing.T) {
	t.Parallel()

	manager, _, _ := testManager()
	ctx := context.Background()

	alert := makeAlert("fp-1", domain.AlertStatusFiring)
	if _, _, err := manager.AddAlertToGroup(ctx, "ops/a", "ops", nil, testRoute(), alert); err != nil {
		t.Fatalf("add alert: %v", err)
	}
	alert.Labels["alertname"] = "mutated"

	grp, err := manager.GetGroup("ops/a")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if grp.Alerts["fp-1"].Labels["alertname"] != "HighCPU" {
		t.Fatalf("stored member shares the caller's label map: %+v", grp.Alerts["fp-1"].Labels)
	}
}

func TestTwoManagersMergeSharedGroup(t *testing.T) {
	t.Parallel()

	clk := &mutableClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	store := state.NewMemoryStore(clk.Now)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	managerA := NewManager(store, clk, logger, nil)
	managerB := NewManager(store, clk, logger, nil)
	ctx := context.Background()

	if _, _, err := managerA.AddAlertToGroup(ctx, "ops/a", "ops", nil, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("first instance add: %v", err)
	}
	if _, _, err := managerB.AddAlertToGroup(ctx, "ops/a", "ops", nil, testRoute(), makeAlert("fp-2", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("second instance add: %v", err)
	}

	stored, _, err := store.GetGroup(ctx, "ops/a")
	if err != nil {
		t.Fatalf("stored group: %v", err)
	}
	if len(stored.Alerts) != 2 {
		t.Fatalf("persisted group has %d member(s), want fp-1 and fp-2 merged", len(stored.Alerts))
	}

	// The conflicting writer absorbed the peer member into its own view.
	grp, err := managerB.GetGroup("ops/a")
	if err != nil {
		t.Fatalf("get merged group: %v", err)
	}
	if len(grp.Alerts) != 2 {
		t.Fatalf("merging instance holds %d member(s), want 2", len(grp.Alerts))
	}
	if _, err := managerB.GetGroupByFingerprint("fp-1"); err != nil {
		t.Fatalf("merged member missing from fingerprint index: %v", err)
	}

	// The first writer picks up the peer member on a storage sync.
	synced, err := managerA.SyncGroup(ctx, "ops/a")
	if err != nil {
		t.Fatalf("sync group: %v", err)
	}
	if len(synced.Alerts) != 2 {
		t.Fatalf("synced group holds %d member(s), want 2", len(synced.Alerts))
	}
}

func TestMutationsSurfacePersistErrors(t *testing.T) {
	t.Parallel()

	clk := &mutableClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	backing := state.NewMemoryStore(clk.Now)
	store := &faultStore{Store: backing}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := NewManager(store, clk, logger, nil)
	ctx := context.Background()
	key := "ops/a"

	if _, _, err := manager.AddAlertToGroup(ctx, key, "ops", nil, testRoute(), makeAlert("fp-1", domain.AlertStatusFiring)); err != nil {
		t.Fatalf("seed member: %v", err)
	}

	store.updateErr = errors.New("backend down")
	grp, _, err := manager.AddAlertToGroup(ctx, key, "ops", nil, testRoute(), makeAlert("fp-2", domain.AlertStatusFiring))
	if err == nil {
		t.Fatal("expected persist error from add")
	}
	if grp == nil || len(grp.Alerts) != 2 {
		t.Fatalf("memory must keep the member despite the write failure: %+v", grp)
	}

	if _, err := manager.RemoveAlertFromGroup(ctx, key, "fp-2"); err == nil {
		t.Fatal("expected persist error from remove")
	}
	if grp, getErr := manager.GetGroup(key); getErr != nil || len(grp.Alerts) != 1 {
		t.Fatalf("memory removal must survive the write failure: %v", getErr)
	}

	store.updateErr = nil
	store.deleteErr = errors.New("backend down")
	deleted, err := manager.RemoveAlertFromGroup(ctx, key, "fp-1")
	if !deleted {
		t.Fatal("expected last removal to delete the group")
	}
	if err == nil {
		t.Fatal("expected delete error from last removal")
	}
	if _, getErr := manager.GetGroup(key); !IsGroupNotFound(getErr) {
		t.Fatalf("group must leave memory despite the delete failure, got %v", getErr)
	}
}

func TestConcurrentAddAndRemove(t *testing.T) {
	t.Parallel()

	manager, _, _ := testManager()
	ctx := context.Background()
	key := "ops/alertname=HighCPU"

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				fp := makeAlert("", domain.AlertStatusFiring)
				fp.Fingerprint = string(rune('a'+worker)) + "-" + string(rune('0'+j%10))
				if _, _, err := manager.AddAlertToGroup(ctx, key, "ops", nil, testRoute(), fp); err != nil {
					t.Errorf("concurrent add: %v", err)
					return
				}
				if j%3 == 0 {
					if _, err := manager.RemoveAlertFromGroup(ctx, key, fp.Fingerprint); err != nil && !IsGroupNotFound(err) {
						t.Errorf("concurrent remove: %v", err)
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()

	// The surviving state must be internally consistent.
	stats := manager.Stats()
	if stats.Groups > 1 {
		t.Fatalf("expected at most one group, got %d", stats.Groups)
	}
	if stats.Groups == 1 {
		grp, err := manager.GetGroup(key)
		if err != nil {
			t.Fatalf("get group: %v", err)
		}
		if len(grp.Alerts) != stats.Alerts {
			t.Fatalf("stats out of sync: %d vs %d", len(grp.Alerts), stats.Alerts)
		}
	}
}
