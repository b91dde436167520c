package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)

	u := &User{ID: "u1", Username: "admin", PasswordHash: "x", Role: "admin"}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := s.GetUserByUsername("admin")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got == nil || got.ID != "u1" || got.Role != "admin" {
		t.Fatalf("unexpected user: %+v", got)
	}

	missing, err := s.GetUser("nope")
	if err != nil {
		t.Fatalf("get missing user: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing user, got %+v", missing)
	}

	n, err := s.CountUsers()
	if err != nil || n != 1 {
		t.Fatalf("count users = %d, %v", n, err)
	}
}

func TestProcessLifecycle(t *testing.T) {
	s := openTestStore(t)

	p := &ProcessRow{PID: 2, PPID: 1, UID: "agent_2", Name: "worker", State: "created", Phase: "booting"}
	if err := s.UpsertProcess(p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetProcessState(2, "running", "executing"); err != nil {
		t.Fatalf("set state: %v", err)
	}

	interrupted, err := s.ListInterruptedProcesses()
	if err != nil {
		t.Fatalf("list interrupted: %v", err)
	}
	if len(interrupted) != 1 || interrupted[0] != 2 {
		t.Fatalf("interrupted = %v", interrupted)
	}

	if err := s.SetProcessExit(2, 143); err != nil {
		t.Fatalf("set exit: %v", err)
	}
	if err := s.SetProcessState(2, "dead", "failed"); err != nil {
		t.Fatalf("set dead: %v", err)
	}

	got, err := s.GetProcess(2)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if got.ExitCode == nil || *got.ExitCode != 143 {
		t.Fatalf("exit code = %v", got.ExitCode)
	}

	interrupted, err = s.ListInterruptedProcesses()
	if err != nil {
		t.Fatalf("list interrupted: %v", err)
	}
	if len(interrupted) != 0 {
		t.Fatalf("dead process still listed: %v", interrupted)
	}
}

func TestCronJobDue(t *testing.T) {
	s := openTestStore(t)

	now := time.Date(2024, 6, 14, 17, 0, 0, 0, time.UTC)
	job := &CronJob{ID: "c1", Name: "morning", Expression: "0 9 * * 1-5",
		Config: "{}", Enabled: true, NextRun: now.Add(-time.Minute)}
	if err := s.CreateCronJob(job); err != nil {
		t.Fatalf("create: %v", err)
	}

	due, err := s.DueCronJobs(now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("want 1 due job, got %d", len(due))
	}

	next := now.Add(24 * time.Hour)
	if err := s.MarkCronJobRun("c1", now, next); err != nil {
		t.Fatalf("mark run: %v", err)
	}

	due, err = s.DueCronJobs(now)
	if err != nil {
		t.Fatalf("due after run: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("job still due after advance")
	}

	got, err := s.GetCronJob("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 1 || got.LastRun == nil {
		t.Fatalf("run bookkeeping: count=%d lastRun=%v", got.RunCount, got.LastRun)
	}
}

func TestMemorySearch(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	mems := []*MemoryRecord{
		{ID: "m1", AgentID: "agent_2", Layer: "episodic", Content: "deployed the billing service",
			Importance: 0.8, CreatedAt: now, LastAccessed: now},
		{ID: "m2", AgentID: "agent_2", Layer: "semantic", Content: "the billing database lives on host db3",
			Importance: 0.6, CreatedAt: now, LastAccessed: now},
		{ID: "m3", AgentID: "agent_3", Layer: "episodic", Content: "wrote weekly report",
			Importance: 0.4, CreatedAt: now, LastAccessed: now},
	}
	for _, m := range mems {
		if err := s.InsertMemory(m); err != nil {
			t.Fatalf("insert %s: %v", m.ID, err)
		}
	}

	hits, err := s.SearchMemories("billing", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("want 2 hits for billing, got %d", len(hits))
	}

	byLayer, err := s.ListMemories("agent_2", "semantic")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byLayer) != 1 || byLayer[0].ID != "m2" {
		t.Fatalf("layer filter: %+v", byLayer)
	}

	if err := s.DeleteMemory("m2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hits, err = s.SearchMemories("billing", 10)
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("fts index not synced on delete: %d hits", len(hits))
	}
}

func TestMemoryExpiry(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	for _, m := range []*MemoryRecord{
		{ID: "e1", AgentID: "a", Layer: "episodic", Content: "old", CreatedAt: now, LastAccessed: now, ExpiresAt: &past},
		{ID: "e2", AgentID: "a", Layer: "episodic", Content: "fresh", CreatedAt: now, LastAccessed: now, ExpiresAt: &future},
		{ID: "e3", AgentID: "a", Layer: "semantic", Content: "keeper", CreatedAt: now, LastAccessed: now},
	} {
		if err := s.InsertMemory(m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := s.DeleteExpiredMemories("a", now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 expired, got %d", n)
	}
	if got, _ := s.GetMemory("e1"); got != nil {
		t.Fatalf("expired memory survived")
	}
	if got, _ := s.GetMemory("e3"); got == nil {
		t.Fatalf("unexpired memory deleted")
	}
}

func TestWebhookDLQ(t *testing.T) {
	s := openTestStore(t)

	w := &Webhook{ID: "w1", Name: "ops", URL: "http://example.com/hook",
		Events: `["process.*"]`, Enabled: true, Headers: "{}", MaxRetries: 3}
	if err := s.CreateWebhook(w); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	if err := s.PushDLQ(&DLQEntry{WebhookID: "w1", EventType: "process.died",
		Payload: `{"pid":2}`, Error: "connection refused", Attempts: 4}); err != nil {
		t.Fatalf("push dlq: %v", err)
	}

	entries, err := s.ListDLQ(10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 || entries[0].Attempts != 4 {
		t.Fatalf("dlq entries: %+v", entries)
	}
}

func TestKernelConfig(t *testing.T) {
	s := openTestStore(t)

	v, err := s.GetKernelConfig("secret")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if v != "" {
		t.Fatalf("expected empty, got %q", v)
	}

	if err := s.SetKernelConfig("secret", "abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetKernelConfig("secret", "def"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err = s.GetKernelConfig("secret")
	if err != nil || v != "def" {
		t.Fatalf("get = %q, %v", v, err)
	}
}
