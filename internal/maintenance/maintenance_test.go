package maintenance

import (
	"testing"
	"time"

	"sendpipe/internal/models"
	"sendpipe/internal/store"
)

func TestRunnerAddJob(t *testing.T) {
	r := NewRunner()
	defer r.Stop()

	// Should add a valid cron job without error
	if err := r.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := r.AddJob("not-a-cron-expr", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

func TestRetentionJobPrunesOldTerminalMessages(t *testing.T) {
	repo := store.NewInMemoryStore()

	sent, err := repo.CreateMessage(models.Message{
		UserID: "u1", Phone: "15551234567", Content: "old", ScheduledAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := repo.UpdateMessageStatus(sent.ID, models.MessageStatusProcessing, ""); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}
	if err := repo.UpdateMessageStatus(sent.ID, models.MessageStatusSent, ""); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}

	pending, err := repo.CreateMessage(models.Message{
		UserID: "u1", Phone: "15551234567", Content: "pending", ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	// Make the terminal row unambiguously older than the cutoff.
	time.Sleep(10 * time.Millisecond)

	RetentionJob(repo, time.Millisecond)()

	if _, err := repo.GetMessage(sent.ID); err == nil {
		t.Error("expected old terminal message to be pruned")
	}
	if _, err := repo.GetMessage(pending.ID); err != nil {
		t.Errorf("scheduled message must survive the sweep: %v", err)
	}
}

func TestRetentionJobKeepsRecentTerminalMessages(t *testing.T) {
	repo := store.NewInMemoryStore()

	sent, err := repo.CreateMessage(models.Message{
		UserID: "u1", Phone: "15551234567", Content: "recent", ScheduledAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := repo.UpdateMessageStatus(sent.ID, models.MessageStatusProcessing, ""); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}
	if err := repo.UpdateMessageStatus(sent.ID, models.MessageStatusSent, ""); err != nil {
		t.Fatalf("UpdateMessageStatus failed: %v", err)
	}

	RetentionJob(repo, time.Hour)()

	if _, err := repo.GetMessage(sent.ID); err != nil {
		t.Errorf("recent terminal message must survive the sweep: %v", err)
	}
}
