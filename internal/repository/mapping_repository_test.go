package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opendesk-io/opendesk-ce/internal/database"
	"github.com/opendesk-io/opendesk-ce/internal/models"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := database.EnsureSchema(context.Background(), conn, "sqlite3"); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	database.SetDB(conn, "sqlite3")
	return conn
}

func insertTicket(t *testing.T, db *sql.DB, title string) int64 {
	t.Helper()
	res, err := db.Exec(`
		INSERT INTO ticket (workspace_id, title, status, priority, created_at, last_update_at)
		VALUES (1, ?, 'unread', 'normal', ?, ?)`,
		title, time.Now().UTC(), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert ticket: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("LastInsertId: %v", err)
	}
	return id
}

func testMapping(ticketID int64, emailID string) *models.EmailTicketMapping {
	return &models.EmailTicketMapping{
		EmailID:        emailID,
		ConversationID: "conv-" + emailID,
		TicketID:       ticketID,
		Subject:        "Printer on fire",
		Sender:         "dana@customer.example",
		ReceivedAt:     time.Now().UTC(),
	}
}

func TestMappingCreateAndGetByEmailID(t *testing.T) {
	db := openTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()
	ticketID := insertTicket(t, db, "Printer on fire")

	m := testMapping(ticketID, "msg-1")
	if err := repo.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("id not filled in")
	}

	got, err := repo.GetByEmailID(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetByEmailID: %v", err)
	}
	if got == nil || got.TicketID != ticketID || got.IsProcessed {
		t.Fatalf("unexpected mapping: %+v", got)
	}

	missing, err := repo.GetByEmailID(ctx, "msg-none")
	if err != nil || missing != nil {
		t.Errorf("missing lookup = %+v, %v", missing, err)
	}
}

func TestMappingLatestByConversationID(t *testing.T) {
	db := openTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()
	ticketID := insertTicket(t, db, "Printer on fire")

	older := testMapping(ticketID, "msg-1")
	older.ConversationID = "conv-1"
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := repo.Create(ctx, older); err != nil {
		t.Fatalf("Create: %v", err)
	}
	newer := testMapping(ticketID, "msg-2")
	newer.ConversationID = "conv-1"
	if err := repo.Create(ctx, newer); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.LatestByConversationID(ctx, "conv-1")
	if err != nil {
		t.Fatalf("LatestByConversationID: %v", err)
	}
	if got == nil || got.EmailID != "msg-2" {
		t.Fatalf("latest = %+v", got)
	}
}

func TestMappingUniqueViolation(t *testing.T) {
	db := openTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()
	ticketID := insertTicket(t, db, "Printer on fire")

	if err := repo.Create(ctx, testMapping(ticketID, "msg-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := repo.Create(ctx, testMapping(ticketID, "msg-1"))
	if err == nil {
		t.Fatal("duplicate accepted")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false", err)
	}
}

func TestMappingExistsDeleteMarkProcessed(t *testing.T) {
	db := openTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()
	ticketID := insertTicket(t, db, "Printer on fire")

	m := testMapping(ticketID, "msg-1")
	if err := repo.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	exists, err := repo.ExistsForTicket(ctx, ticketID, "msg-1")
	if err != nil || !exists {
		t.Fatalf("ExistsForTicket = %v, %v", exists, err)
	}

	if err := repo.MarkProcessed(ctx, m.ID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	got, err := repo.GetByEmailID(ctx, "msg-1")
	if err != nil || got == nil || !got.IsProcessed {
		t.Fatalf("after MarkProcessed: %+v, %v", got, err)
	}

	deleted, err := repo.DeleteByEmailID(ctx, ticketID, "msg-1")
	if err != nil || deleted != 1 {
		t.Fatalf("DeleteByEmailID = %d, %v", deleted, err)
	}
	exists, err = repo.ExistsForTicket(ctx, ticketID, "msg-1")
	if err != nil || exists {
		t.Errorf("mapping survived delete: %v, %v", exists, err)
	}
}

func TestMappingDeleteOrphaned(t *testing.T) {
	db := openTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()

	liveID := insertTicket(t, db, "Printer on fire")
	deadID := insertTicket(t, db, "Old issue")
	if _, err := db.Exec(`UPDATE ticket SET is_deleted = TRUE WHERE id = ?`, deadID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if err := repo.Create(ctx, testMapping(liveID, "msg-live")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, testMapping(deadID, "msg-dead")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, &models.EmailTicketMapping{
		EmailID: "msg-gone", ConversationID: "conv-x", TicketID: 9999,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	purged, err := repo.DeleteOrphaned(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphaned: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}
	got, err := repo.GetByEmailID(ctx, "msg-live")
	if err != nil || got == nil {
		t.Errorf("live mapping purged: %+v, %v", got, err)
	}
}

func TestMappingListRecentWithTitles(t *testing.T) {
	db := openTestDB(t)
	repo := NewMappingRepository(db)
	ctx := context.Background()
	ticketID := insertTicket(t, db, "Printer on fire")

	recent := testMapping(ticketID, "msg-recent")
	if err := repo.Create(ctx, recent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	old := testMapping(ticketID, "msg-old")
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rows, err := repo.ListRecentWithTitles(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListRecentWithTitles: %v", err)
	}
	if len(rows) != 1 || rows[0].Mapping.EmailID != "msg-recent" || rows[0].TicketTitle != "Printer on fire" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestIsUniqueViolationOtherErrors(t *testing.T) {
	if IsUniqueViolation(nil) {
		t.Error("nil flagged")
	}
	if IsUniqueViolation(errors.New("connection refused")) {
		t.Error("unrelated error flagged")
	}
}
