package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticCred string

func (c staticCred) AccessToken(context.Context) (string, error) { return string(c), nil }

func TestListUnread(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{
			{"id": "msg-1", "subject": "Printer on fire", "isRead": false},
			{"id": "msg-2", "subject": "RE: invoice", "isRead": false},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	msgs, err := c.ListUnread(context.Background(), staticCred("tok-1"), "support@acme.example", "inbox", 25)
	if err != nil {
		t.Fatalf("ListUnread: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "msg-1" || msgs[1].Subject != "RE: invoice" {
		t.Fatalf("unexpected summaries: %+v", msgs)
	}
	if gotPath != "/users/support@acme.example/mailFolders/inbox/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if got := gotQuery["$filter"]; len(got) != 1 || got[0] != "isRead eq false" {
		t.Errorf("$filter = %v", got)
	}
	if got := gotQuery["$top"]; len(got) != 1 || got[0] != "25" {
		t.Errorf("$top = %v", got)
	}
}

func TestFetchFullExpandsAttachments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$expand") != "attachments" {
			t.Errorf("missing $expand=attachments, query %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "msg-1",
			"conversationId": "conv-1",
			"subject":        "hi",
			"body":           map[string]string{"contentType": "html", "content": "<p>hi</p>"},
			"attachments": []map[string]any{
				{"id": "att-1", "name": "log.txt", "contentBytes": "aGVsbG8="},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	msg, err := c.FetchFull(context.Background(), staticCred("tok"), "support@acme.example", "msg-1")
	if err != nil {
		t.Fatalf("FetchFull: %v", err)
	}
	if msg.ConversationID != "conv-1" || msg.Body.Content != "<p>hi</p>" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Name != "log.txt" {
		t.Fatalf("unexpected attachments: %+v", msg.Attachments)
	}
}

func TestMoveToFolderReturnsNewID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["destinationId"] != "folder-9" {
			t.Errorf("destinationId = %q", body["destinationId"])
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "msg-1-moved"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	newID, err := c.MoveToFolder(context.Background(), staticCred("tok"), "support@acme.example", "msg-1", "folder-9")
	if err != nil {
		t.Fatalf("MoveToFolder: %v", err)
	}
	if newID != "msg-1-moved" {
		t.Errorf("moved id = %q", newID)
	}
}

func TestMarkRead(t *testing.T) {
	var gotMethod string
	var gotBody map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.MarkRead(context.Background(), staticCred("tok"), "support@acme.example", "msg-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %s", gotMethod)
	}
	if !gotBody["isRead"] {
		t.Errorf("body = %v", gotBody)
	}
}

func TestGetOrCreateFolderFindsExisting(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			created = true
		}
		json.NewEncoder(w).Encode(map[string]any{"value": []map[string]string{
			{"id": "folder-1", "displayName": "Processed"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.GetOrCreateFolder(context.Background(), staticCred("tok"), "support@acme.example", "Processed")
	if err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}
	if id != "folder-1" {
		t.Errorf("folder id = %q", id)
	}
	if created {
		t.Error("created a folder that already existed")
	}
}

func TestGetOrCreateFolderCreatesMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{"value": []map[string]string{}})
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["displayName"] != "Processed" {
			t.Errorf("displayName = %q", body["displayName"])
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "folder-new", "displayName": "Processed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.GetOrCreateFolder(context.Background(), staticCred("tok"), "support@acme.example", "Processed")
	if err != nil {
		t.Fatalf("GetOrCreateFolder: %v", err)
	}
	if id != "folder-new" {
		t.Errorf("folder id = %q", id)
	}
}

func TestAPIErrorParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "ErrorItemNotFound", "message": "The specified object was not found"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.FetchFull(context.Background(), staticCred("tok"), "support@acme.example", "gone")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "ErrorItemNotFound" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNon404ErrorIsNotNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.FetchFull(context.Background(), staticCred("tok"), "support@acme.example", "msg-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsNotFound(err) {
		t.Errorf("429 treated as not-found: %v", err)
	}
}
