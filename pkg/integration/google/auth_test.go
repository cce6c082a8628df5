package google

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const calendarScope = "https://www.googleapis.com/auth/calendar.events"

func TestNewHTTPClient_InvalidPath(t *testing.T) {
	_, err := NewHTTPClient(context.Background(), "/nonexistent/path.json", calendarScope)
	if err == nil {
		t.Fatal("expected error for nonexistent credentials file")
	}
}

func TestNewHTTPClient_InvalidJSON(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "bad.json")
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewHTTPClient(context.Background(), path, calendarScope)
	if err == nil {
		t.Fatal("expected error for invalid JSON credentials")
	}
}

func TestClientOption(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "sa.json")
	key := `{"type":"service_account","client_email":"agenda@example.iam.gserviceaccount.com","private_key":"unused","token_uri":"https://oauth2.googleapis.com/token"}`
	if err := os.WriteFile(path, []byte(key), 0644); err != nil {
		t.Fatal(err)
	}

	opt, err := ClientOption(context.Background(), path, calendarScope)
	if err != nil {
		t.Fatalf("client option: %v", err)
	}
	if opt == nil {
		t.Fatal("expected non-nil ClientOption")
	}

	if _, err := ClientOption(context.Background(), filepath.Join(tmp, "missing.json")); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
