package auth

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/mattn/go-sqlite3"
)

// testContext returns a context canceled when the test finishes, mirroring
// testing.T.Context from newer Go releases.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// testDB creates a temporary SQLite database with the cloud credentials
// schema applied. The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// WAL needs a real file; :memory: won't take it.
	f, err := os.CreateTemp("", "auth-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	migrationSQL := `
		CREATE TABLE cloud_credentials (
			id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
	`
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("applying credentials migration: %v", err)
	}

	return db
}

// makeToken builds a signed JWT carrying the given claims. The signature is
// never checked by this package, so the signing key is arbitrary.
func makeToken(t *testing.T, username string, expiresAt time.Time, subscriptionExpiry string) string {
	t.Helper()

	claims := CloudClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "instance-test",
		},
		Username:           username,
		SubscriptionExpiry: subscriptionExpiry,
	}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

// mockNotifier records user-facing notifications.
type mockNotifier struct {
	mu          sync.Mutex
	identifiers []string
	messages    []string
}

func (n *mockNotifier) UserMessage(identifier, title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.identifiers = append(n.identifiers, identifier)
	n.messages = append(n.messages, message)
}

func (n *mockNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.identifiers)
}

func (n *mockNotifier) lastIdentifier() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.identifiers) == 0 {
		return ""
	}
	return n.identifiers[len(n.identifiers)-1]
}
