package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metadata/storetest"
)

// newTestStore connects to TEST_DATABASE_URL, migrates and empties the schema.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := New(dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	_, err = s.DB().ExecContext(ctx, `TRUNCATE nodes, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestStoreConformance(t *testing.T) {
	suite := &storetest.Suite{
		NewStore: func(t *testing.T) metadata.Store { return newTestStore(t) },
	}
	suite.Run(t)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/Docs", "/Docs"},
		{"/100%", `/100\%`},
		{"/a_b", `/a\_b`},
		{`/back\slash`, `/back\\slash`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := subtreePattern("/a_b"); got != `/a\_b/%` {
		t.Errorf("subtreePattern = %q", got)
	}
}
