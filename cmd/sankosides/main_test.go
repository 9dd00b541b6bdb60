package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kevin-nav/sankosides/pkg/flow"
	"github.com/Kevin-nav/sankosides/pkg/persistence"
	"github.com/Kevin-nav/sankosides/pkg/slides"
	"github.com/Kevin-nav/sankosides/pkg/state"
	"github.com/Kevin-nav/sankosides/pkg/usage"
)

func TestOutlineMarkdown(t *testing.T) {
	sk := &slides.Skeleton{
		Title:          "Quantum Computing",
		TargetAudience: "Graduate students",
		NarrativeArc:   "From bits to qubits",
		Slides: []slides.SkeletonSlide{
			{Order: 1, Title: "Intro", ContentType: slides.ContentTitle},
			{Order: 2, Title: "Gates", ContentType: slides.ContentContent, Description: "Unitary operations",
				NeedsEquation: true, NeedsCitation: true},
		},
	}
	md := outlineMarkdown(sk, flow.StatusAwaitingOutlineApproval)

	assert.True(t, strings.HasPrefix(md, "# Quantum Computing\n"))
	assert.Contains(t, md, "> From bits to qubits")
	assert.Contains(t, md, "## 2. Gates")
	assert.Contains(t, md, "`equation` `citation`")
	assert.Contains(t, md, "Unitary operations")
	assert.Contains(t, md, "awaiting_outline_approval")
}

func TestListSessionsJoinsUsage(t *testing.T) {
	ctx := context.Background()
	db, err := persistence.Open(persistence.MemoryPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now()
	require.NoError(t, db.SaveSession(ctx, &persistence.SessionRecord{
		SessionID: "a", Status: "completed", Version: 1, StateJSON: []byte(`{}`), UpdatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, db.SaveSession(ctx, &persistence.SessionRecord{
		SessionID: "b", Status: "failed", Version: 1, StateJSON: []byte(`{}`), UpdatedAt: now,
	}))
	require.NoError(t, db.RecordUsage(ctx, "a", usage.Record{Agent: "planner", Model: "m", CostUSD: 0.5, At: now}))

	rows, err := listSessions(ctx, db, persistence.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].SessionID)
	assert.Zero(t, rows[0].Calls)
	assert.Equal(t, 1, rows[1].Calls)
	assert.InDelta(t, 0.5, rows[1].CostUSD, 1e-9)

	failed, err := listSessions(ctx, db, persistence.SessionFilter{Statuses: []string{"failed"}})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestListSessionsJSONBackend(t *testing.T) {
	ctx := context.Background()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.SaveSession(ctx, &persistence.SessionRecord{
		SessionID: "x", Status: "generating", CurrentStage: "refiner", Version: 3, StateJSON: []byte(`{}`),
	}))

	rows, err := listSessions(ctx, store, persistence.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "refiner", rows[0].CurrentStage)
	assert.Zero(t, rows[0].CostUSD)
}

func TestValidSecretName(t *testing.T) {
	assert.True(t, validSecretName("GEMINI_API_KEY"))
	assert.False(t, validSecretName(""))
	assert.False(t, validSecretName("bad-name"))
	assert.False(t, validSecretName("with space"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "secrets", "sessions", "outline", "failures", "version"} {
		assert.True(t, names[want], want)
	}
}
