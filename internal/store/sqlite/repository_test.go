package sqlite

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/backend/internal/store"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := New(db, db)
	require.NoError(t, err)
	return repo
}

func createTestProject(t *testing.T, repo *Repository, userID string, mutate func(*store.Project)) *store.Project {
	t.Helper()
	p := &store.Project{
		ID:     uuid.New().String(),
		UserID: userID,
		Name:   "demo",
		Status: store.ProjectStatusCreating,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, repo.CreateProject(context.Background(), p))
	return p
}

func TestEnsureDefaultUserIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.EnsureDefaultUser(ctx)
	require.NoError(t, err)
	second, err := repo.EnsureDefaultUser(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestProjectLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	user, err := repo.EnsureDefaultUser(ctx)
	require.NoError(t, err)

	p := createTestProject(t, repo, user.ID, nil)

	got, err := repo.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectStatusCreating, got.Status)
	assert.Nil(t, got.SandboxID)

	sandboxID := "sbx-1"
	got.SandboxID = &sandboxID
	got.Status = store.ProjectStatusRunning
	require.NoError(t, repo.UpdateProject(ctx, got))

	got, err = repo.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SandboxID)
	assert.Equal(t, "sbx-1", *got.SandboxID)

	live, err := repo.ListProjectsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	require.NoError(t, repo.SoftDeleteProject(ctx, p.ID))

	live, err = repo.ListProjectsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, live, "tombstones are excluded from live listings")

	// The tombstone still resolves by id and by sandbox reference.
	tomb, err := repo.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, tomb.IsTombstone())

	tombs, err := repo.FindTombstonesBySandbox(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Len(t, tombs, 1)

	count, err := repo.CountLiveProjectsBySandbox(ctx, "sbx-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, repo.HardDeleteProject(ctx, p.ID))
	_, err = repo.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindForkFamilyIncludesTombstones(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	user, err := repo.EnsureDefaultUser(ctx)
	require.NoError(t, err)

	root := createTestProject(t, repo, user.ID, nil)
	fork1 := createTestProject(t, repo, user.ID, func(p *store.Project) {
		p.Name = "demo-fork-1"
		p.ForkedFromID = &root.ID
	})
	fork2 := createTestProject(t, repo, user.ID, func(p *store.Project) {
		p.Name = "demo-fork-2"
		p.ForkedFromID = &root.ID
	})
	require.NoError(t, repo.SoftDeleteProject(ctx, fork1.ID))

	// Family resolved from a fork walks up to the root first.
	family, err := repo.FindForkFamily(ctx, fork2.ID)
	require.NoError(t, err)
	require.Len(t, family, 3)
	assert.Equal(t, root.ID, family[0].ID, "ordered by creation time, root first")

	ids := make([]string, 0, len(family))
	for _, member := range family {
		ids = append(ids, member.ID)
	}
	assert.Contains(t, ids, fork1.ID, "tombstoned members are included")
}

func TestSetAgentSessionIDIfAbsent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	user, err := repo.EnsureDefaultUser(ctx)
	require.NoError(t, err)
	p := createTestProject(t, repo, user.ID, nil)

	chat := &store.Chat{ID: uuid.New().String(), ProjectID: p.ID, Title: "chat"}
	require.NoError(t, repo.CreateChat(ctx, chat))

	wrote, err := repo.SetAgentSessionIDIfAbsent(ctx, chat.ID, "s-1")
	require.NoError(t, err)
	assert.True(t, wrote)

	// A resume turn reporting a different session id never overwrites.
	wrote, err = repo.SetAgentSessionIDIfAbsent(ctx, chat.ID, "s-2")
	require.NoError(t, err)
	assert.False(t, wrote)

	got, err := repo.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AgentSessionID)
	assert.Equal(t, "s-1", *got.AgentSessionID)
}

func TestMessagesAppendOnlyRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	user, err := repo.EnsureDefaultUser(ctx)
	require.NoError(t, err)
	p := createTestProject(t, repo, user.ID, nil)
	chat := &store.Chat{ID: uuid.New().String(), ProjectID: p.ID}
	require.NoError(t, repo.CreateChat(ctx, chat))

	userMsg := &store.Message{
		ID:     uuid.New().String(),
		ChatID: chat.ID,
		Role:   store.MessageRoleUser,
		Content: []store.ContentBlock{
			{Type: "text", Text: "Hi"},
		},
	}
	require.NoError(t, repo.AppendMessage(ctx, userMsg))

	summary := &store.Message{
		ID:     uuid.New().String(),
		ChatID: chat.ID,
		Role:   store.MessageRoleSystem,
		Metadata: map[string]interface{}{
			"costUsd":  0.01,
			"numTurns": 1,
		},
	}
	require.NoError(t, repo.AppendMessage(ctx, summary))

	messages, err := repo.ListMessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hi", messages[0].Content[0].Text)
	assert.Empty(t, messages[1].Content, "system summary carries metadata, not content")
	assert.Equal(t, 0.01, messages[1].Metadata["costUsd"])

	first, err := repo.FirstUserMessage(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, userMsg.ID, first.ID)
}

func TestSettingsAllowList(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	err := repo.SetSetting(ctx, store.SettingKey("bogus"), "x")
	assert.ErrorIs(t, err, store.ErrInvalidSettingKey)

	require.NoError(t, repo.SetSetting(ctx, store.SettingProviderSnapshot, "base-v2"))
	require.NoError(t, repo.SetSetting(ctx, store.SettingProviderSnapshot, "base-v3"))

	s, err := repo.GetSetting(ctx, store.SettingProviderSnapshot)
	require.NoError(t, err)
	assert.Equal(t, "base-v3", s.Value)
}
