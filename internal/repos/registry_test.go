package repos

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *gitops.Fake, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	fake := &gitops.Fake{}
	r := NewRegistry(coord.New(s, nil), fake, Options{ReposDir: t.TempDir()})
	return r, fake, s
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"acme-api", "acme-api"},
		{"Acme API", "acme-api"},
		{"Ünïcode Repo!", "unicode-repo"},
		{"  --weird//name--  ", "weird-name"},
		{"go.mod_tools", "go.mod_tools"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestRegister_LocalPath(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "Acme API")
	repo, err := r.Register(ctx, RegisterParams{LocalPath: dir})
	require.NoError(t, err)
	assert.Equal(t, "acme-api", repo.Slug)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, dir, repo.LocalPath)

	got, err := r.Resolve(ctx, "acme-api")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, got.ID)

	got, err = r.Resolve(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme-api", got.Slug)

	_, err = r.Register(ctx, RegisterParams{Slug: "Acme API", LocalPath: t.TempDir()})
	assert.Equal(t, errs.KindDuplicateSlug, errs.KindOf(err))
}

func TestRegister_ClonesRemote(t *testing.T) {
	r, fake, _ := newTestRegistry(t)
	fake.DefaultBranchName = "trunk"

	repo, err := r.Register(context.Background(), RegisterParams{RemoteURL: "git@github.com:acme/widgets.git"})
	require.NoError(t, err)
	assert.Equal(t, "widgets", repo.Slug)
	assert.Equal(t, "trunk", repo.DefaultBranch)
	assert.Equal(t, filepath.Join(r.opts.ReposDir, "widgets"), repo.LocalPath)
	assert.Equal(t, []string{"git@github.com:acme/widgets.git"}, fake.Clones)
}

func TestRegister_CloneFailure(t *testing.T) {
	r, fake, _ := newTestRegistry(t)
	fake.CloneErr = errors.New("auth failed")

	_, err := r.Register(context.Background(), RegisterParams{RemoteURL: "https://example.com/x.git"})
	assert.Equal(t, errs.KindExternalOperation, errs.KindOf(err))

	repos, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestRegister_RequiresSource(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), RegisterParams{Slug: "x"})
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func TestRefreshDefaultBranch(t *testing.T) {
	r, fake, _ := newTestRegistry(t)
	ctx := context.Background()

	repo, err := r.Register(ctx, RegisterParams{LocalPath: t.TempDir(), Slug: "svc"})
	require.NoError(t, err)

	fake.DefaultBranchName = "develop"
	got, err := r.RefreshDefaultBranch(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", got.DefaultBranch)

	stored, err := r.Get(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", stored.DefaultBranch)
}

func TestDelete_RepositoryInUse(t *testing.T) {
	r, _, s := newTestRegistry(t)
	ctx := context.Background()

	repo, err := r.Register(ctx, RegisterParams{LocalPath: t.TempDir(), Slug: "svc"})
	require.NoError(t, err)

	w := &models.Worktree{RepositoryID: repo.ID, Name: "a", Path: "/wt/a", State: models.WorktreeStateReady}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return tx.CreateWorktree(ctx, w) }))

	err = r.Delete(ctx, repo.ID)
	require.Equal(t, errs.KindRepositoryInUse, errs.KindOf(err))
	e, _ := errs.As(err)
	assert.Equal(t, []string{w.ID}, e.Related)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return tx.DeleteWorktree(ctx, w.ID) }))
	require.NoError(t, r.Delete(ctx, repo.ID))

	_, err = r.Get(ctx, repo.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
