package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	gittransport "github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rs/zerolog"

	"github.com/moored/moor/pkg/log"
	"github.com/moored/moor/pkg/types"
)

// Fetcher obtains application source at a branch tip into a local
// working tree, idempotently. First fetch clones into a temporary
// directory and renames it into place so a failure never leaves a
// partially written tree; later fetches for the same repository update
// in place (fetch + hard reset to the branch tip) instead of
// re-cloning.
type Fetcher struct {
	// CacheDir is the parent directory of all working trees
	CacheDir string

	logger zerolog.Logger
}

// New creates a fetcher rooted at cacheDir.
func New(cacheDir string) *Fetcher {
	return &Fetcher{
		CacheDir: cacheDir,
		logger:   log.WithComponent("fetch"),
	}
}

// TreePath returns the working tree location for a repository URL.
// The name combines the repository's base name with a short URL digest
// so distinct repositories sharing a base name do not collide.
func (f *Fetcher) TreePath(repoURL string) string {
	name := strings.TrimSuffix(path.Base(repoURL), ".git")
	if name == "" || name == "." || name == "/" {
		name = "source"
	}
	sum := sha256.Sum256([]byte(repoURL))
	return filepath.Join(f.CacheDir, fmt.Sprintf("%s-%s", name, hex.EncodeToString(sum[:4])))
}

// Fetch obtains the requested branch tip. The credential rides in the
// transport's auth header, never in the URL, so it cannot leak into a
// persisted remote config or a log line.
func (f *Fetcher) Fetch(ctx context.Context, req types.DeploymentRequest) (*types.WorkingTree, error) {
	var auth *githttp.BasicAuth
	if req.Credential != "" {
		// Username is ignored by token-authenticated servers but must
		// be non-empty
		auth = &githttp.BasicAuth{Username: "moor", Password: req.Credential}
	}

	treePath := f.TreePath(req.RepositoryURL)

	if _, err := os.Stat(filepath.Join(treePath, ".git")); err == nil {
		return f.update(ctx, treePath, req, auth)
	}

	return f.clone(ctx, treePath, req, auth)
}

func (f *Fetcher) clone(ctx context.Context, treePath string, req types.DeploymentRequest, auth *githttp.BasicAuth) (*types.WorkingTree, error) {
	if err := os.MkdirAll(f.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	// Clone into a sibling temp dir, rename into place on success
	tmp, err := os.MkdirTemp(f.CacheDir, ".clone-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	f.logger.Info().Str("repository", req.RepositoryURL).Str("branch", req.Branch).Msg("cloning repository")

	repo, err := git.PlainCloneContext(ctx, tmp, false, &git.CloneOptions{
		URL:           req.RepositoryURL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(req.Branch),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, classify(req.RepositoryURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	if err := os.Rename(tmp, treePath); err != nil {
		return nil, fmt.Errorf("moving working tree into place: %w", err)
	}

	return &types.WorkingTree{
		Path:     treePath,
		Branch:   req.Branch,
		Revision: head.Hash().String(),
		Cloned:   true,
	}, nil
}

func (f *Fetcher) update(ctx context.Context, treePath string, req types.DeploymentRequest, auth *githttp.BasicAuth) (*types.WorkingTree, error) {
	f.logger.Info().Str("path", treePath).Str("branch", req.Branch).Msg("updating existing working tree")

	repo, err := git.PlainOpen(treePath)
	if err != nil {
		return nil, fmt.Errorf("opening working tree: %w", err)
	}

	// The first clone pins the remote's refspec to its branch; fetch the
	// requested branch explicitly so a cached tree can serve any branch
	// of the repository
	err = repo.FetchContext(ctx, &git.FetchOptions{
		Auth:  auth,
		Force: true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", req.Branch, req.Branch)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, classify(req.RepositoryURL, err)
	}

	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", req.Branch), true)
	if err != nil {
		return nil, &types.SourceUnavailableError{
			Repository: req.RepositoryURL,
			Reason:     types.SourceReasonAuth,
			Cause:      fmt.Errorf("branch %q not found: %w", req.Branch, err),
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}

	// Hard reset to the remote tip; local edits to a cached tree are
	// not preserved
	if err := wt.Checkout(&git.CheckoutOptions{Hash: ref.Hash(), Force: true}); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", ref.Hash(), err)
	}

	return &types.WorkingTree{
		Path:     treePath,
		Branch:   req.Branch,
		Revision: ref.Hash().String(),
	}, nil
}

// classify maps go-git failures onto the source error taxonomy:
// credential and branch problems are not retryable, network problems
// may be.
func classify(repoURL string, err error) error {
	reason := types.SourceReasonNetwork
	switch {
	case errors.Is(err, gittransport.ErrAuthenticationRequired),
		errors.Is(err, gittransport.ErrAuthorizationFailed),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, git.NoMatchingRefSpecError{}):
		reason = types.SourceReasonAuth
	}
	return &types.SourceUnavailableError{
		Repository: repoURL,
		Reason:     reason,
		Cause:      err,
	}
}
