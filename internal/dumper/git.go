package dumper

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
)

// GitClient dumps a git repository. The release is the short HEAD hash of
// the default branch, or the pinned commit when one is set. Download
// clones into the local folder, or fetches and updates an existing clone.
type GitClient struct {
	RepoURL string
	// Commit pins the checkout to a specific revision; empty follows the
	// remote default branch.
	Commit string
}

// Release resolves the remote HEAD (or the pinned commit) to a short hash.
func (c *GitClient) Release(ctx context.Context) (string, error) {
	if c.Commit != "" {
		return shortHash(c.Commit), nil
	}
	rem := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{c.RepoURL},
	})
	refs, err := rem.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("git ls-remote %s: %w", c.RepoURL, err)
	}
	// resolve symbolic HEAD to its branch, then to the hash
	var headTarget plumbing.ReferenceName
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			headTarget = ref.Target()
			break
		}
	}
	for _, ref := range refs {
		if (headTarget != "" && ref.Name() == headTarget) ||
			(headTarget == "" && ref.Name() == plumbing.Master) {
			return shortHash(ref.Hash().String()), nil
		}
	}
	return "", fmt.Errorf("git %s: could not resolve HEAD", c.RepoURL)
}

// RemoteIsBetter reports true when the local clone is absent or behind.
func (c *GitClient) RemoteIsBetter(ctx context.Context, remote, local string) (bool, error) {
	repo, err := git.PlainOpen(local)
	if err != nil {
		return true, nil
	}
	head, err := repo.Head()
	if err != nil {
		return true, nil
	}
	want, err := c.Release(ctx)
	if err != nil {
		return false, err
	}
	return shortHash(head.Hash().String()) != want, nil
}

// Download clones or updates the repository at local. The local path is
// the clone root; the remote argument is ignored in favor of RepoURL.
func (c *GitClient) Download(ctx context.Context, remote, local string) error {
	repo, err := git.PlainOpen(local)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainCloneContext(ctx, local, false, &git.CloneOptions{URL: c.RepoURL})
		if err != nil {
			return fmt.Errorf("git clone %s: %w", c.RepoURL, err)
		}
		if c.Commit == "" {
			return nil
		}
	} else if err != nil {
		return fmt.Errorf("git open %s: %w", local, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := repo.FetchContext(ctx, &git.FetchOptions{}); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("git fetch %s: %w", c.RepoURL, err)
	}
	if c.Commit != "" {
		return wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(c.Commit), Force: true})
	}
	if err := wt.PullContext(ctx, &git.PullOptions{Force: true}); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("git pull %s: %w", c.RepoURL, err)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
