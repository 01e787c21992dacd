package gitauto

import (
	"context"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// RefLister queries a remote's reported revision for one branch. Used
// after a push to confirm the ref was durably persisted: some backends
// report success without the ref actually landing.
type RefLister interface {
	RemoteHead(ctx context.Context, remoteURL, branch, token string) (string, error)
}

// GoGitRefLister lists remote refs without a local clone, via an
// in-memory remote.
type GoGitRefLister struct{}

// RemoteHead returns the sha the remote reports for refs/heads/<branch>.
func (GoGitRefLister) RemoteHead(ctx context.Context, remoteURL, branch, token string) (string, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{remoteURL},
	})

	opts := &gogit.ListOptions{}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	refs, err := remote.ListContext(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("list remote refs: %w", err)
	}

	want := "refs/heads/" + branch
	for _, ref := range refs {
		if ref.Name().String() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found on remote", branch)
}
