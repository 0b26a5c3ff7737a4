// Package vcs publishes the mirror working tree to a version-controlled
// repository.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultBranch is used when no branch is configured.
	DefaultBranch = "master"
	// RemoteName is the name of the cloned remote.
	RemoteName = "origin"
)

// ErrNotCloned is returned when the working tree is used before Clone.
var ErrNotCloned = errors.New("repository not cloned")

// Backend is the version control contract used by the engine.
type Backend interface {
	// Clone fetches the repository into the working directory.
	Clone(ctx context.Context) error
	// StageAll stages every addition, modification and deletion.
	StageAll() error
	// Commit records the staged changes. An empty change set returns "" and no error.
	Commit(name, email, message string) (string, error)
	// Push sends the branch to the remote.
	Push(ctx context.Context) error
	// Publish stages, commits and pushes with the configured committer.
	Publish(ctx context.Context, message string) (string, error)
}

// Committer identifies the author of mirror commits.
type Committer struct {
	Name  string
	Email string
}

// Options configures a GitBackend.
type Options struct {
	URL       string
	Branch    string
	Dir       string
	Committer Committer

	// SSH key authentication
	PrivateKey            string
	Passphrase            string
	InsecureIgnoreHostKey bool

	// HTTP basic authentication
	Username string
	Password string
}

// GitBackend implements Backend with go-git.
type GitBackend struct {
	opts   Options
	auth   transport.AuthMethod
	repo   *git.Repository
	logger *slog.Logger
}

// NewGitBackend creates a backend. Authentication is resolved eagerly so a
// bad key path fails before any network I/O.
func NewGitBackend(opts Options, logger *slog.Logger) (*GitBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Branch == "" {
		opts.Branch = DefaultBranch
	}
	if opts.URL == "" {
		return nil, errors.New("repository url is required")
	}
	if opts.Dir == "" {
		return nil, errors.New("working directory is required")
	}

	auth, err := resolveAuth(opts)
	if err != nil {
		return nil, err
	}

	return &GitBackend{opts: opts, auth: auth, logger: logger}, nil
}

// resolveAuth picks SSH keys when a private key is configured, else HTTP
// basic auth when credentials are set, else no auth.
func resolveAuth(opts Options) (transport.AuthMethod, error) {
	if opts.PrivateKey != "" {
		user := "git"
		if ep, err := transport.NewEndpoint(opts.URL); err == nil && ep.User != "" {
			user = ep.User
		}
		keys, err := gitssh.NewPublicKeysFromFile(user, opts.PrivateKey, opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		if opts.InsecureIgnoreHostKey {
			keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		}
		return keys, nil
	}

	if opts.Username != "" || opts.Password != "" {
		return &githttp.BasicAuth{Username: opts.Username, Password: opts.Password}, nil
	}

	return nil, nil
}

// Dir returns the working directory.
func (b *GitBackend) Dir() string {
	return b.opts.Dir
}

func (b *GitBackend) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(b.opts.Branch)
}

// Clone clones the configured branch. An empty remote is initialized locally
// so the first push creates the branch.
func (b *GitBackend) Clone(ctx context.Context) error {
	b.logger.Info("cloning repository", "url", b.opts.URL, "branch", b.opts.Branch, "dir", b.opts.Dir)

	repo, err := git.PlainCloneContext(ctx, b.opts.Dir, false, &git.CloneOptions{
		URL:           b.opts.URL,
		Auth:          b.auth,
		RemoteName:    RemoteName,
		ReferenceName: b.branchRef(),
		SingleBranch:  true,
	})
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		b.logger.Warn("remote repository is empty, initializing", "url", b.opts.URL)
		repo, err = b.initEmpty()
	}
	if err != nil {
		return fmt.Errorf("clone %s: %w", b.opts.URL, err)
	}

	b.repo = repo
	return nil
}

func (b *GitBackend) initEmpty() (*git.Repository, error) {
	if err := os.RemoveAll(filepath.Join(b.opts.Dir, git.GitDirName)); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.opts.Dir, 0755); err != nil {
		return nil, err
	}

	repo, err := git.PlainInit(b.opts.Dir, false)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}

	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: RemoteName,
		URLs: []string{b.opts.URL},
	}); err != nil {
		return nil, fmt.Errorf("create remote: %w", err)
	}

	head := plumbing.NewSymbolicReference(plumbing.HEAD, b.branchRef())
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD: %w", err)
	}

	return repo, nil
}

// StageAll stages new and modified files and records deletions.
func (b *GitBackend) StageAll() error {
	if b.repo == nil {
		return ErrNotCloned
	}

	wt, err := b.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	paths := make([]string, 0, len(status))
	for path := range status {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		switch status[path].Worktree {
		case git.Unmodified:
			continue
		case git.Deleted:
			if _, err := wt.Remove(path); err != nil {
				return fmt.Errorf("stage removal of %s: %w", path, err)
			}
		default:
			if _, err := wt.Add(path); err != nil {
				return fmt.Errorf("stage %s: %w", path, err)
			}
		}
	}

	return nil
}

// Commit commits the index. It returns "" when there is nothing to commit.
func (b *GitBackend) Commit(name, email, message string) (string, error) {
	if b.repo == nil {
		return "", ErrNotCloned
	}

	wt, err := b.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("get worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		b.logger.Info("nothing to commit")
		return "", nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: email,
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		b.logger.Info("nothing to commit")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	return hash.String(), nil
}

// Push pushes the branch. A remote that is already up to date is not an error.
func (b *GitBackend) Push(ctx context.Context) error {
	if b.repo == nil {
		return ErrNotCloned
	}

	ref := b.branchRef()
	err := b.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: RemoteName,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(ref.String() + ":" + ref.String())},
		Auth:       b.auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		b.logger.Info("remote already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("push %s: %w", b.opts.Branch, err)
	}

	return nil
}

// Publish stages everything, commits as the configured committer and pushes.
// Nothing is pushed when there was nothing to commit.
func (b *GitBackend) Publish(ctx context.Context, message string) (string, error) {
	if err := b.StageAll(); err != nil {
		return "", err
	}

	hash, err := b.Commit(b.opts.Committer.Name, b.opts.Committer.Email, message)
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", nil
	}

	if err := b.Push(ctx); err != nil {
		return hash, err
	}

	b.logger.Info("published", "commit", hash, "branch", b.opts.Branch)
	return hash, nil
}

// Verify that *GitBackend implements Backend at compile time
var _ Backend = (*GitBackend)(nil)
