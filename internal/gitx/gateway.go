// Package gitx wraps go-git for the record engine: staging, committing
// with per-call identity, history, and diffs over the records working
// tree. Mutations are serialized through a single writer lock; reads
// against a specific revision bypass it.
package gitx

import (
	"context"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Identity is the commit author, supplied per call. The gateway never
// touches global git configuration.
type Identity struct {
	Name  string
	Email string
}

func (i Identity) signature(now time.Time) *object.Signature {
	name := i.Name
	if name == "" {
		name = "civic"
	}
	email := i.Email
	if email == "" {
		email = name + "@localhost"
	}
	return &object.Signature{Name: name, Email: email, When: now}
}

// Revision summarizes one commit touching a path.
type Revision struct {
	Hash    string
	Message string
	Author  string
	Email   string
	When    time.Time
}

// Gateway owns one repository working tree.
type Gateway struct {
	dir string

	// writer serializes all mutating operations on the tree.
	writer sync.Mutex

	now func() time.Time
}

// Open returns a gateway for dir. The repository is initialized lazily
// on the first write, so read-only use of an uninitialized tree simply
// reports NotARepository.
func Open(dir string) *Gateway {
	return &Gateway{dir: dir, now: time.Now}
}

func (g *Gateway) repo() (*git.Repository, error) {
	repo, err := git.PlainOpen(g.dir)
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, ferrors.Git("not a git repository").
				WithContext("dir", g.dir).WithRetry(ferrors.RetryNever).Build()
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "open repository").Build()
	}
	return repo, nil
}

// ensureRepo opens the repository, initializing it when absent.
// Callers must hold the writer lock.
func (g *Gateway) ensureRepo() (*git.Repository, error) {
	repo, err := git.PlainOpen(g.dir)
	if err == nil {
		return repo, nil
	}
	if err != git.ErrRepositoryNotExists {
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "open repository").Build()
	}
	repo, err = git.PlainInit(g.dir, false)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "init repository").Build()
	}
	return repo, nil
}

// Stage adds the given paths (relative to the repository root) to the
// index, initializing the repository on first use.
func (g *Gateway) Stage(paths ...string) error {
	g.writer.Lock()
	defer g.writer.Unlock()
	return g.stageLocked(paths)
}

func (g *Gateway) stageLocked(paths []string) error {
	repo, err := g.ensureRepo()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryGit, "open worktree").Build()
	}
	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryGit, "stage path").
				WithContext("path", p).Build()
		}
	}
	return nil
}

// Commit records the staged changes with the supplied identity and
// returns the new revision. An empty index yields NothingToCommit.
func (g *Gateway) Commit(message string, id Identity) (string, error) {
	g.writer.Lock()
	defer g.writer.Unlock()
	return g.commitLocked(message, id)
}

func (g *Gateway) commitLocked(message string, id Identity) (string, error) {
	repo, err := g.ensureRepo()
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "open worktree").Build()
	}

	status, err := wt.Status()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "read status").Build()
	}
	if staged := stagedPaths(status); len(staged) == 0 {
		return "", ErrNothingToCommit
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: id.signature(g.now())})
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "commit").Build()
	}
	return hash.String(), nil
}

// StageAndCommit stages paths and commits them in one critical section,
// so concurrent writers cannot interleave their staged files.
func (g *Gateway) StageAndCommit(message string, id Identity, paths ...string) (string, error) {
	g.writer.Lock()
	defer g.writer.Unlock()
	if err := g.stageLocked(paths); err != nil {
		return "", err
	}
	return g.commitLocked(message, id)
}

// ErrNothingToCommit is returned when a commit is requested with a
// clean index.
var ErrNothingToCommit = ferrors.Git("nothing to commit").WithRetry(ferrors.RetryNever).Build()

// Head returns the current HEAD revision.
func (g *Gateway) Head() (string, error) {
	repo, err := g.repo()
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return "", ferrors.NotFound("repository has no commits").Build()
		}
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "resolve HEAD").Build()
	}
	return ref.Hash().String(), nil
}

// History returns the revisions touching path, newest first.
func (g *Gateway) History(ctx context.Context, path string) ([]Revision, error) {
	repo, err := g.repo()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{FileName: &path})
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return nil, nil
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "read log").
			WithContext("path", path).Build()
	}
	defer iter.Close()

	var out []Revision
	err = iter.ForEach(func(c *object.Commit) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out = append(out, Revision{
			Hash:    c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "iterate log").Build()
	}
	return out, nil
}

// Show returns the content of path at the given revision.
func (g *Gateway) Show(rev, path string) ([]byte, error) {
	repo, err := g.repo()
	if err != nil {
		return nil, err
	}
	commit, err := g.resolveCommit(repo, rev)
	if err != nil {
		return nil, err
	}
	file, err := commit.File(path)
	if err != nil {
		if err == object.ErrFileNotFound {
			return nil, ferrors.NotFound("file not present at revision").
				WithContext("path", path).WithContext("rev", rev).Build()
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "read file at revision").Build()
	}
	content, err := file.Contents()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "read blob").Build()
	}
	return []byte(content), nil
}

// Diff returns a unified diff between two revisions, optionally
// restricted to one path.
func (g *Gateway) Diff(ctx context.Context, rev1, rev2, path string) (string, error) {
	repo, err := g.repo()
	if err != nil {
		return "", err
	}
	from, err := g.resolveCommit(repo, rev1)
	if err != nil {
		return "", err
	}
	to, err := g.resolveCommit(repo, rev2)
	if err != nil {
		return "", err
	}

	fromTree, err := from.Tree()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "resolve tree").Build()
	}
	toTree, err := to.Tree()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "resolve tree").Build()
	}

	changes, err := fromTree.DiffContext(ctx, toTree)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "diff trees").Build()
	}
	if path != "" {
		filtered := make(object.Changes, 0, len(changes))
		for _, c := range changes {
			if c.From.Name == path || c.To.Name == path {
				filtered = append(filtered, c)
			}
		}
		changes = filtered
	}
	patch, err := changes.PatchContext(ctx)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "render patch").Build()
	}
	return patch.String(), nil
}

// Revert creates an inverse commit for rev: every path it touched is
// restored to its state in rev's parent. Used by saga compensation when
// a record change is already committed.
func (g *Gateway) Revert(rev string, id Identity) (string, error) {
	g.writer.Lock()
	defer g.writer.Unlock()

	repo, err := g.repo()
	if err != nil {
		return "", err
	}
	commit, err := g.resolveCommit(repo, rev)
	if err != nil {
		return "", err
	}

	var parentTree *object.Tree
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return "", ferrors.Wrap(err, ferrors.CategoryGit, "resolve parent").Build()
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return "", ferrors.Wrap(err, ferrors.CategoryGit, "resolve parent tree").Build()
		}
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "resolve tree").Build()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "open worktree").Build()
	}

	var changes object.Changes
	if parentTree != nil {
		changes, err = parentTree.Diff(tree)
	} else {
		changes, err = object.DiffTree(nil, tree)
	}
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "diff against parent").Build()
	}

	for _, c := range changes {
		name := c.To.Name
		if name == "" {
			name = c.From.Name
		}
		if parentTree != nil {
			if f, ferr := parentTree.File(name); ferr == nil {
				content, cerr := f.Contents()
				if cerr != nil {
					return "", ferrors.Wrap(cerr, ferrors.CategoryGit, "read parent blob").Build()
				}
				if werr := writeWorktreeFile(wt, name, []byte(content)); werr != nil {
					return "", werr
				}
				if _, aerr := wt.Add(name); aerr != nil {
					return "", ferrors.Wrap(aerr, ferrors.CategoryGit, "stage reverted path").Build()
				}
				continue
			}
		}
		// Path did not exist in the parent: remove it.
		if _, rerr := wt.Remove(name); rerr != nil {
			return "", ferrors.Wrap(rerr, ferrors.CategoryGit, "remove reverted path").
				WithContext("path", name).Build()
		}
	}

	msg := "revert: " + firstLine(commit.Message)
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: id.signature(g.now())})
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryGit, "commit revert").Build()
	}
	return hash.String(), nil
}

// Unstage drops paths from the index and restores their worktree state
// to HEAD. Used when a saga fails between stage and commit.
func (g *Gateway) Unstage(paths ...string) error {
	g.writer.Lock()
	defer g.writer.Unlock()

	repo, err := g.repo()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryGit, "open worktree").Build()
	}
	if err := wt.Restore(&git.RestoreOptions{Staged: true, Worktree: true, Files: paths}); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryGit, "restore paths").Build()
	}
	return nil
}

// Untracked returns the untracked files in the working tree, used by
// startup reconciliation. A crash between file write and commit leaves
// the record untracked; policy is to report, never auto-commit.
func (g *Gateway) Untracked() ([]string, error) {
	repo, err := g.repo()
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "open worktree").Build()
	}
	status, err := wt.Status()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "read status").Build()
	}
	var out []string
	for path, st := range status {
		if st.Worktree == git.Untracked {
			out = append(out, path)
		}
	}
	return out, nil
}

func (g *Gateway) resolveCommit(repo *git.Repository, rev string) (*object.Commit, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, ferrors.NotFound("unknown revision").WithContext("rev", rev).Build()
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryGit, "load commit").
			WithContext("rev", rev).Build()
	}
	return commit, nil
}

func writeWorktreeFile(wt *git.Worktree, name string, data []byte) error {
	f, err := wt.Filesystem.Create(name)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryGit, "create worktree file").
			WithContext("path", name).Build()
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return ferrors.Wrap(err, ferrors.CategoryGit, "write worktree file").
			WithContext("path", name).Build()
	}
	if err := f.Close(); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryGit, "close worktree file").Build()
	}
	return nil
}

func stagedPaths(status git.Status) []string {
	var out []string
	for path, st := range status {
		switch st.Staging {
		case git.Added, git.Modified, git.Deleted, git.Renamed, git.Copied:
			out = append(out, path)
		}
	}
	return out
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
