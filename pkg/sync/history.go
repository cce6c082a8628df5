package sync

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

const historyIgnore = "backups/\n*.db\n*.db-journal\n.*.json.*\n"

// GitHistory commits the data directory to a local git repository so every
// download or conflict resolution can be inspected and reverted.
type GitHistory struct {
	RepoPath string
	// Push sends each commit to the "origin" remote when set.
	Push bool
	// SSHKeyPath is used for pushing. Empty means ~/.ssh/id_rsa.
	SSHKeyPath string
}

// NewGitHistory creates a history over repoPath.
func NewGitHistory(repoPath string, push bool) *GitHistory {
	return &GitHistory{RepoPath: repoPath, Push: push}
}

// Commit stages every change in the data directory and commits it. A clean
// worktree is not an error.
func (g *GitHistory) Commit(message string) error {
	r, err := g.open()
	if err != nil {
		return err
	}

	w, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to add changes: %w", err)
	}

	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	if message == "" {
		message = fmt.Sprintf("Auto-sync: %s", time.Now().Format(time.RFC3339))
	}
	_, err = w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Agenda Pilot",
			Email: "pilot@agenda.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	if !g.Push {
		return nil
	}
	return g.push(r)
}

func (g *GitHistory) open() (*git.Repository, error) {
	r, err := git.PlainOpen(g.RepoPath)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("failed to open repo: %w", err)
	}

	r, err = git.PlainInit(g.RepoPath, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init repo: %w", err)
	}
	ignore := filepath.Join(g.RepoPath, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte(historyIgnore), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}
	log.Printf("sync: initialized history repository in %s", g.RepoPath)
	return r, nil
}

func (g *GitHistory) push(r *git.Repository) error {
	keyPath := g.SSHKeyPath
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, ".ssh", "id_rsa")
	}

	opts := &git.PushOptions{}
	publicKeys, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
	if err != nil {
		log.Printf("sync: could not load SSH key: %v, pushing without explicit auth", err)
	} else {
		opts.Auth = publicKeys
	}

	if err := r.Push(opts); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}
