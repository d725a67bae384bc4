package git

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Client defines the interface for git operations on arbitrary repos.
// All methods take a path parameter since remedy operates on multiple repos.
type Client interface {
	RepoRoot(path string) (string, error)
	CurrentCommit(path string) (string, error)
	CurrentBranch(path string) (string, error)
	IsDirty(path string) (bool, error)
	Commit(path, message string) (string, error)
	CreateAnnotatedTag(path, name, message string) error
	DeleteTag(path, name string) error
	TagExists(path, name string) bool
	Checkout(path, ref string) error
	CreateBranch(path, name, startPoint string) error
	StashPush(path, message string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

// gitCmd runs git with credential prompting disabled. Checkpoint create and
// restore run from timers and worker loops, so a hung password prompt would
// stall a session indefinitely.
func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	cmd := exec.Command("git", fullArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentCommit(path string) (string, error) {
	return gitCmd(path, "rev-parse", "HEAD")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Commit stages all changes and commits them, returning the new commit hash.
func (c *RealClient) Commit(path, message string) (string, error) {
	if _, err := gitCmd(path, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := gitCmd(path, "commit", "-m", message); err != nil {
		return "", err
	}
	return c.CurrentCommit(path)
}

func (c *RealClient) CreateAnnotatedTag(path, name, message string) error {
	_, err := gitCmd(path, "tag", "-a", name, "-m", message)
	return err
}

func (c *RealClient) DeleteTag(path, name string) error {
	_, err := gitCmd(path, "tag", "-d", name)
	return err
}

func (c *RealClient) TagExists(path, name string) bool {
	_, err := gitCmd(path, "rev-parse", "--verify", "refs/tags/"+name)
	return err == nil
}

func (c *RealClient) Checkout(path, ref string) error {
	_, err := gitCmd(path, "checkout", ref)
	return err
}

func (c *RealClient) CreateBranch(path, name, startPoint string) error {
	args := []string{"checkout", "-b", name}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := gitCmd(path, args...)
	return err
}

func (c *RealClient) StashPush(path, message string) error {
	_, err := gitCmd(path, "stash", "push", "-u", "-m", message)
	return err
}
