// Package project maps edited files to the project they belong to.
package project

import (
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fakeyudi/codepulse/internal/metrics"
)

// NoneName is the project name used for files outside any known project.
const NoneName = "None"

// GitRunner executes a git command and returns its output.
// This abstraction allows mocking in tests.
type GitRunner func(workDir string, args ...string) (string, error)

// defaultGitRunner runs git as a real subprocess.
func defaultGitRunner(workDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = workDir
	out, err := cmd.Output()
	return string(out), err
}

// Resolver resolves file paths to projects. Configured roots win; otherwise
// the enclosing git work tree names the project. Results are cached per
// directory.
type Resolver struct {
	Roots  []string
	Runner GitRunner // if nil, uses the real git subprocess

	mu    sync.Mutex
	cache map[string]metrics.Project
	// noGit is set once git turned out not to be installed.
	noGit bool
}

// Resolve returns the project that owns path.
func (r *Resolver) Resolve(path string) metrics.Project {
	if path == "" {
		return metrics.Project{Name: NoneName}
	}
	path = filepath.Clean(path)

	if root := longestRoot(r.Roots, path); root != "" {
		return metrics.Project{Name: filepath.Base(root), Directory: root}
	}

	dir := filepath.Dir(path)
	r.mu.Lock()
	if p, ok := r.cache[dir]; ok {
		r.mu.Unlock()
		return p
	}
	noGit := r.noGit
	r.mu.Unlock()
	if noGit {
		return metrics.Project{Name: NoneName}
	}

	p, ok := r.fromGit(dir)
	if !ok {
		return p
	}

	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[string]metrics.Project)
	}
	r.cache[dir] = p
	r.mu.Unlock()
	return p
}

// fromGit asks git for the enclosing work tree. ok is false when the answer
// should not be cached per directory: git failed for a reason other than the
// directory being outside a repository. A missing git binary is remembered
// for the whole resolver instead.
func (r *Resolver) fromGit(dir string) (p metrics.Project, ok bool) {
	runner := r.Runner
	if runner == nil {
		runner = defaultGitRunner
	}
	out, err := runner(dir, "rev-parse", "--show-toplevel")
	if errors.Is(err, exec.ErrNotFound) {
		r.mu.Lock()
		r.noGit = true
		r.mu.Unlock()
		return metrics.Project{Name: NoneName}, false
	}
	if err != nil {
		return metrics.Project{Name: NoneName}, IsNotRepository(err)
	}
	top := strings.TrimSpace(out)
	if top == "" {
		return metrics.Project{Name: NoneName}, true
	}
	return metrics.Project{Name: filepath.Base(top), Directory: top}, true
}

// longestRoot returns the most specific root containing path, or "".
func longestRoot(roots []string, path string) string {
	best := ""
	for _, root := range roots {
		root = filepath.Clean(root)
		if !within(path, root) {
			continue
		}
		if len(root) > len(best) {
			best = root
		}
	}
	return best
}

// within reports whether path is root or lies beneath it.
func within(path, root string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// IsNotRepository reports whether err is git's "not a git repository" exit.
func IsNotRepository(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == 128
	}
	return false
}
