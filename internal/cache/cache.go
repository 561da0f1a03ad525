// Package cache reads the registry file cache that go-huggingface
// downloads into and that the registry's Python client shares:
//
//	<root>/models--<ns>--<name>/blobs/<etag>
//	<root>/models--<ns>--<name>/info/<revision>
//	<root>/models--<ns>--<name>/refs/<revision>
//	<root>/models--<ns>--<name>/snapshots/<commit>/<file> -> ../../blobs/<etag>
//
// go-huggingface writes blobs, snapshots and info; refs are written here
// once a revision has been fully resolved, as the Python client does.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	hfhub "github.com/gomlx/go-huggingface/hub"

	"github.com/samcharles93/tokfetch/internal/hub"
)

const (
	envHubCache = "HF_HUB_CACHE"
	envHFHome   = "HF_HOME"
)

// ErrNotCached is returned when a revision or file has no local copy.
var ErrNotCached = errors.New("not cached")

// Cache is a registry file cache rooted at a directory.
type Cache struct {
	root string
}

// New returns a Cache rooted at root. The directory is created lazily.
func New(root string) *Cache {
	return &Cache{root: filepath.Clean(root)}
}

// Root is the cache directory.
func (c *Cache) Root() string { return c.root }

// DefaultRoot resolves the cache directory: override, then HF_HUB_CACHE,
// then $HF_HOME/hub, then the go-huggingface default.
func DefaultRoot(override string) (string, error) {
	if v := strings.TrimSpace(override); v != "" {
		return expandHome(v)
	}
	if v := strings.TrimSpace(os.Getenv(envHubCache)); v != "" {
		return expandHome(v)
	}
	if v := strings.TrimSpace(os.Getenv(envHFHome)); v != "" {
		home, err := expandHome(v)
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "hub"), nil
	}
	return filepath.Clean(hfhub.DefaultCacheDir()), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return filepath.Clean(p), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// RepoDir is the directory holding everything cached for id.
func (c *Cache) RepoDir(id hub.RepoID) string {
	return filepath.Join(c.root, id.CacheName())
}

func (c *Cache) refPath(id hub.RepoID, revision string) string {
	return filepath.Join(c.RepoDir(id), "refs", filepath.FromSlash(revision))
}

func (c *Cache) infoPath(id hub.RepoID, revision string) string {
	return filepath.Join(c.RepoDir(id), "info", filepath.FromSlash(revision))
}

// Ref returns the commit revision last resolved to: from refs/ when a
// resolve completed, otherwise from the repository info go-huggingface
// stored for it.
func (c *Cache) Ref(id hub.RepoID, revision string) (string, bool) {
	if !validName(revision) {
		return "", false
	}
	if data, err := os.ReadFile(c.refPath(id, revision)); err == nil {
		if commit := strings.TrimSpace(string(data)); hub.IsCommit(commit) {
			return commit, true
		}
	}
	data, err := os.ReadFile(c.infoPath(id, revision))
	if err != nil {
		return "", false
	}
	var info struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(data, &info); err != nil || !hub.IsCommit(info.SHA) {
		return "", false
	}
	return info.SHA, true
}

// SetRef records that revision resolved to commit. Commit revisions need no ref.
func (c *Cache) SetRef(id hub.RepoID, revision, commit string) error {
	if revision == commit {
		return nil
	}
	if !validName(revision) {
		return fmt.Errorf("invalid revision %q", revision)
	}
	if !hub.IsCommit(commit) {
		return fmt.Errorf("invalid commit %q", commit)
	}
	return writeAtomic(c.refPath(id, revision), []byte(commit))
}

// SnapshotDir is the directory holding the files of one commit.
func (c *Cache) SnapshotDir(id hub.RepoID, commit string) string {
	return filepath.Join(c.RepoDir(id), "snapshots", commit)
}

// SnapshotPath is the location of file within a commit snapshot.
func (c *Cache) SnapshotPath(id hub.RepoID, commit, file string) string {
	return filepath.Join(c.SnapshotDir(id, commit), filepath.FromSlash(file))
}

// Has reports whether file is cached for commit. Snapshot entries are
// symlinks into blobs/, so a dangling link is a miss.
func (c *Cache) Has(id hub.RepoID, commit, file string) bool {
	if !validName(file) || !hub.IsCommit(commit) {
		return false
	}
	st, err := os.Stat(c.SnapshotPath(id, commit, file))
	return err == nil && st.Mode().IsRegular()
}

// ReadFile returns the cached bytes of file at commit.
func (c *Cache) ReadFile(id hub.RepoID, commit, file string) ([]byte, error) {
	if !c.Has(id, commit, file) {
		return nil, fmt.Errorf("%s@%s %s: %w", id, commit, file, ErrNotCached)
	}
	return os.ReadFile(c.SnapshotPath(id, commit, file))
}

// Snapshot is the cached state of one revision.
type Snapshot struct {
	Repo   hub.RepoID
	Commit string
	Dir    string
	Files  []string
}

// Snapshot resolves revision (a branch or tag via Ref, or a commit) and
// lists the files cached for it.
func (c *Cache) Snapshot(id hub.RepoID, revision string) (Snapshot, error) {
	commit := revision
	if !hub.IsCommit(revision) {
		var ok bool
		if commit, ok = c.Ref(id, revision); !ok {
			return Snapshot{}, fmt.Errorf("%s@%s: %w", id, revision, ErrNotCached)
		}
	}
	dir := c.SnapshotDir(id, commit)
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if st, err := os.Stat(path); err != nil || !st.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("%s@%s: %w", id, commit, ErrNotCached)
	}
	if err != nil {
		return Snapshot{}, err
	}
	slices.Sort(files)
	return Snapshot{Repo: id, Commit: commit, Dir: dir, Files: files}, nil
}

// Entry summarizes a cached repository.
type Entry struct {
	Repo      hub.RepoID
	Refs      map[string]string
	Snapshots []string
	Size      int64
	Modified  time.Time
}

// List returns every cached model repository that holds at least one
// snapshot, sorted by identifier. A missing cache root yields no entries.
func (c *Cache) List() ([]Entry, error) {
	ents, err := os.ReadDir(c.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		id, ok := hub.ParseCacheName(e.Name())
		if !ok {
			continue
		}
		entry, err := c.entry(id)
		if err != nil {
			return nil, err
		}
		if len(entry.Snapshots) > 0 {
			out = append(out, entry)
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Repo.String(), b.Repo.String()) })
	return out, nil
}

func (c *Cache) entry(id hub.RepoID) (Entry, error) {
	e := Entry{Repo: id, Refs: map[string]string{}}
	repoDir := c.RepoDir(id)

	// Revisions named by a commit resolve to themselves and are not listed.
	for _, sub := range []string{"info", "refs"} {
		base := filepath.Join(repoDir, sub)
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || strings.HasSuffix(path, ".lock") {
				return nil
			}
			rel, relErr := filepath.Rel(base, path)
			if relErr != nil {
				return nil
			}
			rev := filepath.ToSlash(rel)
			if hub.IsCommit(rev) {
				return nil
			}
			if commit, ok := c.Ref(id, rev); ok {
				e.Refs[rev] = commit
			}
			return nil
		})
	}

	snaps, err := os.ReadDir(filepath.Join(repoDir, "snapshots"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Entry{}, err
	}
	for _, s := range snaps {
		if s.IsDir() && hub.IsCommit(s.Name()) {
			e.Snapshots = append(e.Snapshots, s.Name())
		}
	}
	slices.Sort(e.Snapshots)

	// Snapshot links are skipped so each blob is counted once.
	err = filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e.Size += info.Size()
		if info.ModTime().After(e.Modified) {
			e.Modified = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Remove deletes everything cached for id. Removing an uncached repo is an error.
func (c *Cache) Remove(id hub.RepoID) error {
	dir := c.RepoDir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", id, ErrNotCached)
		}
		return err
	}
	return os.RemoveAll(dir)
}

// writeAtomic writes data through a temporary sibling and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// validName rejects absolute paths and paths that climb out of the cache.
func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
