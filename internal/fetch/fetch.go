// Package fetch resolves a pretrained tokenizer by identifier and persists
// it to a local directory in the registry's standard layout.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/tokfetch/internal/cache"
	"github.com/samcharles93/tokfetch/internal/hub"
	"github.com/samcharles93/tokfetch/internal/logger"
	"github.com/samcharles93/tokfetch/internal/tokenizer"
)

// Registry is the part of the registry API a Fetcher needs. *hub.Client
// implements it. Download stores the file in the cache the Fetcher reads
// and returns the path of its snapshot entry; errors that are not
// ResolutionErrors are failures to write that cache.
type Registry interface {
	RepoInfo(ctx context.Context, id hub.RepoID, revision string) (hub.Info, error)
	Download(ctx context.Context, id hub.RepoID, commit, filename string) (string, error)
}

// Fetcher resolves tokenizers through a registry and a local cache.
// Offline resolves from Cache only.
type Fetcher struct {
	Hub     Registry
	Cache   *cache.Cache
	Offline bool
	Logger  logger.Logger
}

// Result describes a completed FetchAndSave.
type Result struct {
	ID        string
	Tokenizer *tokenizer.Pretrained
	Dir       string
	Files     []string
}

// FetchAndSave resolves id at revision and writes it into dir. Resolution
// completes before dir is touched, so a failed resolve leaves no output.
func (f *Fetcher) FetchAndSave(ctx context.Context, id, revision, dir string) (*Result, error) {
	runID := uuid.NewString()
	log := f.log().With("fetch_id", runID)

	start := time.Now()
	p, err := f.resolve(ctx, log, id, revision)
	if err != nil {
		return nil, err
	}
	files, err := f.persist(ctx, log, p, dir)
	if err != nil {
		return nil, err
	}
	log.Info("tokenizer saved",
		"repo", p.Repo,
		"commit", p.Commit,
		"dir", dir,
		"files", len(files),
		"bytes", p.Size(),
		"vocab_size", p.Config.VocabSize,
		"took", time.Since(start),
	)
	return &Result{ID: runID, Tokenizer: p, Dir: dir, Files: files}, nil
}

// Resolve obtains the tokenizer definition for id at revision, using the
// local cache when the commit was fetched before and the registry otherwise.
func (f *Fetcher) Resolve(ctx context.Context, id, revision string) (*tokenizer.Pretrained, error) {
	return f.resolve(ctx, f.log(), id, revision)
}

func (f *Fetcher) resolve(ctx context.Context, log logger.Logger, id, revision string) (*tokenizer.Pretrained, error) {
	repo, err := hub.ParseRepoID(id)
	if err != nil {
		return nil, err
	}
	if revision == "" {
		revision = hub.DefaultRevision
	}
	log = log.With("repo", repo.String(), "revision", revision)

	if f.Offline {
		p, err := f.fromCache(repo, revision)
		if err != nil {
			return nil, err
		}
		log.Info("resolved from cache", "commit", p.Commit, "offline", true)
		return p, nil
	}
	if f.Hub == nil {
		return nil, &ResolutionError{Repo: repo.String(), Revision: revision, Kind: hub.KindUnreachable, Err: errors.New("no registry configured")}
	}
	if f.Cache == nil {
		return nil, errors.New("fetch: no cache configured")
	}

	info, err := f.Hub.RepoInfo(ctx, repo, revision)
	if err != nil {
		if kind, _ := hub.KindOf(err); kind == hub.KindUnreachable && ctx.Err() == nil {
			if p, cerr := f.fromCache(repo, revision); cerr == nil {
				log.Warn("registry unreachable, using cached snapshot", "commit", p.Commit, "error", err)
				return p, nil
			}
		}
		return nil, err
	}

	commit := info.SHA
	if !hub.IsCommit(commit) {
		if !hub.IsCommit(revision) {
			return nil, &ResolutionError{Repo: repo.String(), Revision: revision, Kind: hub.KindHTTP, Err: fmt.Errorf("registry returned no commit hash (got %q)", commit)}
		}
		commit = revision
	}

	names := tokenizer.SelectFiles(info.Files)
	if !tokenizer.HasVocabulary(names) {
		return nil, &ResolutionError{Repo: repo.String(), Revision: revision, Kind: hub.KindNotTokenizer, Err: fmt.Errorf("%d files listed, none of them a vocabulary", len(info.Files))}
	}
	log.Debug("repo info", "commit", commit, "files", names)

	files := make(map[string][]byte, len(names))
	downloaded := 0
	for _, name := range names {
		data, hit, err := f.file(ctx, repo, commit, name)
		if err != nil {
			return nil, err
		}
		if !hit {
			downloaded++
			log.Debug("downloaded", "file", name, "bytes", len(data))
		}
		files[name] = data
	}

	p, err := tokenizer.New(repo.String(), revision, commit, files)
	if err != nil {
		return nil, &ResolutionError{Repo: repo.String(), Revision: revision, Kind: hub.KindMalformed, Err: err}
	}
	if err := f.Cache.SetRef(repo, revision, commit); err != nil {
		return nil, ioError("cache ref", f.Cache.RepoDir(repo), err)
	}
	log.Info("resolved", "commit", commit, "files", len(files), "downloaded", downloaded, "cached", len(files)-downloaded)
	return p, nil
}

// file returns the bytes of name at commit, downloading it into the cache
// when it is not there yet. hit reports a cache hit.
func (f *Fetcher) file(ctx context.Context, repo hub.RepoID, commit, name string) (data []byte, hit bool, err error) {
	if f.Cache.Has(repo, commit, name) {
		data, err := f.Cache.ReadFile(repo, commit, name)
		if err != nil {
			return nil, false, ioError("read cache", f.Cache.SnapshotPath(repo, commit, name), err)
		}
		return data, true, nil
	}

	path, err := f.Hub.Download(ctx, repo, commit, name)
	if err != nil {
		if errors.Is(err, ErrResolution) {
			return nil, false, err
		}
		return nil, false, ioError("write cache", f.Cache.SnapshotPath(repo, commit, name), err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return nil, false, ioError("read cache", path, err)
	}
	return data, false, nil
}

// fromCache rebuilds a tokenizer from the cached snapshot of revision.
// A cached definition that fails to parse is reported as malformed, not
// as missing.
func (f *Fetcher) fromCache(repo hub.RepoID, revision string) (*tokenizer.Pretrained, error) {
	rerr := func(kind hub.Kind, err error) error {
		return &ResolutionError{Repo: repo.String(), Revision: revision, Kind: kind, Err: err}
	}
	if f.Cache == nil {
		return nil, rerr(hub.KindNotCached, errors.New("no cache configured"))
	}
	snap, err := f.Cache.Snapshot(repo, revision)
	if err != nil {
		return nil, rerr(hub.KindNotCached, err)
	}
	names := tokenizer.SelectFiles(snap.Files)
	if !tokenizer.HasVocabulary(names) {
		return nil, rerr(hub.KindNotCached, fmt.Errorf("snapshot %s has no vocabulary file: %w", snap.Commit, cache.ErrNotCached))
	}
	files := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := f.Cache.ReadFile(repo, snap.Commit, name)
		if errors.Is(err, cache.ErrNotCached) {
			return nil, rerr(hub.KindNotCached, err)
		}
		if err != nil {
			return nil, ioError("read cache", f.Cache.SnapshotPath(repo, snap.Commit, name), err)
		}
		files[name] = data
	}
	p, err := tokenizer.New(repo.String(), revision, snap.Commit, files)
	if err != nil {
		return nil, rerr(hub.KindMalformed, err)
	}
	return p, nil
}

func (f *Fetcher) log() logger.Logger {
	if f.Logger == nil {
		return logger.Discard()
	}
	return f.Logger
}
