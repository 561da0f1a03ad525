package hub

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	hfhub "github.com/gomlx/go-huggingface/hub"

	"github.com/samcharles93/tokfetch/internal/logger"
)

const (
	DefaultEndpoint    = "https://huggingface.co"
	DefaultRevision    = "main"
	DefaultMaxFileSize = 512 << 20
	DefaultTimeout     = 60 * time.Second

	HeaderRepoCommit   = hfhub.HeaderXRepoCommit
	HeaderErrorCode    = "X-Error-Code"
	HeaderErrorMessage = "X-Error-Message"
)

// Config configures a Client. Zero values select the defaults above.
type Config struct {
	Endpoint string
	Token    string
	// CacheDir is the shared file cache downloads are stored in.
	// Defaults to the go-huggingface default cache directory.
	CacheDir    string
	Timeout     time.Duration
	MaxFileSize int64
	Logger      logger.Logger
}

// Client downloads repository metadata and files from a model registry
// into the shared file cache.
type Client struct {
	endpoint    string
	token       string
	cacheDir    string
	timeout     time.Duration
	maxFileSize int64
	log         logger.Logger

	mu    sync.Mutex
	repos map[string]*repoHandle
}

// repoHandle serializes use of a go-huggingface Repo, which is not safe
// for concurrent use.
type repoHandle struct {
	mu   sync.Mutex
	repo *hfhub.Repo
}

func New(cfg Config) *Client {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	cacheDir := strings.TrimSpace(cfg.CacheDir)
	if cacheDir == "" {
		cacheDir = hfhub.DefaultCacheDir()
	}
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		endpoint:    endpoint,
		token:       strings.TrimSpace(cfg.Token),
		cacheDir:    filepath.Clean(cacheDir),
		timeout:     timeout,
		maxFileSize: maxSize,
		log:         log.WithGroup("hub"),
		repos:       map[string]*repoHandle{},
	}
}

// Info is the subset of repository metadata tokfetch uses.
type Info struct {
	ID    string
	SHA   string
	Files []string
}

// Sibling is one entry of a repository's file listing on the wire.
type Sibling = hfhub.FileInfo

// RepoInfo fetches metadata for id at revision. The response is also
// stored under info/<revision> in the cache.
func (c *Client) RepoInfo(ctx context.Context, id RepoID, revision string) (Info, error) {
	revision = defaultRevision(revision)
	h := c.handle(id, revision)

	start := time.Now()
	var ri *hfhub.RepoInfo
	err := c.do(ctx, h, func(r *hfhub.Repo) error {
		if err := r.DownloadInfo(true); err != nil {
			return err
		}
		ri = r.Info()
		return nil
	})
	if err != nil {
		c.log.Debug("repo info failed", "repo", id.String(), "revision", revision, "error", err)
		return Info{}, classify(err, id, revision, "")
	}

	info := Info{ID: ri.ID, SHA: ri.CommitHash}
	for _, s := range ri.Siblings {
		if s != nil && s.Name != "" {
			info.Files = append(info.Files, s.Name)
		}
	}
	c.log.Debug("repo info", "repo", id.String(), "revision", revision, "sha", info.SHA, "took", time.Since(start))
	return info, nil
}

// Download stores filename at commit in the cache and returns the path of
// its snapshot entry. Files over the size limit, or whose content does not
// hash to the ETag they were stored under, are removed again. Errors from
// the local filesystem are returned as they are, not as ResolutionErrors.
func (c *Client) Download(ctx context.Context, id RepoID, commit, filename string) (string, error) {
	rerr := func(kind Kind, err error) error {
		return &ResolutionError{Repo: id.String(), Revision: commit, File: filename, Kind: kind, Err: err}
	}
	if !IsCommit(commit) {
		return "", rerr(KindInvalid, fmt.Errorf("%q is not a commit hash", commit))
	}
	h := c.handle(id, commit)

	start := time.Now()
	var path string
	err := c.do(ctx, h, func(r *hfhub.Repo) error {
		p, err := r.DownloadFile(filename)
		path = p
		return err
	})
	if err != nil {
		c.log.Debug("download failed", "repo", id.String(), "file", filename, "error", err)
		return "", classify(err, id, commit, filename)
	}

	want := filepath.Join(c.cacheDir, id.CacheName(), "snapshots", commit, filepath.FromSlash(filename))
	if filepath.Clean(path) != want {
		return "", rerr(KindIntegrity, fmt.Errorf("stored as %s, expected %s", path, want))
	}
	size, err := c.check(path)
	if err != nil {
		var re *ResolutionError
		if errors.As(err, &re) {
			re.Repo, re.Revision, re.File = id.String(), commit, filename
			discard(path)
		}
		return "", err
	}
	c.log.Debug("downloaded", "repo", id.String(), "file", filename, "bytes", size, "took", time.Since(start))
	return path, nil
}

func (c *Client) handle(id RepoID, revision string) *repoHandle {
	key := id.String() + "@" + revision
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.repos[key]; ok {
		return h
	}
	r := hfhub.New(id.String()).
		WithEndpoint(c.endpoint).
		WithAuth(c.token).
		WithRevision(revision).
		WithCacheDir(c.cacheDir).
		WithProgressBar(false)
	r.Verbosity = 0
	r.MaxParallelDownload = 1
	h := &repoHandle{repo: r}
	c.repos[key] = h
	return h
}

// do runs fn against h's repo. go-huggingface takes no context, so do
// stops waiting when ctx ends and leaves fn to finish in the background.
func (c *Client) do(ctx context.Context, h *repoHandle, fn func(*hfhub.Repo) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		done <- fn(h.repo)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// check enforces the size limit on a stored file and verifies its content
// against the blob name, which is the file's ETag: a sha256 for LFS files
// and a git blob sha1 otherwise.
func (c *Client) check(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if st.Size() > c.maxFileSize {
		return 0, &ResolutionError{Kind: KindTooLarge, Err: fmt.Errorf("%d bytes > %d", st.Size(), c.maxFileSize)}
	}
	link, err := os.Readlink(path)
	if err != nil {
		// Not a blob link, nothing to verify against.
		return st.Size(), nil
	}
	etag := filepath.Base(link)
	var sum hash.Hash
	switch {
	case isHex(etag, sha256.Size):
		sum = sha256.New()
	case isHex(etag, sha1.Size):
		sum = sha1.New()
		fmt.Fprintf(sum, "blob %d\x00", st.Size())
	default:
		return st.Size(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(sum, f); err != nil {
		return 0, err
	}
	if got := hex.EncodeToString(sum.Sum(nil)); !strings.EqualFold(got, etag) {
		return 0, &ResolutionError{Kind: KindIntegrity, Err: fmt.Errorf("content hashes to %s, etag is %s", got, etag)}
	}
	return st.Size(), nil
}

// discard removes a snapshot entry together with the blob it links to.
func discard(path string) {
	if link, err := os.Readlink(path); err == nil {
		if !filepath.IsAbs(link) {
			link = filepath.Join(filepath.Dir(path), link)
		}
		_ = os.Remove(link)
	}
	_ = os.Remove(path)
}

// statusRe finds the HTTP status in go-huggingface error messages, which
// report it either as `bad status code 404: "<X-Error-Message>"` or as
// `failed with the following message: "404 Not Found"`.
var statusRe = regexp.MustCompile(`(?:bad status code |following message: ")(\d{3})`)

// classify maps a go-huggingface error to a ResolutionError. Filesystem
// errors pass through unchanged so callers can report them as I/O failures.
func classify(err error, id RepoID, revision, file string) error {
	var re *ResolutionError
	if errors.As(err, &re) {
		return err
	}
	rerr := func(kind Kind, status int) error {
		return &ResolutionError{Repo: id.String(), Revision: revision, File: file, Kind: kind, Status: status, Err: err}
	}

	if m := statusRe.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		return rerr(statusKind(status, err.Error()), status)
	}

	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return rerr(KindUnreachable, 0)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return rerr(KindUnreachable, 0)
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return err
	}
	return rerr(KindHTTP, 0)
}

// statusKind classifies a failed response by the registry's error message
// first and its status code second.
func statusKind(status int, msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "revision not found"), strings.Contains(msg, "invalid rev id"):
		return KindRevisionNotFound
	case strings.Contains(msg, "repository not found"), strings.Contains(msg, "entry not found"):
		return KindNotFound
	case strings.Contains(msg, "gated"):
		return KindGated
	}
	switch status {
	case 401:
		return KindUnauthorized
	case 403:
		return KindGated
	case 404:
		return KindNotFound
	}
	return KindHTTP
}

func defaultRevision(rev string) string {
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return DefaultRevision
	}
	return rev
}

func isHex(s string, bytes int) bool {
	if len(s) != 2*bytes {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
