// Package mirror serves tokenizer directories written by fetch with the
// registry's HTTP API, so other clients can resolve against a local copy.
//
// The root directory is laid out as <root>/<namespace>/<name>/<files>.
package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/tokfetch/internal/hub"
	"github.com/samcharles93/tokfetch/internal/logger"
)

var (
	errRepoNotFound     = errors.New("repository not found")
	errRevisionNotFound = errors.New("revision not found")
	errEntryNotFound    = errors.New("entry not found")
)

// Config configures a Server.
type Config struct {
	Root string
	// Token, when set, must be presented as a bearer token on every request.
	Token  string
	Logger logger.Logger
}

// Server answers registry API requests from a directory tree.
type Server struct {
	root  string
	token string
	log   logger.Logger
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		root:  filepath.Clean(cfg.Root),
		token: strings.TrimSpace(cfg.Token),
		log:   log.WithGroup("mirror"),
	}
}

// Register mounts the registry routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/api/models", s.handleList, s.authenticate)
	e.GET("/api/models/:ns/:name", s.handleInfo, s.authenticate)
	e.GET("/api/models/:ns/:name/revision/:rev", s.handleInfo, s.authenticate)
	// Clients read ETag and size with HEAD before downloading.
	e.Match([]string{http.MethodGet, http.MethodHead}, "/:ns/:name/resolve/:rev/*", s.handleResolve, s.authenticate)
}

// Echo returns an echo instance with the mirror routes and the standard middleware.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

// repo is a served repository snapshot.
type repo struct {
	id     hub.RepoID
	dir    string
	files  []string
	commit string
}

// RepoInfo is the body of the repo info endpoints.
type RepoInfo struct {
	ID       string        `json:"id"`
	ModelID  string        `json:"modelId"`
	SHA      string        `json:"sha"`
	Private  bool          `json:"private"`
	Gated    bool          `json:"gated"`
	Siblings []hub.Sibling `json:"siblings"`
}

func (r *repo) info() RepoInfo {
	siblings := make([]hub.Sibling, 0, len(r.files))
	for _, f := range r.files {
		siblings = append(siblings, hub.Sibling{Name: f})
	}
	return RepoInfo{
		ID:       r.id.String(),
		ModelID:  r.id.String(),
		SHA:      r.commit,
		Siblings: siblings,
	}
}

func (r *repo) matches(rev string) bool {
	return rev == "" || rev == hub.DefaultRevision || rev == r.commit
}

// load reads the repository ns/name from disk. The commit is derived from
// file names and contents, so it only changes when the files do.
func (s *Server) load(ns, name string) (*repo, error) {
	id, err := hub.ParseRepoID(ns + "/" + name)
	if err != nil {
		return nil, errRepoNotFound
	}
	dir := filepath.Join(s.root, id.Namespace, id.Name)
	ents, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errRepoNotFound
	}
	if err != nil {
		return nil, err
	}

	r := &repo{id: id, dir: dir}
	h := sha256.New()
	for _, e := range ents {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		r.files = append(r.files, e.Name())
	}
	if len(r.files) == 0 {
		return nil, errRepoNotFound
	}
	slices.Sort(r.files)
	for _, f := range r.files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		h.Write([]byte(f))
		h.Write([]byte{0})
		h.Write(sum[:])
	}
	r.commit = hex.EncodeToString(h.Sum(nil))[:40]
	return r, nil
}

// list returns every <ns>/<name> directory under root that holds files.
func (s *Server) list() ([]*repo, error) {
	namespaces, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []*repo
	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(s.root, ns.Name()))
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !n.IsDir() {
				continue
			}
			r, err := s.load(ns.Name(), n.Name())
			if errors.Is(err, errRepoNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Server) handleList(c *echo.Context) error {
	repos, err := s.list()
	if err != nil {
		s.log.Error("list repositories", "error", err)
		return writeError(c, http.StatusInternalServerError, "", "internal error")
	}
	out := make([]RepoInfo, 0, len(repos))
	for _, r := range repos {
		out = append(out, r.info())
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleInfo(c *echo.Context) error {
	r, err := s.load(c.Param("ns"), c.Param("name"))
	if err != nil {
		return s.repoError(c, err)
	}
	if !r.matches(c.Param("rev")) {
		return s.repoError(c, errRevisionNotFound)
	}
	c.Response().Header().Set(hub.HeaderRepoCommit, r.commit)
	return writeJSON(c, http.StatusOK, r.info())
}

func (s *Server) handleResolve(c *echo.Context) error {
	r, err := s.load(c.Param("ns"), c.Param("name"))
	if err != nil {
		return s.repoError(c, err)
	}
	if !r.matches(c.Param("rev")) {
		return s.repoError(c, errRevisionNotFound)
	}

	file := c.Param("*")
	if !slices.Contains(r.files, file) {
		return s.repoError(c, errEntryNotFound)
	}
	data, err := os.ReadFile(filepath.Join(r.dir, file))
	if err != nil {
		return s.repoError(c, err)
	}
	sum := sha256.Sum256(data)

	h := c.Response().Header()
	h.Set(hub.HeaderRepoCommit, r.commit)
	h.Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
	return c.Blob(http.StatusOK, contentType(file), data)
}

func (s *Server) repoError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, errRepoNotFound):
		return writeError(c, http.StatusUnauthorized, "RepoNotFound", "Repository not found")
	case errors.Is(err, errRevisionNotFound):
		return writeError(c, http.StatusNotFound, "RevisionNotFound", "Invalid rev id: "+c.Param("rev"))
	case errors.Is(err, errEntryNotFound):
		return writeError(c, http.StatusNotFound, "EntryNotFound", "Entry not found")
	default:
		s.log.Error("serve repository", "ns", c.Param("ns"), "name", c.Param("name"), "error", err)
		return writeError(c, http.StatusInternalServerError, "", "internal error")
	}
}

// authenticate rejects requests without the configured bearer token.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.token == "" {
			return next(c)
		}
		got, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(got) != s.token {
			return writeError(c, http.StatusUnauthorized, "", "Invalid credentials in Authorization header")
		}
		return next(c)
	}
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func writeError(c *echo.Context, status int, code, msg string) error {
	h := c.Response().Header()
	if code != "" {
		h.Set(hub.HeaderErrorCode, code)
	}
	h.Set(hub.HeaderErrorMessage, msg)
	return writeJSON(c, status, map[string]string{"error": msg})
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return echo.MIMEApplicationJSON
	case ".txt", ".jinja":
		return echo.MIMETextPlainCharsetUTF8
	default:
		return echo.MIMEOctetStream
	}
}
