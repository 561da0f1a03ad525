package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/tokfetch/internal/cache"
	"github.com/samcharles93/tokfetch/internal/hub"
	"github.com/samcharles93/tokfetch/internal/tokenizer"
	"github.com/samcharles93/tokfetch/internal/tokenizer/tokenizertest"
)

const (
	testID     = "org/example-tokenizer"
	testCommit = "1111111111111111111111111111111111111111"
)

// fakeRegistry serves one repository with the registry wire API: JSON
// metadata, HEAD with an ETag, then GET for the content.
type fakeRegistry struct {
	commit string
	files  map[string][]byte
	extra  []string // listed but not served

	mu        sync.Mutex
	downloads map[string]int
}

func newFakeRegistry(files map[string][]byte) *fakeRegistry {
	return &fakeRegistry{commit: testCommit, files: files, extra: []string{"model.safetensors", "config.json"}, downloads: map[string]int{}}
}

func (r *fakeRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := req.URL.Path
	switch {
	case strings.HasPrefix(path, "/api/models/"+testID+"/revision/"):
		rev := strings.TrimPrefix(path, "/api/models/"+testID+"/revision/")
		if rev != "main" && rev != r.commit {
			w.Header().Set(hub.HeaderErrorMessage, "Invalid rev id: "+rev)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var siblings []hub.Sibling
		for name := range r.files {
			siblings = append(siblings, hub.Sibling{Name: name})
		}
		for _, name := range r.extra {
			siblings = append(siblings, hub.Sibling{Name: name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": testID, "sha": r.commit, "siblings": siblings})
	case strings.HasPrefix(path, "/"+testID+"/resolve/"+r.commit+"/"):
		name := strings.TrimPrefix(path, "/"+testID+"/resolve/"+r.commit+"/")
		data, ok := r.files[name]
		if !ok {
			w.Header().Set(hub.HeaderErrorMessage, "Entry not found")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set(hub.HeaderRepoCommit, r.commit)
		w.Header().Set("ETag", `"`+etag(data)+`"`)
		if req.Method != http.MethodGet {
			return
		}
		r.mu.Lock()
		r.downloads[name]++
		r.mu.Unlock()
		_, _ = w.Write(data)
	default:
		w.Header().Set(hub.HeaderErrorMessage, "Repository not found")
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func etag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (r *fakeRegistry) downloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.downloads {
		n += c
	}
	return n
}

func newFetcher(t *testing.T, reg http.Handler, cacheDir string) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	return &Fetcher{
		Hub:   hub.New(hub.Config{Endpoint: srv.URL, CacheDir: cacheDir}),
		Cache: cache.New(cacheDir),
	}
}

func readDir(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	out := make(map[string][]byte, len(ents))
	for _, e := range ents {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		out[e.Name()] = data
	}
	return out
}

func TestFetchAndSave(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(tokenizertest.LlamaFiles())
	f := newFetcher(t, reg, t.TempDir())
	out := filepath.Join(t.TempDir(), "example-tokenizer")

	res, err := f.FetchAndSave(context.Background(), testID, "", out)
	if err != nil {
		t.Fatalf("FetchAndSave: %v", err)
	}
	if res.ID == "" {
		t.Fatal("expected a fetch id")
	}
	if res.Tokenizer.Commit != testCommit || res.Tokenizer.Revision != "main" {
		t.Fatalf("unexpected commit/revision %s/%s", res.Tokenizer.Commit, res.Tokenizer.Revision)
	}

	wantFiles := []string{"special_tokens_map.json", "tokenizer.json", "tokenizer.model", "tokenizer_config.json"}
	if !slices.Equal(res.Files, wantFiles) {
		t.Fatalf("written files %v, want %v", res.Files, wantFiles)
	}
	got := readDir(t, out)
	if len(got) != len(wantFiles) {
		t.Fatalf("output dir holds %d files, want %d", len(got), len(wantFiles))
	}
	for name, data := range tokenizertest.LlamaFiles() {
		if !bytes.Equal(got[name], data) {
			t.Fatalf("%s differs from the registry copy", name)
		}
	}
	if reg.downloadCount() != 3 {
		t.Fatal("non-tokenizer files must not be downloaded")
	}

	st, err := os.Stat(filepath.Join(out, "tokenizer.json"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o644 {
		t.Fatalf("unexpected file mode %v", st.Mode().Perm())
	}
}

func TestFetchAndSaveLoadsBack(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), t.TempDir())
	out := filepath.Join(t.TempDir(), "example-tokenizer")

	res, err := f.FetchAndSave(context.Background(), testID, "main", out)
	if err != nil {
		t.Fatalf("FetchAndSave: %v", err)
	}
	if err := Verify(res.Tokenizer, out); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	loaded, err := tokenizer.LoadDir(out)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if loaded.Config.VocabSize != tokenizertest.LlamaVocabSize {
		t.Fatalf("vocab size %d, want %d", loaded.Config.VocabSize, tokenizertest.LlamaVocabSize)
	}
	if !slices.Equal(loaded.Config.SpecialTokens, tokenizertest.LlamaSpecialTokens) {
		t.Fatalf("special tokens %v, want %v", loaded.Config.SpecialTokens, tokenizertest.LlamaSpecialTokens)
	}
	if loaded.Config.TokenizerClass != tokenizertest.LlamaClass {
		t.Fatalf("class %q", loaded.Config.TokenizerClass)
	}
}

func TestFetchAndSaveIsIdempotent(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "example-tokenizer")
	var runs []map[string][]byte
	for range 2 {
		// Fresh caches so both runs go through the registry.
		f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), t.TempDir())
		if _, err := f.FetchAndSave(context.Background(), testID, "", out); err != nil {
			t.Fatalf("FetchAndSave: %v", err)
		}
		runs = append(runs, readDir(t, out))
	}
	if len(runs[0]) != len(runs[1]) {
		t.Fatalf("file sets differ: %d vs %d", len(runs[0]), len(runs[1]))
	}
	for name, data := range runs[0] {
		if !bytes.Equal(data, runs[1][name]) {
			t.Fatalf("%s is not byte-identical across runs", name)
		}
	}
}

func TestUnknownIdentifierLeavesNoOutput(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), t.TempDir())
	out := filepath.Join(t.TempDir(), "missing-tokenizer")

	_, err := f.FetchAndSave(context.Background(), "org/missing-tokenizer", "", out)
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
	var re *ResolutionError
	if !errors.As(err, &re) || re.Kind != hub.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output directory must not exist, stat err=%v", err)
	}
}

func TestInvalidIdentifier(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(tokenizertest.LlamaFiles())
	f := newFetcher(t, reg, t.TempDir())
	for _, id := range []string{"", "a/b/c", "org/../etc"} {
		_, err := f.Resolve(context.Background(), id, "")
		if kind, _ := hub.KindOf(err); kind != hub.KindInvalid {
			t.Errorf("Resolve(%q): expected invalid, got %v", id, err)
		}
	}
	if reg.downloadCount() != 0 {
		t.Fatal("invalid identifiers must not reach the registry")
	}
}

func TestUnwritableOutput(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), t.TempDir())

	// A regular file where a parent directory is expected fails even for root.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(blocker, "example-tokenizer")

	_, err := f.FetchAndSave(context.Background(), testID, "", out)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if errors.Is(err, ErrResolution) {
		t.Fatalf("IOError must not match ErrResolution: %v", err)
	}
	var ioe *IOError
	if !errors.As(err, &ioe) || ioe.Op != "mkdir" {
		t.Fatalf("expected mkdir IOError, got %#v", err)
	}
}

func TestResolveUsesCache(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(tokenizertest.LlamaFiles())
	f := newFetcher(t, reg, t.TempDir())

	if _, err := f.Resolve(context.Background(), testID, ""); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	first := reg.downloadCount()
	if first != 3 {
		t.Fatalf("expected 3 downloads, got %d", first)
	}
	p, err := f.Resolve(context.Background(), testID, "")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if reg.downloadCount() != first {
		t.Fatalf("second resolve downloaded %d more files", reg.downloadCount()-first)
	}
	if p.Config.VocabSize != tokenizertest.LlamaVocabSize {
		t.Fatalf("vocab size %d", p.Config.VocabSize)
	}
	if commit, ok := f.Cache.Ref(hub.MustParseRepoID(testID), "main"); !ok || commit != testCommit {
		t.Fatalf("ref not recorded: %q %v", commit, ok)
	}
}

func TestResolveOffline(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), cacheDir)

	offline := &Fetcher{Cache: cache.New(cacheDir), Offline: true}
	_, err := offline.Resolve(context.Background(), testID, "")
	if kind, _ := hub.KindOf(err); kind != hub.KindNotCached {
		t.Fatalf("expected not_cached before any fetch, got %v", err)
	}

	if _, err := f.Resolve(context.Background(), testID, ""); err != nil {
		t.Fatalf("online Resolve: %v", err)
	}
	p, err := offline.Resolve(context.Background(), testID, "")
	if err != nil {
		t.Fatalf("offline Resolve: %v", err)
	}
	if p.Commit != testCommit || len(p.Files) != 3 {
		t.Fatalf("unexpected offline result commit=%s files=%v", p.Commit, p.FileNames())
	}
	if _, err := offline.Resolve(context.Background(), testID, testCommit); err != nil {
		t.Fatalf("offline Resolve by commit: %v", err)
	}
}

func TestResolveFallsBackToCacheWhenUnreachable(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), cacheDir)
	if _, err := f.Resolve(context.Background(), testID, ""); err != nil {
		t.Fatalf("online Resolve: %v", err)
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()
	down := &Fetcher{Hub: hub.New(hub.Config{Endpoint: endpoint, CacheDir: cacheDir}), Cache: cache.New(cacheDir)}

	p, err := down.Resolve(context.Background(), testID, "")
	if err != nil {
		t.Fatalf("Resolve with registry down: %v", err)
	}
	if p.Commit != testCommit {
		t.Fatalf("unexpected commit %s", p.Commit)
	}

	_, err = down.Resolve(context.Background(), "org/never-fetched", "")
	if kind, _ := hub.KindOf(err); kind != hub.KindUnreachable {
		t.Fatalf("expected unreachable for uncached repo, got %v", err)
	}
}

func TestResolveRejectsRepoWithoutTokenizer(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry(map[string][]byte{"tokenizer_config.json": []byte(`{}`)})
	f := newFetcher(t, reg, t.TempDir())

	_, err := f.Resolve(context.Background(), testID, "")
	if kind, _ := hub.KindOf(err); kind != hub.KindNotTokenizer {
		t.Fatalf("expected not_tokenizer, got %v", err)
	}
}

func TestResolveRejectsMalformedDefinition(t *testing.T) {
	t.Parallel()

	files := tokenizertest.LlamaFiles()
	files["tokenizer.json"] = []byte(`{"model": `)
	f := newFetcher(t, newFakeRegistry(files), t.TempDir())

	_, err := f.Resolve(context.Background(), testID, "")
	if kind, _ := hub.KindOf(err); kind != hub.KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestResolveUnknownRevision(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), t.TempDir())
	_, err := f.Resolve(context.Background(), testID, "v9")
	if kind, _ := hub.KindOf(err); kind != hub.KindRevisionNotFound {
		t.Fatalf("expected revision_not_found, got %v", err)
	}
}

func TestResolveOfflineReportsMalformedCache(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), cacheDir)
	if _, err := f.Resolve(context.Background(), testID, ""); err != nil {
		t.Fatalf("online Resolve: %v", err)
	}

	// Writing through the snapshot link corrupts the cached blob.
	c := cache.New(cacheDir)
	path := c.SnapshotPath(hub.MustParseRepoID(testID), testCommit, "tokenizer.json")
	if err := os.WriteFile(path, []byte(`{"model": `), 0o644); err != nil {
		t.Fatal(err)
	}

	offline := &Fetcher{Cache: c, Offline: true}
	_, err := offline.Resolve(context.Background(), testID, "")
	if kind, _ := hub.KindOf(err); kind != hub.KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestResolveReportsCacheWriteFailure(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	f := newFetcher(t, newFakeRegistry(tokenizertest.LlamaFiles()), cacheDir)

	// A directory where the partial download of tokenizer.json goes makes
	// writing it into the cache fail, even for root.
	blob := etag(tokenizertest.LlamaFiles()["tokenizer.json"])
	partial := filepath.Join(cacheDir, "models--org--example-tokenizer", "blobs", blob+".downloading")
	if err := os.MkdirAll(partial, 0o755); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "example-tokenizer")

	_, err := f.FetchAndSave(context.Background(), testID, "", out)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if errors.Is(err, ErrResolution) {
		t.Fatalf("cache write failure must not match ErrResolution: %v", err)
	}
	var ioe *IOError
	if !errors.As(err, &ioe) || ioe.Op != "write cache" {
		t.Fatalf("expected write cache IOError, got %#v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output directory must not exist, stat err=%v", err)
	}
}

// failingRegistry lists a tokenizer but cannot store any of its files.
type failingRegistry struct{ err error }

func (r failingRegistry) RepoInfo(context.Context, hub.RepoID, string) (hub.Info, error) {
	return hub.Info{ID: testID, SHA: testCommit, Files: []string{"tokenizer.json"}}, nil
}

func (r failingRegistry) Download(context.Context, hub.RepoID, string, string) (string, error) {
	return "", r.err
}

func TestResolveClassifiesDownloadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		wantIO bool
	}{
		{"disk full", &os.PathError{Op: "write", Path: "blob", Err: errors.New("no space left on device")}, true},
		{"registry", &ResolutionError{Repo: testID, Kind: hub.KindNotFound}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &Fetcher{Hub: failingRegistry{err: tc.err}, Cache: cache.New(t.TempDir())}
			_, err := f.Resolve(context.Background(), testID, "")
			if got := errors.Is(err, ErrIO); got != tc.wantIO {
				t.Fatalf("ErrIO match = %v, want %v (%v)", got, tc.wantIO, err)
			}
			if got := errors.Is(err, ErrResolution); got == tc.wantIO {
				t.Fatalf("ErrResolution match = %v, want %v (%v)", got, !tc.wantIO, err)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause lost: %v", err)
			}
		})
	}
}

func TestPersistKeepsPublishedSpecialTokensMap(t *testing.T) {
	t.Parallel()

	files := tokenizertest.LlamaFiles()
	published := []byte("{\"bos_token\": \"<s>\"}\n")
	files["special_tokens_map.json"] = published
	p, err := tokenizer.New(testID, "main", testCommit, files)
	if err != nil {
		t.Fatalf("tokenizer.New: %v", err)
	}

	out := t.TempDir()
	// Unrelated files survive.
	if err := os.WriteFile(filepath.Join(out, "README.md"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := &Fetcher{}
	if _, err := f.Persist(context.Background(), p, out); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got := readDir(t, out)
	if !bytes.Equal(got["special_tokens_map.json"], published) {
		t.Fatalf("published special_tokens_map.json was rewritten: %q", got["special_tokens_map.json"])
	}
	if string(got["README.md"]) != "keep" {
		t.Fatal("unrelated file was modified")
	}
}

func TestPersistDerivesSpecialTokensMap(t *testing.T) {
	t.Parallel()

	p, err := tokenizer.New(testID, "main", testCommit, tokenizertest.LlamaFiles())
	if err != nil {
		t.Fatalf("tokenizer.New: %v", err)
	}
	out := t.TempDir()
	f := &Fetcher{}
	if _, err := f.Persist(context.Background(), p, out); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(out, "special_tokens_map.json"))
	if err != nil {
		t.Fatal(err)
	}
	want := "{\n  \"bos_token\": \"<s>\",\n  \"eos_token\": \"</s>\",\n  \"unk_token\": \"<unk>\"\n}\n"
	if string(raw) != want {
		t.Fatalf("derived map:\n%s\nwant:\n%s", raw, want)
	}
}

func TestPersistHonoursCancellation(t *testing.T) {
	t.Parallel()

	p, err := tokenizer.New(testID, "main", testCommit, tokenizertest.LlamaFiles())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &Fetcher{}
	if _, err := f.Persist(ctx, p, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	t.Parallel()

	p, err := tokenizer.New(testID, "main", testCommit, tokenizertest.LlamaFiles())
	if err != nil {
		t.Fatal(err)
	}
	other := tokenizertest.WriteDir(t, map[string][]byte{
		"vocab.json": []byte(`{"a":0,"b":1}`),
	})
	err = Verify(p, other)
	var mm *tokenizer.Mismatch
	if !errors.As(err, &mm) {
		t.Fatalf("expected *tokenizer.Mismatch, got %v", err)
	}
	if mm.VocabSize != [2]int{tokenizertest.LlamaVocabSize, 2} {
		t.Fatalf("unexpected vocab sizes %v", mm.VocabSize)
	}

	if err := Verify(p, filepath.Join(t.TempDir(), "absent")); !errors.Is(err, ErrIO) {
		t.Fatalf("expected IOError for a missing directory, got %v", err)
	}
}
