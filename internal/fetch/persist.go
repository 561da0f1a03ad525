package fetch

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/samcharles93/tokfetch/internal/logger"
	"github.com/samcharles93/tokfetch/internal/tokenizer"
)

// Persist writes every file of p into dir, creating dir when needed.
// Existing files with the same names are replaced; other files in dir are
// left alone. special_tokens_map.json is derived from the parsed special
// tokens when the registry did not publish one. It returns the written
// file names, sorted.
func (f *Fetcher) Persist(ctx context.Context, p *tokenizer.Pretrained, dir string) ([]string, error) {
	return f.persist(ctx, f.log(), p, dir)
}

func (f *Fetcher) persist(ctx context.Context, log logger.Logger, p *tokenizer.Pretrained, dir string) ([]string, error) {
	if p == nil {
		return nil, fmt.Errorf("persist: nil tokenizer")
	}
	if dir == "" {
		return nil, ioError("persist", dir, fmt.Errorf("output directory is empty"))
	}

	files := make(map[string][]byte, len(p.Files)+1)
	for name, data := range p.Files {
		files[name] = data
	}
	if _, ok := files[tokenizer.FileSpecialTokensMap]; !ok {
		derived, err := tokenizer.SpecialTokensMap(p.Config)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", tokenizer.FileSpecialTokensMap, err)
		}
		files[tokenizer.FileSpecialTokensMap] = derived
		log.Debug("derived special tokens map", "tokens", len(p.Config.SpecialTokens))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioError("mkdir", dir, err)
	}
	names := slices.Sorted(maps.Keys(files))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		if err := writeFile(path, files[name]); err != nil {
			return nil, err
		}
		log.Debug("wrote", "path", path, "bytes", len(files[name]))
	}
	return names, nil
}

// writeFile replaces path with data through a temporary sibling so readers
// never observe a partial file.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError("mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return ioError("create", path, err)
	}
	tmpName := tmp.Name()
	fail := func(op string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return ioError(op, path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return ioError("chmod", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return ioError("rename", path, err)
	}
	return nil
}

// Verify loads dir back and checks that it reproduces p's vocabulary size
// and special-token set.
func Verify(p *tokenizer.Pretrained, dir string) error {
	loaded, err := tokenizer.LoadDir(dir)
	if err != nil {
		return ioError("load", dir, err)
	}
	if err := p.Compare(loaded); err != nil {
		return fmt.Errorf("verify %s: %w", dir, err)
	}
	return nil
}
