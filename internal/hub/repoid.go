package hub

import (
	"errors"
	"regexp"
	"strings"
)

const maxRepoIDLength = 96

var (
	repoPartRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	commitRe   = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// RepoID names a repository in the registry. Namespace is empty for
// legacy canonical repositories such as "gpt2".
type RepoID struct {
	Namespace string
	Name      string
}

// ParseRepoID validates s and splits it into namespace and name.
func ParseRepoID(s string) (RepoID, error) {
	raw := strings.TrimSpace(s)
	fail := func(msg string) (RepoID, error) {
		return RepoID{}, &ResolutionError{Repo: raw, Kind: KindInvalid, Err: errors.New(msg)}
	}
	if raw == "" {
		return fail("identifier is empty")
	}
	if len(raw) > maxRepoIDLength {
		return fail("identifier is too long")
	}

	parts := strings.Split(raw, "/")
	if len(parts) > 2 {
		return fail(`expected "namespace/name"`)
	}
	for _, p := range parts {
		if p == "" {
			return fail("empty namespace or name")
		}
		if !repoPartRe.MatchString(p) {
			return fail("only letters, digits, '.', '_' and '-' are allowed")
		}
		if strings.HasSuffix(p, ".") || strings.HasSuffix(p, "-") {
			return fail("parts may not end with '.' or '-'")
		}
		if strings.Contains(p, "--") || strings.Contains(p, "..") {
			return fail("'--' and '..' are not allowed")
		}
	}
	if len(parts) == 1 {
		return RepoID{Name: parts[0]}, nil
	}
	return RepoID{Namespace: parts[0], Name: parts[1]}, nil
}

// MustParseRepoID is ParseRepoID for identifiers known to be valid.
func MustParseRepoID(s string) RepoID {
	id, err := ParseRepoID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (r RepoID) String() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "/" + r.Name
}

// CacheName is the directory name used by the registry's cache layout.
func (r RepoID) CacheName() string {
	return "models--" + strings.ReplaceAll(r.String(), "/", "--")
}

// ParseCacheName reverses CacheName.
func ParseCacheName(dir string) (RepoID, bool) {
	rest, ok := strings.CutPrefix(dir, "models--")
	if !ok || rest == "" {
		return RepoID{}, false
	}
	ns, name, found := strings.Cut(rest, "--")
	if !found {
		ns, name = "", rest
	}
	id, err := ParseRepoID(joinID(ns, name))
	if err != nil {
		return RepoID{}, false
	}
	return id, true
}

func joinID(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "/" + name
}

// IsCommit reports whether rev is a full commit hash.
func IsCommit(rev string) bool {
	return commitRe.MatchString(rev)
}
