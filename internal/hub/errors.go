package hub

import (
	"errors"
	"fmt"
	"strings"
)

// ErrResolution matches every failure to turn an identifier into a tokenizer definition.
var ErrResolution = errors.New("tokenizer resolution failed")

// Kind classifies a resolution failure.
type Kind string

const (
	KindInvalid          Kind = "invalid"
	KindNotFound         Kind = "not_found"
	KindRevisionNotFound Kind = "revision_not_found"
	KindUnauthorized     Kind = "unauthorized"
	KindGated            Kind = "gated"
	KindUnreachable      Kind = "unreachable"
	KindHTTP             Kind = "http"
	KindTooLarge         Kind = "too_large"
	KindIntegrity        Kind = "integrity"
	KindNotTokenizer     Kind = "not_tokenizer"
	KindNotCached        Kind = "not_cached"
	KindMalformed        Kind = "malformed"
)

// ResolutionError reports why an identifier could not be resolved.
// File is empty when the failure is about the repository as a whole.
type ResolutionError struct {
	Repo     string
	Revision string
	File     string
	Kind     Kind
	Status   int
	Err      error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("resolve ")
	if e.Repo != "" {
		b.WriteString(e.Repo)
	} else {
		b.WriteString("tokenizer")
	}
	if e.Revision != "" {
		b.WriteString("@")
		b.WriteString(e.Revision)
	}
	if e.File != "" {
		b.WriteString(" ")
		b.WriteString(e.File)
	}
	b.WriteString(": ")
	b.WriteString(e.describe())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ResolutionError) describe() string {
	switch e.Kind {
	case KindInvalid:
		return "invalid identifier"
	case KindNotFound:
		return "not found"
	case KindRevisionNotFound:
		return "revision not found"
	case KindUnauthorized:
		return "unauthorized (repository missing, private, or token required)"
	case KindGated:
		return "access denied (gated repository)"
	case KindUnreachable:
		return "registry unreachable"
	case KindTooLarge:
		return "file exceeds size limit"
	case KindIntegrity:
		return "checksum mismatch"
	case KindNotTokenizer:
		return "repository has no tokenizer files"
	case KindNotCached:
		return "not in local cache (offline mode)"
	case KindMalformed:
		return "malformed tokenizer definition"
	case KindHTTP:
		if e.Status == 0 {
			return "unexpected registry response"
		}
		return fmt.Sprintf("unexpected registry status %d", e.Status)
	default:
		return string(e.Kind)
	}
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrResolution}
	}
	return []error{ErrResolution, e.Err}
}

// KindOf returns the Kind of the first ResolutionError in err's chain.
func KindOf(err error) (Kind, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
