// Package zberr defines the closed set of error kinds produced by the
// installer pipeline. Failures that callers branch on carry one of these
// kinds, possibly further down a wrapped chain; other failures (local
// filesystem and similar errors) are returned as plain wrapped errors.
// Callers that need to branch on failure mode use errors.As against *Error
// rather than string matching.
package zberr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the category of failure. The set is closed: callers
// exhaustively switching over Kind do not need a default case to stay
// correct as the package evolves, but should add one anyway for forward
// compatibility with new kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindFormulaNotFound
	KindDependencyCycle // DependencyCycle carries the full residual set, not just one name.
	KindNoMatchingBottle
	KindDigestMismatch
	KindStoreCorruption
	KindLinkConflict
	KindRegistryAuth
	KindNetwork
	KindExtraction
	KindUnsupportedTap
	KindDatabase
)

func (k Kind) String() string {
	switch k {
	case KindFormulaNotFound:
		return "formula_not_found"
	case KindDependencyCycle:
		return "dependency_cycle"
	case KindNoMatchingBottle:
		return "no_matching_bottle"
	case KindDigestMismatch:
		return "digest_mismatch"
	case KindStoreCorruption:
		return "store_corruption"
	case KindLinkConflict:
		return "link_conflict"
	case KindRegistryAuth:
		return "registry_auth"
	case KindNetwork:
		return "network"
	case KindExtraction:
		return "extraction"
	case KindUnsupportedTap:
		return "unsupported_tap"
	case KindDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// Error is the concrete error type for every Kind above. Fields beyond Kind
// and Err are populated on a best-effort basis depending on the kind; zero
// values mean "not applicable", not "empty".
type Error struct {
	Kind Kind

	// Name is the formula or tap name the error pertains to, when there is
	// a single one.
	Name string
	// Names holds the residual set of formulas still unresolved when a
	// dependency cycle is detected, for KindDependencyCycle. Sorted, and
	// always includes Name as its first element.
	Names []string
	// Path is the filesystem path involved, for store/link/extraction
	// errors.
	Path string
	// Want/Got hold the expected and actual digest for KindDigestMismatch.
	Want string
	Got string
	// Conflicts holds the set of paths that collided during a link
	// operation, for KindLinkConflict. Rendered as a single path when
	// len(Conflicts) == 1, or a count otherwise, matching the original's
	// Display branching.
	Conflicts []string

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindFormulaNotFound:
		return fmt.Sprintf("formula not found: %s", e.Name)
	case KindDependencyCycle:
		if len(e.Names) > 1 {
			return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Names, " -> "))
		}
		return fmt.Sprintf("dependency cycle detected involving %s", e.Name)
	case KindNoMatchingBottle:
		return fmt.Sprintf("no bottle available for %s on this platform", e.Name)
	case KindDigestMismatch:
		return fmt.Sprintf("digest mismatch for %s: want %s, got %s", e.Path, e.Want, e.Got)
	case KindStoreCorruption:
		return fmt.Sprintf("corrupt store entry at %s", e.Path)
	case KindLinkConflict:
		if len(e.Conflicts) == 1 {
			return fmt.Sprintf("link conflict at %s", e.Conflicts[0])
		}
		return fmt.Sprintf("%d link conflicts, first at %s", len(e.Conflicts), firstOrEmpty(e.Conflicts))
	case KindRegistryAuth:
		return fmt.Sprintf("registry authentication failed for %s: %v", e.Name, e.Err)
	case KindNetwork:
		return fmt.Sprintf("network error: %v", e.Err)
	case KindExtraction:
		return fmt.Sprintf("error extracting %s: %v", e.Path, e.Err)
	case KindUnsupportedTap:
		return fmt.Sprintf("unsupported tap reference: %s", e.Name)
	case KindDatabase:
		return fmt.Sprintf("database error: %v", e.Err)
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Error has no Is method and Kind does not implement error, so
// errors.Is cannot match on a kind; use the As helper below instead.

func FormulaNotFound(name string) error {
	return &Error{Kind: KindFormulaNotFound, Name: name}
}

// DependencyCycle reports a cycle among the given residual formula names,
// carrying the whole set; the first entry is also exposed as Name for
// callers that only care about a single representative formula.
func DependencyCycle(residual []string) error {
	var name string
	if len(residual) > 0 {
		name = residual[0]
	}
	return &Error{Kind: KindDependencyCycle, Name: name, Names: residual}
}

func NoMatchingBottle(name string) error {
	return &Error{Kind: KindNoMatchingBottle, Name: name}
}

func DigestMismatch(path, want, got string) error {
	return &Error{Kind: KindDigestMismatch, Path: path, Want: want, Got: got}
}

func StoreCorruption(path string, err error) error {
	return &Error{Kind: KindStoreCorruption, Path: path, Err: err}
}

func LinkConflict(conflicts []string) error {
	return &Error{Kind: KindLinkConflict, Conflicts: conflicts}
}

func RegistryAuth(name string, err error) error {
	return &Error{Kind: KindRegistryAuth, Name: name, Err: err}
}

func Network(err error) error {
	return &Error{Kind: KindNetwork, Err: err}
}

func Extraction(path string, err error) error {
	return &Error{Kind: KindExtraction, Path: path, Err: err}
}

func UnsupportedTap(name string) error {
	return &Error{Kind: KindUnsupportedTap, Name: name}
}

func Database(err error) error {
	return &Error{Kind: KindDatabase, Err: err}
}

// As reports whether err's chain contains a *Error of the given Kind, and
// returns it.
func As(err error, kind Kind) (*Error, bool) {
	var zerr *Error
	if !errors.As(err, &zerr) {
		return nil, false
	}
	return zerr, zerr.Kind == kind
}
