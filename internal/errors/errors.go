// Package errors provides the engine's error wrapping conventions and the
// sentinel errors named by the cache and operation engine's design.
package errors

import (
	"errors"
	"fmt"
)

// Unwrap, Is, As, New and Wrap/Wrapf are thin re-exports of the standard
// library so every package in the engine imports one errors package.
func Unwrap(err error) error                  { return errors.Unwrap(err) }
func Is(err, target error) bool               { return errors.Is(err, target) }
func As(err error, target interface{}) bool   { return errors.As(err, target) }
func New(message string) error                { return errors.New(message) }

// Wrap attaches a message to err, preserving the chain for Is/As.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Sentinel errors named by the engine's design. Call sites should compare
// with Is rather than switching on strings.
var (
	// CacheNotLoaded: a filtered/child-list query arrived before the
	// relevant cache finished loading.
	CacheNotLoaded = errors.New("cache not loaded")
	// CacheNotFound: the registry has no cache for the requested subtree
	// and the caller disallowed creating one.
	CacheNotFound = errors.New("cache not found for subtree")
	// NodeNotFound: a read-through lookup found nothing at any tier.
	NodeNotFound = errors.New("node not found")
	// NodeNotPresent: an in-memory tree lookup for an absent node.
	NodeNotPresent = errors.New("node not present in memory tree")
	// InvalidNodeForStore: a node was handed to a TreeStore it cannot own
	// (e.g. a remote node upserted into a local store).
	InvalidNodeForStore = errors.New("node is not valid for this store")
	// CannotRemoveNonEmpty: remove_single_node called on a directory with
	// children, for a store that requires empty directories.
	CannotRemoveNonEmpty = errors.New("cannot remove non-empty directory")
	// NotADir: overwrite_dir_entries called against a file node.
	NotADir = errors.New("target is not a directory")
	// SrcEqualsDst: move_local_subtree called with identical src and dst.
	SrcEqualsDst = errors.New("source and destination are identical")
	// EmptyPath: move_local_subtree called with an empty path argument.
	EmptyPath = errors.New("path argument is empty")
	// InvalidInsertOpGraph: a structural violation during single-op
	// insertion (double remove, remove into a dir being removed, ...).
	InvalidInsertOpGraph = errors.New("invalid op graph insertion")
	// UnsuccessfulBatchInsert: a batch was rolled back; it remains in the
	// op store but not in the graph.
	UnsuccessfulBatchInsert = errors.New("batch insert failed and was rolled back")
	// MappingConflict: an identity mapper was asked to bind a UID to a
	// second key.
	MappingConflict = errors.New("uid already mapped to a different key")
	// ResultsExceeded: a child listing exceeded the caller's max.
	ResultsExceeded = errors.New("result count exceeds requested maximum")
	// ContentMetaNotFound: a ContentMeta UID was looked up but no record
	// exists for it (a dedup-key->uid mapping pointed at a row that was
	// never written, or was deleted out from under the caller).
	ContentMetaNotFound = errors.New("content meta not found")
)
