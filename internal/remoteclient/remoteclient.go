// Package remoteclient defines the abstract backend surface a remote
// TreeStore drives (spec §1, §9): the specific third-party API
// (authentication, HTTP transport, pagination) is deliberately out of
// scope, named only through this interface, following the teacher's own
// graph.Provider abstraction (internal/graph/provider.go) over the
// Microsoft Graph API — same method-naming idiom (GetItem,
// GetItemChildren, Mkdir, Rename, Remove), generalized to the remote
// object model spec §9 names.
package remoteclient

import (
	"context"
	"time"
)

// Item is a remote backend's view of one object: the shape a
// TreeStore's read-through and rescan paths translate into node.Node.
type Item struct {
	ID         string
	Name       string
	ParentIDs  []string // more than one iff the backend supports multi-parenting
	IsFolder   bool
	Size       uint64
	ModifyTS   time.Time
	MD5        string
	SHA256     string
	IsTrashed  bool
}

// ChangeBatch is one page of a changes feed: zero or more upserted or
// removed items plus the token to resume from.
type ChangeBatch struct {
	Upserted  []Item
	RemovedID []string
	NextToken string
	HasMore   bool
}

// Client is the abstract remote backend surface (spec §9's named
// RemoteClient operations).
type Client interface {
	// ListChildren returns every direct child of parentID.
	ListChildren(ctx context.Context, parentID string) ([]Item, error)

	// GetByID fetches a single item by its backend-assigned id.
	GetByID(ctx context.Context, id string) (Item, error)

	// CreateFolder creates a new folder named name under parentID.
	CreateFolder(ctx context.Context, parentID, name string) (Item, error)

	// UploadFile creates or replaces the content of a file named name
	// under parentID, returning the resulting item.
	UploadFile(ctx context.Context, parentID, name string, content []byte) (Item, error)

	// ModifyMeta renames and/or reparents an existing item.
	ModifyMeta(ctx context.Context, id, newName, newParentID string) (Item, error)

	// Trash marks id as trashed without permanently deleting it.
	Trash(ctx context.Context, id string) error

	// HardDelete permanently deletes id, bypassing any trash.
	HardDelete(ctx context.Context, id string) error

	// ChangesStartToken returns a token usable as the first argument to
	// ChangesList for a from-scratch changes feed.
	ChangesStartToken(ctx context.Context) (string, error)

	// ChangesList returns the next page of changes since token.
	ChangesList(ctx context.Context, token string) (ChangeBatch, error)
}
