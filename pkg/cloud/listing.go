package cloud

import (
	"context"
	"fmt"
	"io"
)

// Space selects which remote cloud a tree belongs to.
type Space string

const (
	// SpaceClass is a class workspace cloud, owned by a workspace id.
	SpaceClass Space = "W"
	// SpacePersonal is a student's own cloud, owned by the student id.
	SpacePersonal Space = "E"
)

// RootToken addresses the root folder of a cloud in fetch requests.
const RootToken = ""

// DownloadKind is the file type passed to the Downloader for cloud nodes.
const DownloadKind = "CLOUD"

// Location addresses one folder of a remote cloud.
type Location struct {
	Space   Space
	OwnerID int
	Folder  string // RootToken for the root, else the folder's derived path
}

func (l Location) String() string {
	if l.Folder == RootToken {
		return fmt.Sprintf("%s/%d:<root>", l.Space, l.OwnerID)
	}
	return fmt.Sprintf("%s/%d:%s", l.Space, l.OwnerID, l.Folder)
}

// EntryType is the type tag of a listing entry.
type EntryType string

const (
	EntryFile   EntryType = "file"
	EntryFolder EntryType = "folder"
)

// Entry is one node of a listing. Folder entries may carry their own
// children when the server returned more than one level.
type Entry struct {
	Type     EntryType
	Name     string
	ID       string
	Size     int64
	Loaded   bool
	Children []Entry
}

// Listing is the shallow content of a folder as returned by a Fetcher.
type Listing struct {
	Children []Entry
	Loaded   bool
}

// Fetcher lists the direct children of a remote folder.
type Fetcher interface {
	FetchListing(ctx context.Context, loc Location) (*Listing, error)
}

// Downloader streams the content of a remote node. Folders are served as
// zip archives.
type Downloader interface {
	Download(ctx context.Context, kind, id string) (io.ReadCloser, error)
}
