package cloud

import (
	"errors"
	"fmt"
)

// ErrRootDownload is returned when downloading the root of a personal cloud.
var ErrRootDownload = errors.New("cloud: the personal cloud root cannot be downloaded")

// ErrNoDownloader is returned by downloads on a tree built without a Downloader.
var ErrNoDownloader = errors.New("cloud: no downloader configured")

// FetchError is returned when listing a folder fails or the listing is
// malformed. The folder keeps its previous children.
type FetchError struct {
	Location Location
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NotAFolderError is returned when a path descends through a file.
type NotAFolderError struct {
	Path string // path of the file that was descended through
	Rest string // remaining path below it
}

func (e *NotAFolderError) Error() string {
	return fmt.Sprintf("%s is not a folder (cannot resolve %q below it)", e.Path, e.Rest)
}

// AsFetchError checks if an error is a FetchError and returns it.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsNotAFolder reports whether err is a NotAFolderError.
func IsNotAFolder(err error) bool {
	var nf *NotAFolderError
	return errors.As(err, &nf)
}

func wrapFetch(loc Location, err error) error {
	if fe, ok := AsFetchError(err); ok {
		return fe
	}
	return &FetchError{Location: loc, Err: err}
}
