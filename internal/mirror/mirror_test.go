package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/edclient/edclient/internal/ledger"
	"github.com/edclient/edclient/pkg/cloud"
)

type mapFetcher map[string]*cloud.Listing

func (m mapFetcher) FetchListing(ctx context.Context, loc cloud.Location) (*cloud.Listing, error) {
	l, ok := m[loc.Folder]
	if !ok {
		return nil, fmt.Errorf("no listing for %q", loc.Folder)
	}
	return l, nil
}

type fakeDownloader struct {
	mu      sync.Mutex
	content map[string]string
	calls   int
}

func (d *fakeDownloader) Download(ctx context.Context, kind, id string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	body, ok := d.content[id]
	if !ok {
		return nil, errors.New("refused")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type memSink struct {
	mu    sync.Mutex
	files map[string]string
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return n, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = buf.String()
	return n, nil
}

func newTree(t *testing.T, fetcher cloud.Fetcher, dl *fakeDownloader) *cloud.Folder {
	t.Helper()
	root, err := cloud.NewRoot(cloud.Options{
		Space:      cloud.SpaceClass,
		OwnerID:    7,
		Fetcher:    fetcher,
		Downloader: dl,
	}, cloud.Entry{Type: cloud.EntryFolder, Loaded: true, Children: []cloud.Entry{
		{Type: cloud.EntryFolder, Name: "Cours", ID: "cours"},
		{Type: cloud.EntryFile, Name: "readme.txt", ID: "readme", Size: 5},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return root
}

var coursListing = mapFetcher{
	`\Cours`: {Loaded: true, Children: []cloud.Entry{
		{Type: cloud.EntryFile, Name: "TD1.pdf", ID: "td1", Size: 3},
		{Type: cloud.EntryFile, Name: "TD2.pdf", ID: "td2", Size: 3},
	}},
}

func TestKey(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{`\readme.txt`, "readme.txt"},
		{`\Cours\TD1.pdf`, "Cours/TD1.pdf"},
		{``, ""},
	}
	for _, tt := range tests {
		if got := Key(tt.path); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestNew_RequiresSink(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for nil sink")
	}
}

func TestRun_CopiesEveryFile(t *testing.T) {
	dl := &fakeDownloader{content: map[string]string{
		"readme": "hello", "td1": "one", "td2": "two",
	}}
	sink := &memSink{files: map[string]string{}}
	m, err := New(Options{Sink: sink, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}

	res, err := m.Run(context.Background(), newTree(t, coursListing, dl))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Files != 3 || res.Copied != 3 || res.Skipped != 0 || len(res.Failed) != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Bytes != 11 {
		t.Errorf("Bytes = %d, want 11", res.Bytes)
	}

	want := map[string]string{
		"readme.txt":    "hello",
		"Cours/TD1.pdf": "one",
		"Cours/TD2.pdf": "two",
	}
	for key, body := range want {
		if sink.files[key] != body {
			t.Errorf("sink[%q] = %q, want %q", key, sink.files[key], body)
		}
	}
}

func TestRun_SkipsMirroredFiles(t *testing.T) {
	dl := &fakeDownloader{content: map[string]string{
		"readme": "hello", "td1": "one", "td2": "two",
	}}
	sink := &memSink{files: map[string]string{}}
	l := ledger.NewMemory()
	m, _ := New(Options{Sink: sink, Ledger: l})

	if _, err := m.Run(context.Background(), newTree(t, coursListing, dl)); err != nil {
		t.Fatal(err)
	}
	first := dl.calls

	res, err := m.Run(context.Background(), newTree(t, coursListing, dl))
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 3 || res.Copied != 0 {
		t.Errorf("second run = %+v, want 3 skipped", res)
	}
	if dl.calls != first {
		t.Errorf("second run downloaded %d files", dl.calls-first)
	}
	if l.Len() != 3 {
		t.Errorf("ledger has %d entries, want 3", l.Len())
	}
}

func TestRun_ChangedSizeIsCopiedAgain(t *testing.T) {
	dl := &fakeDownloader{content: map[string]string{
		"readme": "hello", "td1": "one", "td2": "two",
	}}
	sink := &memSink{files: map[string]string{}}
	m, _ := New(Options{Sink: sink})
	if _, err := m.Run(context.Background(), newTree(t, coursListing, dl)); err != nil {
		t.Fatal(err)
	}

	changed := mapFetcher{
		`\Cours`: {Loaded: true, Children: []cloud.Entry{
			{Type: cloud.EntryFile, Name: "TD1.pdf", ID: "td1", Size: 4},
			{Type: cloud.EntryFile, Name: "TD2.pdf", ID: "td2", Size: 3},
		}},
	}
	dl.content["td1"] = "one!"
	res, err := m.Run(context.Background(), newTree(t, changed, dl))
	if err != nil {
		t.Fatal(err)
	}
	if res.Copied != 1 || res.Skipped != 2 {
		t.Errorf("result = %+v, want 1 copied and 2 skipped", res)
	}
	if sink.files["Cours/TD1.pdf"] != "one!" {
		t.Errorf("TD1 = %q", sink.files["Cours/TD1.pdf"])
	}
}

func TestRun_FileFailureDoesNotStopRun(t *testing.T) {
	dl := &fakeDownloader{content: map[string]string{"readme": "hello", "td1": "one"}}
	sink := &memSink{files: map[string]string{}}
	l := ledger.NewMemory()
	m, _ := New(Options{Sink: sink, Ledger: l})

	res, err := m.Run(context.Background(), newTree(t, coursListing, dl))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Copied != 2 {
		t.Errorf("Copied = %d, want 2", res.Copied)
	}
	if len(res.Failed) != 1 || res.Failed[0].Path != `\Cours\TD2.pdf` {
		t.Fatalf("Failed = %v", res.Failed)
	}
	if l.Len() != 2 {
		t.Errorf("failed file should not be recorded, ledger has %d", l.Len())
	}
}

func TestRun_TreeLoadFailure(t *testing.T) {
	dl := &fakeDownloader{content: map[string]string{}}
	sink := &memSink{files: map[string]string{}}
	m, _ := New(Options{Sink: sink})

	_, err := m.Run(context.Background(), newTree(t, mapFetcher{}, dl))
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := cloud.AsFetchError(err); !ok {
		t.Errorf("error = %v, want a FetchError", err)
	}
	if len(sink.files) != 0 {
		t.Errorf("nothing should be written, got %d files", len(sink.files))
	}
}

func TestRun_Cancelled(t *testing.T) {
	dl := &fakeDownloader{content: map[string]string{}}
	m, _ := New(Options{Sink: &memSink{files: map[string]string{}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Run(ctx, newTree(t, coursListing, dl)); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDirSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	if err != nil {
		t.Fatal(err)
	}

	n, err := sink.Put(context.Background(), "Cours/TD1.pdf", strings.NewReader("content"), 7)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 7 {
		t.Errorf("n = %d, want 7", n)
	}
	data, err := os.ReadFile(filepath.Join(dir, "Cours", "TD1.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "Cours"))
	if len(entries) != 1 {
		t.Errorf("expected only the final file, got %d entries", len(entries))
	}
}

func TestDirSink_RejectsEscapingKeys(t *testing.T) {
	sink, err := NewDirSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "/", "."} {
		if _, err := sink.Put(context.Background(), key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
	}

	// Clean keeps ".." inside the root.
	dest, err := sink.resolve("../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dest, sink.Root()) {
		t.Errorf("resolve escaped root: %s", dest)
	}
}

func TestDirSink_ResolveBelowFilesystemRoot(t *testing.T) {
	root := string(filepath.Separator)
	if vol := filepath.VolumeName(os.TempDir()); vol != "" {
		root = vol + root
	}
	sink := &DirSink{root: root}

	dest, err := sink.resolve("Cours/TD1.pdf")
	if err != nil {
		t.Fatalf("resolve under %q: %v", root, err)
	}
	if want := filepath.Join(root, "Cours", "TD1.pdf"); dest != want {
		t.Errorf("dest = %q, want %q", dest, want)
	}
}

func TestRun_DuplicateSiblings(t *testing.T) {
	dups := mapFetcher{
		`\Cours`: {Loaded: true, Children: []cloud.Entry{
			{Type: cloud.EntryFile, Name: "dup.txt", ID: "dup1", Size: 5},
			{Type: cloud.EntryFile, Name: "dup.txt", ID: "dup2", Size: 6},
		}},
	}
	dl := &fakeDownloader{content: map[string]string{
		"readme": "hello", "dup1": "first", "dup2": "second",
	}}
	sink := &memSink{files: map[string]string{}}
	l := ledger.NewMemory()
	m, _ := New(Options{Sink: sink, Ledger: l, Workers: 4})

	for run := 1; run <= 2; run++ {
		dl.calls = 0
		res, err := m.Run(context.Background(), newTree(t, dups, dl))
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if len(res.Failed) != 1 || !errors.Is(res.Failed[0].Err, ErrDuplicateKey) {
			t.Fatalf("run %d: Failed = %v, want one duplicate", run, res.Failed)
		}
		if sink.files["Cours/dup.txt"] != "first" {
			t.Errorf("run %d: dup.txt = %q, want the first sibling", run, sink.files["Cours/dup.txt"])
		}
		if run == 2 && dl.calls != 0 {
			t.Errorf("second run downloaded %d files, want 0", dl.calls)
		}
	}
	if l.Len() != 2 {
		t.Errorf("ledger has %d entries, want 2", l.Len())
	}
}
