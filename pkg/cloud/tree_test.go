package cloud

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

// fakeFetcher serves listings keyed by folder path and counts calls.
type fakeFetcher struct {
	mu       sync.Mutex
	listings map[string]*Listing
	fail     map[string]error
	calls    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		listings: map[string]*Listing{
			RootToken: {Loaded: true, Children: []Entry{
				{Type: EntryFolder, Name: "Math", ID: "m"},
				{Type: EntryFile, Name: "x.txt", ID: "x", Size: 3},
				{Type: EntryFolder, Name: "A", ID: "a"},
			}},
			`\Math`: {Loaded: true},
			`\A`: {Loaded: true, Children: []Entry{
				{Type: EntryFolder, Name: "B", ID: "b"},
				{Type: EntryFile, Name: "notes.txt", ID: "n", Size: 10},
			}},
			`\A\B`: {Loaded: true, Children: []Entry{
				{Type: EntryFile, Name: "report.pdf", ID: "r", Size: 42},
			}},
		},
		fail:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *fakeFetcher) FetchListing(ctx context.Context, loc Location) (*Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[loc.Folder]++
	if err := f.fail[loc.Folder]; err != nil {
		return nil, err
	}
	l, ok := f.listings[loc.Folder]
	if !ok {
		return nil, errors.New("no such folder")
	}
	return l, nil
}

func (f *fakeFetcher) count(folder string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[folder]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// newTestRoot returns a root holding the shallow initial listing, not
// marked loaded.
func newTestRoot(t *testing.T, fetcher *fakeFetcher) *Folder {
	t.Helper()
	root, err := NewRoot(Options{Space: SpacePersonal, OwnerID: 7, Fetcher: fetcher}, Entry{
		Type: EntryFolder,
		Name: "root",
		Children: []Entry{
			{Type: EntryFolder, Name: "Math", ID: "m"},
			{Type: EntryFile, Name: "x.txt", ID: "x", Size: 3},
		},
	})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return root
}

func TestNewRoot(t *testing.T) {
	f := newFakeFetcher()

	if _, err := NewRoot(Options{Fetcher: f}, Entry{Type: EntryFile}); err == nil {
		t.Error("NewRoot with a file entry should fail")
	}
	if _, err := NewRoot(Options{}, Entry{Type: EntryFolder}); err == nil {
		t.Error("NewRoot without fetcher should fail")
	}
	if _, err := NewRoot(Options{Fetcher: f}, Entry{Type: EntryFolder, Children: []Entry{{Type: "link", Name: "l"}}}); err == nil {
		t.Error("NewRoot with unknown child type should fail")
	}

	root := newTestRoot(t, f)
	if root.Loaded() {
		t.Error("root should start unloaded")
	}
	if got := len(root.Children()); got != 2 {
		t.Errorf("root has %d children, want 2", got)
	}
	if f.total() != 0 {
		t.Errorf("construction made %d fetches", f.total())
	}
}

func TestNewRootNested(t *testing.T) {
	f := newFakeFetcher()
	root, err := NewRoot(Options{Space: SpaceClass, OwnerID: 3, Fetcher: f}, Entry{
		Type:   EntryFolder,
		Loaded: true,
		Children: []Entry{
			{Type: EntryFolder, Name: "Sub", Loaded: true, Children: []Entry{
				{Type: EntryFile, Name: "deep.txt"},
			}},
		},
	})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}

	sub := root.Children()[0].(*Folder)
	if !sub.Loaded() {
		t.Error("nested folder reported loaded should start Loaded")
	}
	if got := sub.Children()[0].Path(); got != `\Sub\deep.txt` {
		t.Errorf("nested path = %q", got)
	}
	if loc := sub.Location(); loc.Space != SpaceClass || loc.OwnerID != 3 || loc.Folder != `\Sub` {
		t.Errorf("Location = %+v", loc)
	}
}

func TestLoad_Idempotent(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	if err := root.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !root.Loaded() {
		t.Fatal("root should be loaded")
	}
	before := root.Children()

	if err := root.Load(ctx); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if got := f.count(RootToken); got != 1 {
		t.Errorf("root fetched %d times, want 1", got)
	}

	after := root.Children()
	if len(before) != len(after) {
		t.Fatalf("children changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("child %d replaced by an idempotent load", i)
		}
	}
}

func TestLoad_PartialListingStaysUnloaded(t *testing.T) {
	f := newFakeFetcher()
	f.listings[RootToken].Loaded = false
	root := newTestRoot(t, f)
	ctx := context.Background()

	root.Load(ctx)
	root.Load(ctx)
	if root.Loaded() {
		t.Error("folder should follow the listing's loaded flag")
	}
	if got := f.count(RootToken); got != 2 {
		t.Errorf("partial folder fetched %d times, want 2", got)
	}
}

func TestReload_AlwaysFetches(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := root.Reload(ctx); err != nil {
			t.Fatalf("Reload: %v", err)
		}
		if got := f.count(RootToken); got != i {
			t.Errorf("after %d reloads, %d fetches", i, got)
		}
	}
}

func TestReload_ReplacesChildren(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	old, _ := root.ChildByName(ctx, "A")
	if err := root.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	fresh, _ := root.ChildByName(ctx, "A")
	if old == fresh {
		t.Error("reload should build new child nodes")
	}
	if old.Path() != fresh.Path() {
		t.Errorf("paths differ: %q vs %q", old.Path(), fresh.Path())
	}
}

func TestLoad_FailureKeepsState(t *testing.T) {
	f := newFakeFetcher()
	boom := errors.New("network down")
	f.fail[RootToken] = boom
	root := newTestRoot(t, f)
	before := root.Children()

	err := root.Load(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	fe, ok := AsFetchError(err)
	if !ok {
		t.Fatalf("expected FetchError, got %T", err)
	}
	if !errors.Is(err, boom) {
		t.Error("FetchError should wrap the fetcher error")
	}
	if fe.Location.Folder != RootToken || fe.Location.Space != SpacePersonal || fe.Location.OwnerID != 7 {
		t.Errorf("FetchError location = %+v", fe.Location)
	}
	if root.Loaded() {
		t.Error("failed load should not mark the folder loaded")
	}
	after := root.Children()
	if len(after) != len(before) || after[0] != before[0] {
		t.Error("failed load should keep previous children")
	}
}

func TestLoad_MalformedListing(t *testing.T) {
	f := newFakeFetcher()
	f.listings[RootToken] = &Listing{Loaded: true, Children: []Entry{
		{Type: EntryFile, Name: "ok.txt"},
		{Type: "shortcut", Name: "bad"},
	}}
	root := newTestRoot(t, f)

	err := root.Reload(context.Background())
	if _, ok := AsFetchError(err); !ok {
		t.Fatalf("expected FetchError for unknown type tag, got %v", err)
	}
	if got := len(root.Children()); got != 2 {
		t.Errorf("malformed listing partially applied: %d children", got)
	}

	f.listings[RootToken] = nil
	if _, ok := AsFetchError(root.Reload(context.Background())); !ok {
		t.Error("expected FetchError for nil listing")
	}
}

func TestLoad_DoesNotTouchChildren(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	a, _ := root.ChildByName(ctx, "A")
	folder := a.(*Folder)
	if err := folder.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, _ := folder.ChildByName(ctx, "B")
	if b.(*Folder).Loaded() {
		t.Error("loading A should not load B")
	}
}

func TestPathDerivation(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	if root.Path() != "" {
		t.Errorf("root path = %q, want empty", root.Path())
	}
	if root.Location().Folder != RootToken {
		t.Errorf("root location folder = %q", root.Location().Folder)
	}

	err := root.Walk(ctx, func(n Node) error {
		want := n.Parent().Path() + `\` + n.Name()
		if n.Path() != want {
			t.Errorf("Path() = %q, want %q", n.Path(), want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	node, _ := root.FileByPath(ctx, "A/B/report.pdf")
	if node.Path() != `\A\B\report.pdf` {
		t.Errorf("report path = %q", node.Path())
	}
}

func TestChildByName_CaseAndSpace(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	want, err := root.ChildByName(ctx, "Math")
	if err != nil || want == nil {
		t.Fatalf("ChildByName(Math) = %v, %v", want, err)
	}

	for _, name := range []string{"math", "  Math ", "MATH", "\tmAtH\n"} {
		got, err := root.ChildByName(ctx, name)
		if err != nil {
			t.Errorf("ChildByName(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ChildByName(%q) returned a different node", name)
		}
	}
}

func TestChildByName_NotFound(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)

	got, err := root.ChildByName(context.Background(), "doesnotexist")
	if err != nil {
		t.Errorf("not found should not be an error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestChildByName_FirstDuplicateWins(t *testing.T) {
	f := newFakeFetcher()
	f.listings[RootToken] = &Listing{Loaded: true, Children: []Entry{
		{Type: EntryFile, Name: "dup", ID: "first"},
		{Type: EntryFile, Name: "DUP", ID: "second"},
	}}
	root := newTestRoot(t, f)

	got, _ := root.ChildByName(context.Background(), "dup")
	if got == nil || got.ID() != "first" {
		t.Errorf("expected first duplicate, got %v", got)
	}
	if n := len(root.Children()); n != 2 {
		t.Errorf("duplicates should be kept, got %d children", n)
	}
}

func TestFileByPath_RoundTrip(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	byPath, err := root.FileByPath(ctx, "A/B/report.pdf")
	if err != nil {
		t.Fatalf("FileByPath: %v", err)
	}

	a, _ := root.ChildByName(ctx, "A")
	b, _ := a.(*Folder).ChildByName(ctx, "B")
	report, _ := b.(*Folder).ChildByName(ctx, "report.pdf")
	if byPath != report {
		t.Error("path resolution and name lookups returned different nodes")
	}
	if !a.(*Folder).Loaded() || !b.(*Folder).Loaded() {
		t.Error("intermediate folders should be Loaded")
	}
	if _, ok := byPath.(*File); !ok {
		t.Errorf("expected *File, got %T", byPath)
	}
}

func TestFileByPath(t *testing.T) {
	tests := []struct {
		path     string
		wantPath string // "" means not found
	}{
		{"A", `\A`},
		{"a/b", `\A\B`},
		{`A\B\report.pdf`, `\A\B\report.pdf`},
		{" a / b /REPORT.PDF", `\A\B\report.pdf`},
		{"A/", `\A`},
		{"x.txt", `\x.txt`},
		{"missing", ""},
		{"A/missing/report.pdf", ""},
		{"", ""},
	}

	for _, tt := range tests {
		f := newFakeFetcher()
		root := newTestRoot(t, f)
		node, err := root.FileByPath(context.Background(), tt.path)
		if err != nil {
			t.Errorf("FileByPath(%q): %v", tt.path, err)
			continue
		}
		if tt.wantPath == "" {
			if node != nil {
				t.Errorf("FileByPath(%q) = %s, want not found", tt.path, node.Path())
			}
			continue
		}
		if node == nil {
			t.Errorf("FileByPath(%q) not found", tt.path)
			continue
		}
		if node.Path() != tt.wantPath {
			t.Errorf("FileByPath(%q).Path() = %q, want %q", tt.path, node.Path(), tt.wantPath)
		}
	}
}

func TestFileByPath_LastSegmentNotLoaded(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)

	node, _ := root.FileByPath(context.Background(), "A/B")
	if node.(*Folder).Loaded() {
		t.Error("final folder should not be loaded by resolution")
	}
	if f.count(`\A\B`) != 0 {
		t.Error("final folder should not be fetched")
	}
}

func TestFileByPath_ThroughFile(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)

	node, err := root.FileByPath(context.Background(), "x.txt/extra")
	if node != nil {
		t.Errorf("expected nil node, got %v", node)
	}
	if !IsNotAFolder(err) {
		t.Fatalf("expected NotAFolderError, got %v", err)
	}
	var nf *NotAFolderError
	errors.As(err, &nf)
	if nf.Path != `\x.txt` || nf.Rest != "extra" {
		t.Errorf("NotAFolderError = %+v", nf)
	}
}

func TestFileByPath_FetchError(t *testing.T) {
	f := newFakeFetcher()
	f.fail[`\A`] = errors.New("timeout")
	root := newTestRoot(t, f)

	_, err := root.FileByPath(context.Background(), "A/B")
	if _, ok := AsFetchError(err); !ok {
		t.Errorf("expected FetchError, got %v", err)
	}
}

func TestLoadAll_Coverage(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	if err := root.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	folders, files := 0, 0
	var check func(*Folder)
	check = func(dir *Folder) {
		if !dir.Loaded() {
			t.Errorf("%s not loaded", dir)
		}
		for _, c := range dir.Children() {
			if sub, ok := c.(*Folder); ok {
				folders++
				check(sub)
			} else {
				files++
			}
		}
	}
	check(root)

	if folders != 3 || files != 3 {
		t.Errorf("got %d folders, %d files; want 3, 3", folders, files)
	}

	// A second pass only recurses.
	calls := f.total()
	if err := root.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if f.total() != calls {
		t.Errorf("second LoadAll fetched %d more listings", f.total()-calls)
	}
}

func TestReloadAll_RefetchesEverything(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	root.LoadAll(ctx)
	calls := f.total()
	if err := root.ReloadAll(ctx); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}
	// root, Math, A, A\B
	if got := f.total() - calls; got != 4 {
		t.Errorf("ReloadAll fetched %d listings, want 4", got)
	}
}

func TestLoadAll_StopsOnError(t *testing.T) {
	f := newFakeFetcher()
	f.fail[`\A`] = errors.New("boom")
	root := newTestRoot(t, f)

	err := root.LoadAll(context.Background())
	if _, ok := AsFetchError(err); !ok {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !root.Loaded() {
		t.Error("root loaded before the failure should stay loaded")
	}
	if f.count(`\A\B`) != 0 {
		t.Error("walk should stop at the failing folder")
	}
}

func TestLoadAll_CanceledContext(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := root.LoadAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if f.total() != 0 {
		t.Error("canceled walk should not fetch")
	}
}

func TestTree_Snapshot(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	snap, err := root.Tree(ctx)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}

	folders, files := snap.Count()
	if folders != 3 || files != 3 {
		t.Errorf("Count = %d, %d; want 3, 3", folders, files)
	}
	report := snap["A"].Folder["B"].Folder["report.pdf"]
	if report.IsFolder() || report.File.ID() != "r" {
		t.Errorf("unexpected report entry: %+v", report)
	}
	if names := snap.Names(); strings.Join(names, ",") != "A,Math,x.txt" {
		t.Errorf("Names = %v", names)
	}
}

func TestTree_SnapshotIsImmutable(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	snap, err := root.Tree(ctx)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	oldReport := snap["A"].Folder["B"].Folder["report.pdf"].File

	f.listings[`\A\B`] = &Listing{Loaded: true, Children: []Entry{
		{Type: EntryFile, Name: "other.pdf", ID: "o"},
	}}
	f.listings[RootToken] = &Listing{Loaded: true, Children: []Entry{
		{Type: EntryFolder, Name: "A", ID: "a"},
	}}
	if err := root.ReloadAll(ctx); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}

	if len(snap) != 3 {
		t.Errorf("snapshot changed size: %d", len(snap))
	}
	b := snap["A"].Folder["B"].Folder
	if _, ok := b["report.pdf"]; !ok || len(b) != 1 {
		t.Errorf("snapshot content changed: %v", b.Names())
	}
	if b["report.pdf"].File != oldReport || oldReport.Name() != "report.pdf" {
		t.Error("snapshot file reference changed")
	}

	fresh, _ := root.Tree(ctx)
	if _, ok := fresh["A"].Folder["B"].Folder["other.pdf"]; !ok {
		t.Error("new snapshot should see reloaded content")
	}
}

func TestWalk_Order(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)

	var paths []string
	err := root.Walk(context.Background(), func(n Node) error {
		paths = append(paths, n.Path())
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{`\Math`, `\x.txt`, `\A`, `\A\B`, `\A\B\report.pdf`, `\A\notes.txt`}
	if strings.Join(paths, "|") != strings.Join(want, "|") {
		t.Errorf("Walk order = %v, want %v", paths, want)
	}

	stop := errors.New("stop")
	if err := root.Walk(context.Background(), func(Node) error { return stop }); err != stop {
		t.Errorf("Walk should return fn error, got %v", err)
	}
}

func TestConcurrentLoads(t *testing.T) {
	f := newFakeFetcher()
	root := newTestRoot(t, f)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			root.LoadAll(ctx)
			root.FileByPath(ctx, "A/B/report.pdf")
		}()
	}
	wg.Wait()

	if got := f.count(RootToken); got != 1 {
		t.Errorf("root fetched %d times under concurrent loads, want 1", got)
	}
}

type fakeDownloader struct {
	content map[string]string
	kinds   []string
}

func (d *fakeDownloader) Download(ctx context.Context, kind, id string) (io.ReadCloser, error) {
	d.kinds = append(d.kinds, kind)
	c, ok := d.content[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(c)), nil
}

func TestDownload(t *testing.T) {
	f := newFakeFetcher()
	d := &fakeDownloader{content: map[string]string{"x": "abc", "a": "PK.."}}
	root, err := NewRoot(Options{Space: SpacePersonal, Fetcher: f, Downloader: d}, Entry{Type: EntryFolder})
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	ctx := context.Background()

	x, _ := root.ChildByName(ctx, "x.txt")
	var buf bytes.Buffer
	n, err := x.(*File).Download(ctx, &buf)
	if err != nil || n != 3 || buf.String() != "abc" {
		t.Errorf("file download = %d, %q, %v", n, buf.String(), err)
	}
	if x.(*File).DefaultFilename() != "x.txt" {
		t.Errorf("file filename = %q", x.(*File).DefaultFilename())
	}

	a, _ := root.ChildByName(ctx, "A")
	buf.Reset()
	if _, err := a.(*Folder).Download(ctx, &buf); err != nil || buf.String() != "PK.." {
		t.Errorf("folder download = %q, %v", buf.String(), err)
	}
	if a.(*Folder).DefaultFilename() != "A.zip" {
		t.Errorf("folder filename = %q", a.(*Folder).DefaultFilename())
	}

	if _, err := root.Download(ctx, &buf); !errors.Is(err, ErrRootDownload) {
		t.Errorf("personal root download should fail, got %v", err)
	}

	m, _ := root.ChildByName(ctx, "Math")
	if _, err := m.(*Folder).Download(ctx, &buf); err == nil {
		t.Error("expected download error for unknown id")
	}

	for _, k := range d.kinds {
		if k != DownloadKind {
			t.Errorf("download kind = %q", k)
		}
	}
}

func TestDownload_NoDownloader(t *testing.T) {
	root := newTestRoot(t, newFakeFetcher())
	x, _ := root.ChildByName(context.Background(), "x.txt")
	if _, err := x.(*File).Open(context.Background()); !errors.Is(err, ErrNoDownloader) {
		t.Errorf("expected ErrNoDownloader, got %v", err)
	}
}
