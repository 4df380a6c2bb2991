package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHelpersIncrementCounters(t *testing.T) {
	tests := []struct {
		name   string
		series prometheus.Collector
		record func()
	}{
		{
			"api request",
			apiRequestsTotal.WithLabelValues("cloud/eleve", "success"),
			func() { RecordAPIRequest("cloud/eleve", true, 10*time.Millisecond) },
		},
		{
			"api error",
			apiRequestsTotal.WithLabelValues("login", "error"),
			func() { RecordAPIRequest("login", false, time.Millisecond) },
		},
		{
			"folder reload",
			folderLoadsTotal.WithLabelValues("E", "reload", "success"),
			func() { RecordFolderLoad("E", true, true, time.Millisecond) },
		},
		{
			"folder load failure",
			folderLoadsTotal.WithLabelValues("C", "load", "error"),
			func() { RecordFolderLoad("C", false, false, time.Millisecond) },
		},
		{
			"download",
			downloadsTotal.WithLabelValues("CLOUD", "success"),
			func() { RecordDownload("CLOUD", 0, true) },
		},
		{
			"cache hit",
			cacheLookupsTotal.WithLabelValues("hit"),
			func() { RecordCacheLookup(true) },
		},
		{
			"cache miss",
			cacheLookupsTotal.WithLabelValues("miss"),
			func() { RecordCacheLookup(false) },
		},
		{
			"fuse op",
			fuseOpsTotal.WithLabelValues("read", "error"),
			func() { RecordFuseOp("read", false) },
		},
		{
			"mirror file",
			mirrorFilesTotal.WithLabelValues("dir", "copied"),
			func() { RecordMirrorFile("dir", "copied") },
		},
		{
			"s3 op",
			s3OperationsTotal.WithLabelValues("put", "success"),
			func() { RecordS3Operation("put", time.Millisecond, true) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(tt.series)
			tt.record()
			if got := testutil.ToFloat64(tt.series); got != before+1 {
				t.Errorf("counter = %v, want %v", got, before+1)
			}
		})
	}
}

func TestRecordDownloadAddsBytes(t *testing.T) {
	before := testutil.ToFloat64(downloadBytesTotal)
	RecordDownload("PIECE_JOINTE", 2048, true)
	if got := testutil.ToFloat64(downloadBytesTotal); got != before+2048 {
		t.Errorf("bytes = %v, want %v", got, before+2048)
	}
}

func TestSetCacheBytes(t *testing.T) {
	SetCacheBytes(4096)
	if got := testutil.ToFloat64(cacheBytes); got != 4096 {
		t.Errorf("cache bytes = %v, want 4096", got)
	}
	SetCacheBytes(0)
	if got := testutil.ToFloat64(cacheBytes); got != 0 {
		t.Errorf("cache bytes = %v, want 0", got)
	}
}

func TestHistogramsGainSeries(t *testing.T) {
	tests := []struct {
		name   string
		vec    prometheus.Collector
		record func()
	}{
		{"api duration", apiRequestDuration, func() { RecordAPIRequest("histo/api", true, time.Millisecond) }},
		{"folder duration", folderLoadDuration, func() { RecordFolderLoad("histo", false, true, time.Millisecond) }},
		{"s3 duration", s3OperationDuration, func() { RecordS3Operation("histo", time.Millisecond, true) }},
		{"ledger duration", ledgerQueryDuration, func() { RecordLedgerQuery("histo", time.Millisecond) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.CollectAndCount(tt.vec)
			tt.record()
			if got := testutil.CollectAndCount(tt.vec); got != before+1 {
				t.Errorf("series = %d, want %d", got, before+1)
			}
		})
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	RecordMirrorFile("s3:backup", "skipped")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	want := `edclient_mirror_files_total{result="skipped",sink="s3:backup"}`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics output missing %s", want)
	}
}
