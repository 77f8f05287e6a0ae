package task_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/w1217358955/BszM3u8Downloader/pkg/common"
	"github.com/w1217358955/BszM3u8Downloader/pkg/playlist"
	"github.com/w1217358955/BszM3u8Downloader/pkg/task"
)

func mediaPlaylist(segs int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < segs; i++ {
		fmt.Fprintf(&b, "#EXTINF:9.0,\nseg%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func newTask(t *testing.T, rawURL, dir string, opts task.Options) *task.Task {
	t.Helper()
	tk, err := task.New("", rawURL, dir, nil, opts)
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return tk
}

func waitDone(t *testing.T, tk *task.Task) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for task, status=%s", tk.Status())
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := task.New("", "", t.TempDir(), nil, task.Options{}); !errors.Is(err, task.ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL for empty url, got %v", err)
	}
	if _, err := task.New("", "://bad", t.TempDir(), nil, task.Options{}); !errors.Is(err, task.ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL for unparsable url, got %v", err)
	}
	if _, err := task.New("", "https://example.com/index.m3u8", "", nil, task.Options{}); !errors.Is(err, task.ErrInvalidOutputDir) {
		t.Errorf("expected ErrInvalidOutputDir, got %v", err)
	}

	tk, err := task.New("", "https://example.com/index.m3u8", t.TempDir(), nil, task.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.ID != "https://example.com/index.m3u8" {
		t.Errorf("empty id must default to the url, got %s", tk.ID)
	}
	if tk.Status() != common.StatusReady {
		t.Errorf("new task must be ready, got %s", tk.Status())
	}
}

func TestTask_DownloadCompletes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Write([]byte(mediaPlaylist(3)))
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Write([]byte("segment data for " + r.URL.Path))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	tk := newTask(t, server.URL+"/index.m3u8", dir, task.Options{})
	tk.Start()
	waitDone(t, tk)

	if got := tk.Status(); got != common.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := tk.Progress(); got != 1 {
		t.Errorf("expected progress 1, got %f", got)
	}
	if got := tk.FailedSegments(); got != 0 {
		t.Errorf("expected no failed segments, got %d", got)
	}
	if tk.CompletedFromCache() {
		t.Error("first run must not complete from cache")
	}

	path := tk.LocalPlaylistPath()
	if path == "" {
		t.Fatal("expected a localized playlist path")
	}
	if !playlist.IsLocalizedComplete(path, dir) {
		t.Error("localized playlist should be self-contained and complete")
	}
}

func TestTask_MasterIndirection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "master.m3u8"):
			w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1280000\nmedia.m3u8\n"))
		case strings.HasSuffix(r.URL.Path, "media.m3u8"):
			w.Write([]byte(mediaPlaylist(2)))
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Write([]byte("segment data"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	tk := newTask(t, server.URL+"/master.m3u8", t.TempDir(), task.Options{})
	tk.Start()
	waitDone(t, tk)

	if got := tk.Status(); got != common.StatusCompleted {
		t.Fatalf("expected completed via variant, got %s", got)
	}
}

func TestTask_CompletedFromCache(t *testing.T) {
	var playlistHits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			atomic.AddInt32(&playlistHits, 1)
			w.Write([]byte(mediaPlaylist(2)))
		default:
			w.Write([]byte("segment data"))
		}
	}))
	defer server.Close()

	dir := t.TempDir()

	first := newTask(t, server.URL+"/index.m3u8", dir, task.Options{})
	first.Start()
	waitDone(t, first)
	if first.Status() != common.StatusCompleted {
		t.Fatalf("first run did not complete: %s", first.Status())
	}
	hitsAfterFirst := atomic.LoadInt32(&playlistHits)

	second := newTask(t, server.URL+"/index.m3u8", dir, task.Options{})
	second.Start()
	waitDone(t, second)

	if second.Status() != common.StatusCompleted {
		t.Fatalf("cached run did not complete: %s", second.Status())
	}
	if !second.CompletedFromCache() {
		t.Error("second run should complete from the on-disk cache")
	}
	if got := atomic.LoadInt32(&playlistHits); got != hitsAfterFirst {
		t.Errorf("cached run must not touch the network: %d -> %d playlist fetches", hitsAfterFirst, got)
	}
	if got := second.Progress(); got != 1 {
		t.Errorf("expected progress 1 for cached completion, got %f", got)
	}
}

func TestTask_StopBeforeStart(t *testing.T) {
	tk := newTask(t, "https://example.com/index.m3u8", t.TempDir(), task.Options{})
	tk.Stop()

	waitDone(t, tk)
	if got := tk.Status(); got != common.StatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}

	// Terminal states are final for an instance.
	tk.Start()
	if got := tk.Status(); got != common.StatusStopped {
		t.Errorf("start after stop must be a no-op, got %s", got)
	}
	tk.Stop()
}

func TestTask_PauseResume(t *testing.T) {
	gate := make(chan struct{})
	segStarted := make(chan struct{}, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Write([]byte(mediaPlaylist(4)))
			return
		}
		segStarted <- struct{}{}
		<-gate
		w.Write([]byte("segment data"))
	}))
	defer server.Close()

	tk := newTask(t, server.URL+"/index.m3u8", t.TempDir(), task.Options{SegmentConcurrency: 2})
	tk.Start()

	select {
	case <-segStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for first segment fetch")
	}

	tk.Pause()
	if got := tk.Status(); got != common.StatusPaused {
		t.Fatalf("expected paused, got %s", got)
	}
	if got := tk.PauseReason(); got != common.PauseUser {
		t.Errorf("expected user pause reason, got %d", got)
	}

	// Pause is idempotent.
	tk.Pause()
	if got := tk.Status(); got != common.StatusPaused {
		t.Fatalf("repeated pause changed state: %s", got)
	}

	tk.Resume()
	if got := tk.Status(); got != common.StatusDownloading {
		t.Fatalf("expected downloading after resume, got %s", got)
	}
	if got := tk.PauseReason(); got != common.PauseNone {
		t.Errorf("resume must clear the pause reason, got %d", got)
	}

	close(gate)
	waitDone(t, tk)
	if got := tk.Status(); got != common.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestTask_StopDuringDownload(t *testing.T) {
	gate := make(chan struct{})
	segStarted := make(chan struct{}, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Write([]byte(mediaPlaylist(4)))
			return
		}
		segStarted <- struct{}{}
		<-gate
	}))
	defer server.Close()
	defer close(gate)

	tk := newTask(t, server.URL+"/index.m3u8", t.TempDir(), task.Options{})
	tk.Start()

	select {
	case <-segStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for first segment fetch")
	}

	tk.Stop()
	waitDone(t, tk)

	if got := tk.Status(); got != common.StatusStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if tk.LocalPlaylistPath() != "" {
		t.Error("stopped task must not publish a playlist path")
	}
}

func TestTask_PartialSegmentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Write([]byte(mediaPlaylist(3)))
		case strings.HasSuffix(r.URL.Path, "seg1.ts"):
			http.Error(w, "gone", http.StatusGone)
		default:
			w.Write([]byte("segment data"))
		}
	}))
	defer server.Close()

	tk := newTask(t, server.URL+"/index.m3u8", t.TempDir(), task.Options{})
	tk.Start()
	waitDone(t, tk)

	// Failed segments settle like finished ones; the task still completes
	// and reports how many failed.
	if got := tk.Status(); got != common.StatusCompleted {
		t.Fatalf("expected completed despite one failure, got %s", got)
	}
	if got := tk.FailedSegments(); got != 1 {
		t.Errorf("expected 1 failed segment, got %d", got)
	}
	if got := tk.Progress(); got != 1 {
		t.Errorf("expected progress 1, got %f", got)
	}
}

func TestTask_ProgressMonotonicWithMixedOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Write([]byte(mediaPlaylist(8)))
		case strings.HasSuffix(r.URL.Path, "seg1.ts"), strings.HasSuffix(r.URL.Path, "seg4.ts"):
			http.Error(w, "gone", http.StatusGone)
		default:
			w.Write([]byte("segment data"))
		}
	}))
	defer server.Close()

	tk := newTask(t, server.URL+"/index.m3u8", t.TempDir(), task.Options{SegmentConcurrency: 4})

	var events []common.Event
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case ev := <-tk.Events():
				events = append(events, ev)
			case <-tk.Done():
				for {
					select {
					case ev := <-tk.Events():
						events = append(events, ev)
					default:
						return
					}
				}
			}
		}
	}()

	tk.Start()
	select {
	case <-collected:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout collecting events")
	}

	// Successes and failures interleave across workers; the reported
	// progress must never move backwards.
	prev := 0.0
	for i, ev := range events {
		if ev.Record.Progress < prev {
			t.Fatalf("progress regressed at event %d (%s): %f -> %f", i, ev.Kind, prev, ev.Record.Progress)
		}
		prev = ev.Record.Progress
	}
	if prev != 1 {
		t.Errorf("expected final progress 1, got %f", prev)
	}
	if got := tk.FailedSegments(); got != 2 {
		t.Errorf("expected 2 failed segments, got %d", got)
	}
	if got := tk.Status(); got != common.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestTask_KeyFailureDoesNotBlockSegments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n" +
				"#EXT-X-KEY:METHOD=AES-128,URI=\"secret.bin\"\n#EXTINF:9.0,\nseg0.ts\n#EXT-X-ENDLIST\n"))
		case strings.HasSuffix(r.URL.Path, ".bin"):
			http.Error(w, "denied", http.StatusForbidden)
		default:
			w.Write([]byte("segment data"))
		}
	}))
	defer server.Close()

	tk := newTask(t, server.URL+"/index.m3u8", t.TempDir(), task.Options{})
	tk.Start()
	waitDone(t, tk)

	if got := tk.Status(); got != common.StatusCompleted {
		t.Fatalf("expected completed despite key failure, got %s", got)
	}

	sawKeyError := false
	for {
		select {
		case ev := <-tk.Events():
			if ev.Kind == common.EventError && errors.Is(ev.Err, task.ErrKeyResolution) {
				sawKeyError = true
			}
			continue
		default:
		}
		break
	}
	if !sawKeyError {
		t.Error("expected a key resolution error event")
	}
}

func TestTask_ResumeIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Write([]byte(mediaPlaylist(2)))
			return
		}
		w.Write([]byte("segment data"))
	}))
	defer server.Close()

	dir := t.TempDir()
	tk := newTask(t, server.URL+"/index.m3u8", dir, task.Options{})
	tk.Start()
	waitDone(t, tk)
	if tk.Status() != common.StatusCompleted {
		t.Fatalf("setup run did not complete: %s", tk.Status())
	}

	// Segment files already on disk are not refetched by a later instance.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read output dir: %v", err)
	}
	var segFile string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ts") {
			segFile = filepath.Join(dir, e.Name())
			break
		}
	}
	if segFile == "" {
		t.Fatal("no segment file written")
	}
	before, err := os.Stat(segFile)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	// Drop the localized playlist so the second instance runs the full
	// pipeline instead of short-circuiting on the cache.
	if err := os.Remove(tk.LocalPlaylistPath()); err != nil {
		t.Fatalf("failed to remove playlist: %v", err)
	}

	again := newTask(t, server.URL+"/index.m3u8", dir, task.Options{})
	again.Start()
	waitDone(t, again)

	after, err := os.Stat(segFile)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("existing segment file was rewritten")
	}
}

func TestTask_Record(t *testing.T) {
	ext := map[string]string{"title": "episode 1"}
	tk, err := task.New("my-task", "https://example.com/index.m3u8", "/tmp/out", ext, task.Options{})
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	rec := tk.Record()
	if rec.TaskID != "my-task" || rec.URL != "https://example.com/index.m3u8" || rec.OutputDir != "/tmp/out" {
		t.Errorf("record identity mismatch: %+v", rec)
	}
	if rec.Status != common.StatusReady || rec.Progress != 0 {
		t.Errorf("fresh record must be ready at 0 progress: %+v", rec)
	}
	if rec.Ext["title"] != "episode 1" {
		t.Errorf("extension fields not carried: %+v", rec.Ext)
	}

	// The snapshot is detached from the task's map.
	rec.Ext["title"] = "changed"
	if tk.Ext["title"] != "episode 1" {
		t.Error("mutating a record snapshot must not affect the task")
	}
	tk.Stop()
}
