// Package task implements the per-download state machine: playlist fetch,
// key resolution, bounded-concurrency segment fetching with pause/resume/stop
// semantics, and emission of a localized playlist on completion.
package task

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/w1217358955/BszM3u8Downloader/internal/logger"
	"github.com/w1217358955/BszM3u8Downloader/pkg/common"
	"github.com/w1217358955/BszM3u8Downloader/pkg/keys"
	"github.com/w1217358955/BszM3u8Downloader/pkg/playlist"
)

const (
	// DefaultPlaylistFileName is the fixed name of the localized playlist
	// inside a task's output directory.
	DefaultPlaylistFileName = "index.m3u8"

	maxPlaylistSize      = 10 << 20
	progressEmitInterval = 200 * time.Millisecond
	speedWindowSeconds   = 5
)

// Options configures one task. Zero fields fall back to defaults.
type Options struct {
	// SegmentConcurrency bounds simultaneous segment fetches for this task.
	SegmentConcurrency int
	// KeyTimeout bounds the synchronous key-resolution wait.
	KeyTimeout time.Duration
	// RequestTimeout applies per network request, not per task.
	RequestTimeout time.Duration
	// ThrottleBytesPerSec limits segment download bandwidth. Zero means
	// unlimited.
	ThrottleBytesPerSec int
	// AutoPauseOnBackground pauses the task when the app enters background.
	AutoPauseOnBackground bool
	// PlaylistFileName overrides the localized playlist filename.
	PlaylistFileName string
}

// DefaultOptions returns the option set used by the manager.
func DefaultOptions() Options {
	return Options{
		SegmentConcurrency:    3,
		KeyTimeout:            15 * time.Second,
		RequestTimeout:        30 * time.Second,
		AutoPauseOnBackground: true,
		PlaylistFileName:      DefaultPlaylistFileName,
	}
}

type segment struct {
	url      string
	filename string
}

// Task owns one media download from creation to completion or stop.
// Completed and Stopped are terminal for an instance; restarting a stopped
// task means creating a new instance via the manager.
type Task struct {
	ID        string
	URL       string
	OutputDir string
	Ext       map[string]string
	CreatedAt time.Time

	opts     Options
	client   *http.Client
	resolver *keys.Resolver
	limiter  *rate.Limiter
	speed    *SpeedCalculator

	mu            sync.Mutex
	cond          *sync.Cond
	status        common.Status
	pauseReason   common.PauseReason
	localPlaylist string
	fromCache     bool
	runStarted    bool

	ctx    context.Context
	cancel context.CancelFunc

	total   int32
	settled int32
	failed  int32

	progMu           sync.Mutex
	lastProgressEmit time.Time

	onEvent  func(common.Event)
	events   chan common.Event
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a task in Ready state. An empty id defaults to the source URL.
func New(id, rawURL, outputDir string, ext map[string]string, opts Options) (*Task, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrInvalidURL
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if outputDir == "" {
		return nil, ErrInvalidOutputDir
	}
	if id == "" {
		id = rawURL
	}

	def := DefaultOptions()
	if opts.SegmentConcurrency <= 0 {
		opts.SegmentConcurrency = def.SegmentConcurrency
	}
	if opts.KeyTimeout <= 0 {
		opts.KeyTimeout = def.KeyTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.PlaylistFileName == "" {
		opts.PlaylistFileName = def.PlaylistFileName
	}

	extCopy := make(map[string]string, len(ext))
	for k, v := range ext {
		extCopy[k] = v
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: opts.SegmentConcurrency * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		ID:        id,
		URL:       rawURL,
		OutputDir: outputDir,
		Ext:       extCopy,
		CreatedAt: time.Now(),
		opts:      opts,
		client:    &http.Client{Transport: transport},
		resolver:  keys.NewResolver(outputDir),
		speed:     NewSpeedCalculator(speedWindowSeconds),
		status:    common.StatusReady,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan common.Event, 64),
		done:      make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)

	if opts.ThrottleBytesPerSec > 0 {
		burst := opts.ThrottleBytesPerSec
		if burst < 64<<10 {
			burst = 64 << 10
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.ThrottleBytesPerSec), burst)
	}
	return t, nil
}

// SetOnEvent installs a synchronous event callback. Must be called before
// Start; the manager uses it to mirror task state into its records.
func (t *Task) SetOnEvent(fn func(common.Event)) {
	t.onEvent = fn
}

// Events returns the task's buffered event stream. Events are dropped when
// the observer falls behind; the Record snapshot on later events always
// carries the current state.
func (t *Task) Events() <-chan common.Event {
	return t.events
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Status returns the current state.
func (t *Task) Status() common.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// PauseReason reports why the task is paused, PauseNone otherwise.
func (t *Task) PauseReason() common.PauseReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauseReason
}

// Progress returns finished-segment-count over total-segment-count. Failed
// segments count as finished, so progress reaches 1.0 even with partial
// failures.
func (t *Task) Progress() float64 {
	if t.Status() == common.StatusCompleted {
		return 1
	}
	total := atomic.LoadInt32(&t.total)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt32(&t.settled)) / float64(total)
}

// Speed returns the windowed download speed in bytes/sec.
func (t *Task) Speed() int64 {
	return t.speed.GetSpeed()
}

// FailedSegments returns the number of segments that settled with an error.
func (t *Task) FailedSegments() int {
	return int(atomic.LoadInt32(&t.failed))
}

// CompletedFromCache reports whether completion came from the cache check
// without any network access.
func (t *Task) CompletedFromCache() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fromCache
}

// LocalPlaylistPath returns the absolute path of the localized playlist,
// empty until the task completes.
func (t *Task) LocalPlaylistPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPlaylist
}

// Record returns a snapshot of the task as a persistable record.
func (t *Task) Record() common.TaskRecord {
	rec := common.TaskRecord{
		TaskID:    t.ID,
		URL:       t.URL,
		OutputDir: t.OutputDir,
		Ext:       t.Ext,
		Status:    t.Status(),
		Progress:  t.Progress(),
		CreatedAt: t.CreatedAt.Unix(),
	}
	return rec.Clone()
}

// Start begins the download. Valid from Ready; from Paused it behaves like
// Resume. Anything else is a no-op.
func (t *Task) Start() {
	t.mu.Lock()
	if t.status == common.StatusPaused {
		t.mu.Unlock()
		t.Resume()
		return
	}
	if t.status != common.StatusReady {
		t.mu.Unlock()
		return
	}
	t.status = common.StatusStarting
	t.runStarted = true
	t.cond.Broadcast()
	t.mu.Unlock()

	t.emitStatus(common.StatusStarting)
	go t.run()
}

// Pause stops dispatching new segment fetches; in-flight fetches finish.
func (t *Task) Pause() {
	t.pauseWithReason(common.PauseUser)
}

// AutoPause is the app-lifecycle variant of Pause. It is a no-op when the
// task opted out of background pausing.
func (t *Task) AutoPause() {
	if t.opts.AutoPauseOnBackground {
		t.pauseWithReason(common.PauseSystem)
	}
}

func (t *Task) pauseWithReason(reason common.PauseReason) {
	t.mu.Lock()
	if t.status != common.StatusDownloading && t.status != common.StatusStarting {
		t.mu.Unlock()
		return
	}
	t.status = common.StatusPaused
	t.pauseReason = reason
	t.cond.Broadcast()
	t.mu.Unlock()

	logger.Infof("task %s paused (reason=%d)", t.ID, reason)
	t.emitStatus(common.StatusPaused)
}

// Resume continues a paused task. Already-downloaded segment files are not
// re-fetched.
func (t *Task) Resume() {
	t.mu.Lock()
	if t.status != common.StatusPaused {
		t.mu.Unlock()
		return
	}
	t.status = common.StatusDownloading
	t.pauseReason = common.PauseNone
	t.cond.Broadcast()
	t.mu.Unlock()

	logger.Infof("task %s resumed", t.ID)
	t.emitStatus(common.StatusDownloading)
}

// Stop cancels in-flight network operations and moves the task to Stopped.
// Partial files stay on disk. Safe to call repeatedly and from any state.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	started := t.runStarted
	t.status = common.StatusStopped
	t.pauseReason = common.PauseNone
	t.cond.Broadcast()
	t.mu.Unlock()

	t.cancel()
	if !started {
		t.closeDone()
	}
	logger.Infof("task %s stopped", t.ID)
	t.emitStatus(common.StatusStopped)
}

// HandleAppState applies the external foreground/background signal. Entering
// background pauses the task (policy permitting); returning to foreground
// resumes it only if this mechanism paused it.
func (t *Task) HandleAppState(state common.AppState) {
	if state == common.AppBackground {
		t.AutoPause()
		return
	}
	t.mu.Lock()
	autoPaused := t.status == common.StatusPaused && t.pauseReason == common.PauseSystem
	t.mu.Unlock()
	if autoPaused {
		t.Resume()
	}
}

// WaitInactive blocks until the task is no longer Starting or Downloading.
// The manager's queue uses it to hold a concurrency slot for the duration of
// an activation.
func (t *Task) WaitInactive() {
	t.mu.Lock()
	for t.status.IsActive() {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

func (t *Task) closeDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// transition moves to the target state unless the task is already terminal
// or the current state is not in the allowed set. Emits the status event on
// success.
func (t *Task) transition(to common.Status, from ...common.Status) bool {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	if len(from) > 0 {
		ok := false
		for _, f := range from {
			if t.status == f {
				ok = true
				break
			}
		}
		if !ok {
			t.mu.Unlock()
			return false
		}
	}
	t.status = to
	t.cond.Broadcast()
	t.mu.Unlock()

	t.emitStatus(to)
	return true
}

func (t *Task) emitStatus(status common.Status) {
	ev := common.Event{Kind: common.EventStatus}
	if status == common.StatusCompleted {
		ev.PlaylistPath = t.LocalPlaylistPath()
	}
	t.emit(ev)
}

func (t *Task) emit(ev common.Event) {
	ev.Record = t.Record()
	ev.Time = time.Now()
	if t.onEvent != nil {
		t.onEvent(ev)
	}
	select {
	case t.events <- ev:
	default:
		logger.Debugf("task %s: dropping %s event, observer lagging", t.ID, ev.Kind)
	}
}

// fail logs, reports and stops the task. Errors caused by Stop itself are
// swallowed.
func (t *Task) fail(err error) {
	if t.ctx.Err() != nil {
		return
	}
	logger.Errorf("task %s failed: %v", t.ID, err)
	t.emit(common.Event{Kind: common.EventError, Err: err})
	t.transition(common.StatusStopped)
	t.cancel()
}

func (t *Task) complete(path string) {
	t.mu.Lock()
	t.localPlaylist = path
	t.mu.Unlock()
	if t.transition(common.StatusCompleted) {
		logger.Infof("task %s completed: %s", t.ID, path)
	}
}

func (t *Task) run() {
	defer t.closeDone()

	indexPath := filepath.Join(t.OutputDir, t.opts.PlaylistFileName)
	if playlist.IsLocalizedComplete(indexPath, t.OutputDir) {
		t.mu.Lock()
		t.fromCache = true
		t.mu.Unlock()
		logger.Infof("task %s already complete on disk", t.ID)
		t.complete(indexPath)
		return
	}

	if err := os.MkdirAll(t.OutputDir, 0o755); err != nil {
		t.fail(fmt.Errorf("%w: %v", ErrDirectory, err))
		return
	}

	lines, base, err := t.fetchPlaylist(t.URL)
	if err != nil {
		t.fail(err)
		return
	}

	// One level of master -> media indirection.
	if variant, ok := playlist.FirstVariantURI(lines); ok {
		lines, base, err = t.fetchPlaylist(playlist.ResolveURL(base, variant))
		if err != nil {
			t.fail(err)
			return
		}
		if _, nested := playlist.FirstVariantURI(lines); nested {
			t.fail(fmt.Errorf("%w: nested master playlists", playlist.ErrPlaylistParse))
			return
		}
	}

	segURLs, err := playlist.SegmentURLs(lines, base)
	if err != nil {
		t.fail(err)
		return
	}

	// Keys are resolved before any segment referencing them is fetched.
	// Partial failure is surfaced but never blocks segment downloading.
	keyMap, hadErr := t.resolver.Resolve(t.ctx, lines, base, t.opts.KeyTimeout)
	if hadErr {
		t.emit(common.Event{Kind: common.EventError, Err: ErrKeyResolution})
	}

	segs := buildSegments(segURLs)
	atomic.StoreInt32(&t.total, int32(len(segs)))
	t.transition(common.StatusDownloading, common.StatusStarting)

	jobs := make(chan segment)
	var wg sync.WaitGroup
	for i := 0; i < t.opts.SegmentConcurrency; i++ {
		wg.Add(1)
		go t.worker(jobs, &wg)
	}

dispatch:
	for _, seg := range segs {
		select {
		case jobs <- seg:
		case <-t.ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if t.ctx.Err() != nil || t.Status() == common.StatusStopped {
		return
	}

	path, err := playlist.WriteLocalized(lines, base, keyMap, t.OutputDir, t.opts.PlaylistFileName)
	if err != nil {
		t.fail(fmt.Errorf("%w: %v", ErrDirectory, err))
		return
	}
	t.complete(path)
}

// buildSegments derives local filenames and drops repeats (ad-break style
// repeated URLs map to one file), preserving playback order.
func buildSegments(urls []string) []segment {
	segs := make([]segment, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		name := playlist.LocalFilename(u)
		if seen[name] {
			continue
		}
		seen[name] = true
		segs = append(segs, segment{url: u, filename: name})
	}
	return segs
}

func (t *Task) worker(jobs <-chan segment, wg *sync.WaitGroup) {
	defer wg.Done()
	for seg := range jobs {
		// The gate blocks while paused and aborts on stop. In-flight
		// fetches below are never interrupted by a pause.
		if !t.gate() {
			return
		}
		err := t.fetchSegment(seg)
		if t.ctx.Err() != nil {
			return
		}
		t.settle(seg, err)
	}
}

func (t *Task) gate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		switch t.status {
		case common.StatusPaused:
			t.cond.Wait()
		case common.StatusStopped, common.StatusCompleted:
			return false
		default:
			return true
		}
	}
}

func (t *Task) settle(seg segment, err error) {
	settled := atomic.AddInt32(&t.settled, 1)
	total := atomic.LoadInt32(&t.total)

	if err != nil {
		atomic.AddInt32(&t.failed, 1)
		logger.Warnf("task %s: segment %s failed: %v", t.ID, seg.filename, err)
		t.emit(common.Event{Kind: common.EventSegment, Segment: seg.filename, Err: err})
	} else {
		t.emit(common.Event{Kind: common.EventSegment, Segment: seg.filename})
	}

	// Progress is recomputed on every settle but reported at a bounded
	// rate; the final settle always reports.
	t.progMu.Lock()
	now := time.Now()
	if settled != total && now.Sub(t.lastProgressEmit) < progressEmitInterval {
		t.progMu.Unlock()
		return
	}
	t.lastProgressEmit = now
	t.progMu.Unlock()

	t.emit(common.Event{Kind: common.EventProgress, Speed: float64(t.speed.GetSpeed())})
}

func (t *Task) fetchPlaylist(rawURL string) ([]string, *url.URL, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("playlist fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: playlist request returned status %d", playlist.ErrPlaylistParse, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return nil, nil, fmt.Errorf("playlist fetch failed: %w", err)
	}

	// Base comes from the final URL so redirects resolve correctly.
	return strings.Split(string(data), "\n"), resp.Request.URL, nil
}

func (t *Task) fetchSegment(seg segment) error {
	dst := filepath.Join(t.OutputDir, seg.filename)
	if info, err := os.Stat(dst); err == nil && info.Size() > 0 {
		logger.Debugf("task %s: segment %s already on disk", t.ID, seg.filename)
		return nil
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, seg.url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("segment request returned status %d", resp.StatusCode)
	}

	tmp := dst + "." + uuid.NewString() + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var reader io.Reader = &countingReader{r: resp.Body, speed: t.speed}
	if t.limiter != nil {
		reader = &throttledReader{ctx: ctx, r: reader, limiter: t.limiter}
	}

	_, err = io.Copy(file, reader)
	file.Close()
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

type countingReader struct {
	r     io.Reader
	speed *SpeedCalculator
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.speed.AddBytes(int64(n))
	}
	return n, err
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		return n, err
	}
	if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
		return n, werr
	}
	return n, nil
}
