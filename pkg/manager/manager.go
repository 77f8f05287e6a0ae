// Package manager coordinates many download tasks: creation, pause/resume,
// deletion, a global active-task concurrency cap with FIFO promotion,
// crash-safe persistence of task records, and a single subscriber stream for
// lifecycle and progress notifications.
package manager

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/w1217358955/BszM3u8Downloader/internal/logger"
	"github.com/w1217358955/BszM3u8Downloader/pkg/common"
	"github.com/w1217358955/BszM3u8Downloader/pkg/store"
	"github.com/w1217358955/BszM3u8Downloader/pkg/task"
)

var (
	// ErrDuplicateTask is returned when creating a task with an id that is
	// already in use.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrTaskNotFound is returned when operating on an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrManagerClosed is returned for operations on a closed manager.
	ErrManagerClosed = errors.New("manager is closed")
)

// PlaybackServer is the contract for the external local HTTP server that
// plays back a completed download. Given the root directory of a task known
// to contain a localized playlist, it returns a reachable base URL for that
// content or a descriptive error if the directory or playlist is missing or
// incomplete. This library does not implement it.
type PlaybackServer interface {
	Serve(rootDirectory string) (baseURL string, err error)
}

// Manager owns the authoritative set of task records and at most one live
// task per active id. Construct one long-lived instance and share it.
type Manager struct {
	mu      sync.RWMutex
	cfg     *Config
	records map[string]common.TaskRecord
	tasks   map[string]*task.Task
	closed  bool

	store  *store.Store
	queue  *queueProcessor
	events chan common.Event
	stopCh chan struct{}
}

// New creates a manager, loading any records persisted by earlier runs.
// Records left in an active state by a crash are normalized to Paused.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	st, err := store.Open(cfg.StoreDir, cfg.SaveDebounce)
	if err != nil {
		return nil, err
	}

	records, err := st.Load()
	if err != nil {
		st.Close()
		return nil, err
	}

	var normalized []common.TaskRecord
	for id, rec := range records {
		if rec.Status.IsActive() {
			rec.Status = common.StatusPaused
			records[id] = rec
			normalized = append(normalized, rec)
		}
	}

	m := &Manager{
		cfg:     cfg,
		records: records,
		tasks:   make(map[string]*task.Task),
		store:   st,
		events:  make(chan common.Event, cfg.EventBuffer),
		stopCh:  make(chan struct{}),
	}
	m.queue = newQueueProcessor(cfg.MaxConcurrentTasks, m.activate, m.stopCh)

	if len(normalized) > 0 {
		for _, rec := range normalized {
			m.publish(rec, common.EventStatus)
		}
		st.ScheduleSave(m.snapshot())
	}
	logger.Infof("manager ready with %d persisted task(s)", len(records))
	return m, nil
}

// Events returns the single subscriber channel. Every record mutation is
// delivered as one event; Err is non-nil only for failures.
func (m *Manager) Events() <-chan common.Event {
	return m.events
}

// SetRootDirectory relocates where future tasks' subdirectories are created.
// An empty path restores the default. Existing tasks keep their directories.
func (m *Manager) SetRootDirectory(path string) error {
	if path == "" {
		path = DefaultConfig().RootDir
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}
	m.mu.Lock()
	m.cfg.RootDir = path
	m.mu.Unlock()
	return nil
}

// CreateAndStart registers a new task and starts it, or queues it when the
// active-task cap is reached. An empty taskID defaults to the URL. A nil
// error means the task was accepted, not that it finished.
func (m *Manager) CreateAndStart(taskID, rawURL string, ext map[string]string) error {
	if taskID == "" {
		taskID = rawURL
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, exists := m.records[taskID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}

	outputDir := filepath.Join(m.cfg.RootDir, taskDirName(taskID))
	t, err := m.buildTask(taskID, rawURL, outputDir, ext)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	m.records[taskID] = t.Record()
	m.tasks[taskID] = t
	snapshot := m.snapshotLocked()
	createdAt := t.CreatedAt
	m.mu.Unlock()

	if err := m.store.SaveNow(snapshot); err != nil {
		m.mu.Lock()
		delete(m.records, taskID)
		delete(m.tasks, taskID)
		m.mu.Unlock()
		return fmt.Errorf("failed to persist task %s: %w", taskID, err)
	}

	logger.Infof("created task %s for %s", taskID, rawURL)
	m.queue.Enqueue(taskID, createdAt)
	return nil
}

// Pause pauses a live task. No-op when the task is unknown, already paused
// or not running.
func (m *Manager) Pause(taskID string) {
	m.mu.RLock()
	t := m.tasks[taskID]
	m.mu.RUnlock()
	if t != nil {
		t.Pause()
	}
}

// PauseAll pauses every live task.
func (m *Manager) PauseAll() {
	for _, t := range m.liveTasks() {
		t.Pause()
	}
}

// Resume resumes a paused task. When no live task exists (e.g. after a
// restart) it reconstructs one from the persisted record and enqueues it
// under the concurrency cap.
func (m *Manager) Resume(taskID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	rec, ok := m.records[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if t := m.tasks[taskID]; t != nil {
		st := t.Status()
		if !st.IsTerminal() {
			m.mu.Unlock()
			if st == common.StatusPaused || st == common.StatusReady {
				m.queue.Enqueue(taskID, t.CreatedAt)
			}
			return nil
		}
		// Terminal instances never run again; restarting means a fresh
		// instance rebuilt from the record.
		delete(m.tasks, taskID)
	}

	if rec.Status == common.StatusCompleted {
		m.mu.Unlock()
		return nil
	}

	t, err := m.buildTask(taskID, rec.URL, rec.OutputDir, rec.Ext)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.CreatedAt = time.Unix(rec.CreatedAt, 0)

	// Restarting a stopped task resets its progress.
	if rec.Status == common.StatusStopped {
		rec.Progress = 0
	}
	rec.Status = common.StatusReady
	m.records[taskID] = rec
	m.tasks[taskID] = t
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.publish(rec, common.EventStatus)
	m.store.ScheduleSave(snapshot)
	m.queue.Enqueue(taskID, t.CreatedAt)
	return nil
}

// ResumeAll resumes every non-completed task, reconstructing persisted ones.
func (m *Manager) ResumeAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id, rec := range m.records {
		if rec.Status != common.StatusCompleted {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Resume(id); err != nil {
			logger.Warnf("resume %s failed: %v", id, err)
		}
	}
}

// Stop stops a task. Partial files stay on disk until the task is deleted
// or restarted.
func (m *Manager) Stop(taskID string) error {
	m.mu.Lock()
	rec, ok := m.records[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t := m.tasks[taskID]
	if t == nil {
		// Stop from a terminal state is an idempotent no-op; a completed
		// record must never be demoted.
		if rec.Status.IsTerminal() {
			m.mu.Unlock()
			return nil
		}
		rec.Status = common.StatusStopped
		m.records[taskID] = rec
		snapshot := m.snapshotLocked()
		m.mu.Unlock()

		m.publish(rec, common.EventStatus)
		return m.store.SaveNow(snapshot)
	}
	m.mu.Unlock()

	t.Stop()
	return nil
}

// Delete stops a task if live, removes its output directory recursively,
// removes its record and persists the change.
func (m *Manager) Delete(taskID string) error {
	m.mu.Lock()
	rec, ok := m.records[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t := m.tasks[taskID]
	delete(m.records, taskID)
	delete(m.tasks, taskID)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	if err := os.RemoveAll(rec.OutputDir); err != nil {
		logger.Errorf("failed to remove %s: %v", rec.OutputDir, err)
	}
	logger.Infof("deleted task %s", taskID)
	return m.store.SaveNow(snapshot)
}

// DeleteAll removes all completed tasks' files and records. Unfinished
// tasks are untouched.
func (m *Manager) DeleteAll() error {
	m.mu.Lock()
	var victims []common.TaskRecord
	for id, rec := range m.records {
		if rec.Status == common.StatusCompleted {
			victims = append(victims, rec)
			delete(m.records, id)
			delete(m.tasks, id)
		}
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	for _, rec := range victims {
		if err := os.RemoveAll(rec.OutputDir); err != nil {
			logger.Errorf("failed to remove %s: %v", rec.OutputDir, err)
		}
	}
	return m.store.SaveNow(snapshot)
}

// StopAll stops and deletes all non-completed tasks and their files.
// Completed tasks are untouched.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	var victims []common.TaskRecord
	var live []*task.Task
	for id, rec := range m.records {
		if rec.Status == common.StatusCompleted {
			continue
		}
		if t := m.tasks[id]; t != nil {
			live = append(live, t)
		}
		victims = append(victims, rec)
		delete(m.records, id)
		delete(m.tasks, id)
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	for _, t := range live {
		t.Stop()
	}
	for _, rec := range victims {
		if err := os.RemoveAll(rec.OutputDir); err != nil {
			logger.Errorf("failed to remove %s: %v", rec.OutputDir, err)
		}
	}
	return m.store.SaveNow(snapshot)
}

// TaskInfo returns the freshest record for a task, preferring the live
// in-memory state over the persisted record.
func (m *Manager) TaskInfo(taskID string) (common.TaskRecord, error) {
	m.mu.RLock()
	t := m.tasks[taskID]
	rec, ok := m.records[taskID]
	m.mu.RUnlock()

	if t != nil {
		live := t.Record()
		if ok {
			live.CreatedAt = rec.CreatedAt
		}
		return live, nil
	}
	if !ok {
		return common.TaskRecord{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return rec.Clone(), nil
}

// TaskDic is TaskInfo flattened to a string-only map.
func (m *Manager) TaskDic(taskID string) (map[string]string, error) {
	rec, err := m.TaskInfo(taskID)
	if err != nil {
		return nil, err
	}
	return rec.Dic(), nil
}

// ExistingTask returns the live task for an id, or nil. It never creates a
// task or touches persistence.
func (m *Manager) ExistingTask(taskID string) *task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[taskID]
}

// AllTasks returns every record sorted by creation time.
func (m *Manager) AllTasks(ascending bool) []common.TaskRecord {
	return m.query(func(common.TaskRecord) bool { return true }, ascending)
}

// InProgressTasks returns the records of every non-completed task.
func (m *Manager) InProgressTasks(ascending bool) []common.TaskRecord {
	return m.query(func(r common.TaskRecord) bool { return r.Status != common.StatusCompleted }, ascending)
}

// CompletedTasks returns the records of every completed task.
func (m *Manager) CompletedTasks(ascending bool) []common.TaskRecord {
	return m.query(func(r common.TaskRecord) bool { return r.Status == common.StatusCompleted }, ascending)
}

// AllTaskDics is AllTasks flattened to string-only maps.
func (m *Manager) AllTaskDics(ascending bool) []map[string]string {
	return toDics(m.AllTasks(ascending))
}

// InProgressTaskDics is InProgressTasks flattened to string-only maps.
func (m *Manager) InProgressTaskDics(ascending bool) []map[string]string {
	return toDics(m.InProgressTasks(ascending))
}

// CompletedTaskDics is CompletedTasks flattened to string-only maps.
func (m *Manager) CompletedTaskDics(ascending bool) []map[string]string {
	return toDics(m.CompletedTasks(ascending))
}

// NotifyAppState fans the foreground/background signal out to live tasks.
// Background pauses active tasks (policy permitting); foreground resumes
// only the tasks paused by this mechanism, through the concurrency cap.
func (m *Manager) NotifyAppState(state common.AppState) {
	for _, t := range m.liveTasks() {
		if state == common.AppBackground {
			t.AutoPause()
			continue
		}
		if t.Status() == common.StatusPaused && t.PauseReason() == common.PauseSystem {
			m.queue.Enqueue(t.ID, t.CreatedAt)
		}
	}
}

// Close pauses active tasks, persists their records as Paused so a later
// run can resume them, and releases all resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	for id, rec := range m.records {
		if t := m.tasks[id]; t != nil && t.Status().IsActive() {
			rec.Status = common.StatusPaused
			rec.Progress = t.Progress()
			m.records[id] = rec
		}
	}
	m.closed = true
	live := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		live = append(live, t)
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	close(m.stopCh)
	for _, t := range live {
		t.Stop()
	}

	saveErr := m.store.SaveNow(snapshot)
	closeErr := m.store.Close()
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}

// activate is the queue's slot worker: it starts or resumes the task and
// holds the slot until the task leaves the active states.
func (m *Manager) activate(taskID string) {
	m.mu.RLock()
	t := m.tasks[taskID]
	m.mu.RUnlock()
	if t == nil {
		return
	}

	switch t.Status() {
	case common.StatusReady:
		t.Start()
	case common.StatusPaused:
		t.Resume()
	default:
		return
	}
	t.WaitInactive()
}

func (m *Manager) buildTask(taskID, rawURL, outputDir string, ext map[string]string) (*task.Task, error) {
	t, err := task.New(taskID, rawURL, outputDir, ext, m.cfg.taskOptions())
	if err != nil {
		return nil, err
	}
	t.SetOnEvent(m.handleTaskEvent)
	return t, nil
}

// handleTaskEvent mirrors task state into the authoritative record, persists
// a snapshot (synchronously for terminal transitions) and forwards the event
// to the subscriber.
func (m *Manager) handleTaskEvent(ev common.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	id := ev.Record.TaskID
	rec, ok := m.records[id]
	if !ok {
		// Task was deleted while its goroutines wound down.
		m.mu.Unlock()
		return
	}
	rec.Status = ev.Record.Status
	rec.Progress = ev.Record.Progress
	m.records[id] = rec
	ev.Record = rec.Clone()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if ev.Kind == common.EventStatus && rec.Status.IsTerminal() {
		if err := m.store.SaveNow(snapshot); err != nil {
			logger.Errorf("failed to persist terminal state of %s: %v", id, err)
		}
	} else {
		m.store.ScheduleSave(snapshot)
	}

	select {
	case m.events <- ev:
	default:
		logger.Debugf("dropping %s event for %s, subscriber lagging", ev.Kind, id)
	}
}

// publish notifies the subscriber of a record mutation made by the manager
// itself, outside any live task's event flow.
func (m *Manager) publish(rec common.TaskRecord, kind common.EventKind) {
	ev := common.Event{Kind: kind, Record: rec.Clone(), Time: time.Now()}
	select {
	case m.events <- ev:
	default:
		logger.Debugf("dropping %s event for %s, subscriber lagging", kind, rec.TaskID)
	}
}

func (m *Manager) liveTasks() []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

func (m *Manager) query(keep func(common.TaskRecord) bool, ascending bool) []common.TaskRecord {
	m.mu.RLock()
	records := make([]common.TaskRecord, 0, len(m.records))
	for _, rec := range m.records {
		if keep(rec) {
			records = append(records, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt == records[j].CreatedAt {
			return records[i].TaskID < records[j].TaskID
		}
		if ascending {
			return records[i].CreatedAt < records[j].CreatedAt
		}
		return records[i].CreatedAt > records[j].CreatedAt
	})
	return records
}

func (m *Manager) snapshot() map[string]common.TaskRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// snapshotLocked deep-copies the record set. Caller holds mu.
func (m *Manager) snapshotLocked() map[string]common.TaskRecord {
	snapshot := make(map[string]common.TaskRecord, len(m.records))
	for id, rec := range m.records {
		snapshot[id] = rec.Clone()
	}
	return snapshot
}

func toDics(records []common.TaskRecord) []map[string]string {
	dics := make([]map[string]string, 0, len(records))
	for _, rec := range records {
		dics = append(dics, rec.Dic())
	}
	return dics
}

// taskDirName derives the per-task output subdirectory name from the task
// id, keeping arbitrary ids (URLs included) filesystem-safe.
func taskDirName(taskID string) string {
	sum := md5.Sum([]byte(taskID))
	return hex.EncodeToString(sum[:])
}
