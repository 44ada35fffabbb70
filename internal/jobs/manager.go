// Package jobs owns the lifecycle of generation jobs: each job is a
// supervised subprocess whose stdout lines form its log stream.
package jobs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"synthd/pkg/types"
)

const (
	// stopGrace is how long a job gets between SIGTERM and SIGKILL.
	stopGrace = 5 * time.Second
	// cleanupDelay keeps terminal jobs queryable before eviction.
	cleanupDelay = 300 * time.Second
)

var (
	// ErrNotFound means no job with that id is registered.
	ErrNotFound = errors.New("job not found")
	// ErrNotTerminal means delete was called on a live job.
	ErrNotTerminal = errors.New("job is running, stop it first")
)

var jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "synthd", Subsystem: "jobs",
	Name: "active", Help: "Jobs currently running",
})

func init() {
	prometheus.MustRegister(jobsActive)
}

// CommandFunc builds the subprocess for a job. Swapped in tests.
type CommandFunc func(jobID string, params types.JobParams) *exec.Cmd

type job struct {
	id         string
	params     types.JobParams
	state      types.JobState
	cmd        *exec.Cmd
	history    []string
	subs       map[chan types.LogEvent]struct{}
	returnCode *int
	startedAt  time.Time
	finishedAt time.Time
	cleanup    *time.Timer
	done       chan struct{}
}

// Manager is the mutex-guarded job registry.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*job
	command CommandFunc
	log     zerolog.Logger

	// grace and keep override the stop/cleanup timing in tests.
	grace time.Duration
	keep  time.Duration
}

// NewManager builds a Manager that launches jobs via command.
func NewManager(command CommandFunc, log zerolog.Logger) *Manager {
	return &Manager{
		jobs:    map[string]*job{},
		command: command,
		log:     log,
		grace:   stopGrace,
		keep:    cleanupDelay,
	}
}

// Start registers a job under a unique id derived from name (suffixing
// _N on collision) and spawns its subprocess. Stdout and stderr are
// merged into the line-oriented log stream.
func (m *Manager) Start(name string, params types.JobParams) (string, error) {
	m.mu.Lock()
	id := name
	for n := 1; ; n++ {
		if _, taken := m.jobs[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s_%d", name, n)
	}
	j := &job{
		id:        id,
		params:    params,
		state:     types.JobRunning,
		subs:      map[chan types.LogEvent]struct{}{},
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.jobs[id] = j
	m.mu.Unlock()

	cmd := m.command(id, params)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
		pw.Close()
		pr.Close()
		return "", fmt.Errorf("start job %s: %w", id, err)
	}
	m.mu.Lock()
	j.cmd = cmd
	m.mu.Unlock()
	jobsActive.Inc()
	m.log.Info().Str("job_id", id).Int("pid", cmd.Process.Pid).Msg("job started")

	go m.readLines(j, pr)
	go m.wait(j, cmd, pw)
	return id, nil
}

// readLines appends subprocess output to history and fans it out.
func (m *Manager) readLines(j *job, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		m.mu.Lock()
		j.history = append(j.history, line)
		for ch := range j.subs {
			select {
			case ch <- types.LogEvent{Type: "output", Line: line}:
			default:
				// Slow subscriber: drop the line rather than stall the
				// reader; history still carries it.
			}
		}
		m.mu.Unlock()
	}
}

// wait blocks on the subprocess, records its exit, and notifies
// subscribers with the terminal event.
func (m *Manager) wait(j *job, cmd *exec.Cmd, pw *io.PipeWriter) {
	err := cmd.Wait()
	pw.Close()
	jobsActive.Dec()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	m.mu.Lock()
	j.returnCode = &code
	j.finishedAt = time.Now()
	// Stop already set its terminal state; don't overwrite it.
	if !j.state.Terminal() {
		if code == 0 {
			j.state = types.JobFinished
		} else {
			j.state = types.JobError
		}
	}
	for ch := range j.subs {
		select {
		case ch <- types.LogEvent{Type: "finished", ReturnCode: &code}:
		default:
		}
		close(ch)
	}
	j.subs = map[chan types.LogEvent]struct{}{}
	close(j.done)
	m.scheduleCleanupLocked(j)
	state := j.state
	m.mu.Unlock()

	m.log.Info().Str("job_id", j.id).Int("return_code", code).
		Str("status", string(state)).Msg("job exited")
}

// scheduleCleanupLocked arms (or re-arms) the eviction timer. Caller
// holds m.mu.
func (m *Manager) scheduleCleanupLocked(j *job) {
	if j.cleanup != nil {
		j.cleanup.Stop()
	}
	j.cleanup = time.AfterFunc(m.keep, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Evict only once the process has actually exited.
		if cur, ok := m.jobs[j.id]; ok && cur == j && cur.returnCode != nil {
			delete(m.jobs, j.id)
			m.log.Info().Str("job_id", j.id).Msg("job record cleaned up")
		}
	})
}

// Subscribe returns the job's full history so far and a channel of
// subsequent events. The channel closes after the terminal event, or
// immediately when the job is already terminal.
func (m *Manager) Subscribe(jobID string) ([]string, <-chan types.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	history := append([]string(nil), j.history...)
	ch := make(chan types.LogEvent, 256)
	// A stopping job is terminal by state while its process is still in
	// the SIGTERM grace window; only an exit code means the stream is
	// over. Subscribers attached during the window stay live so wait()
	// delivers the remaining output and the finished event.
	if j.returnCode != nil {
		ch <- types.LogEvent{Type: "finished", ReturnCode: j.returnCode}
		close(ch)
		return history, ch, nil
	}
	j.subs[ch] = struct{}{}
	return history, ch, nil
}

// Unsubscribe detaches a subscriber channel before the job ends.
func (m *Manager) Unsubscribe(jobID string, ch <-chan types.LogEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return
	}
	for sub := range j.subs {
		if sub == ch {
			delete(j.subs, sub)
			close(sub)
			return
		}
	}
}

// Stop terminates a running job: SIGTERM, a grace period, then SIGKILL.
// Stopping a terminal job is a no-op.
func (m *Manager) Stop(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if j.state.Terminal() {
		// Stopping an already-terminal job re-arms the cleanup timer, so
		// the record stays queryable for another full retention window.
		m.scheduleCleanupLocked(j)
		m.mu.Unlock()
		return nil
	}
	j.state = types.JobStopped
	cmd := j.cmd
	done := j.done
	m.mu.Unlock()

	m.log.Info().Str("job_id", jobID).Msg("stopping job")
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(m.grace):
			m.log.Warn().Str("job_id", jobID).Msg("grace period elapsed, killing job")
			_ = cmd.Process.Kill()
			<-done
		}
	}
	return nil
}

// Delete evicts a terminal job record. Live jobs must be stopped first.
func (m *Manager) Delete(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !j.state.Terminal() {
		return ErrNotTerminal
	}
	if j.cleanup != nil {
		j.cleanup.Stop()
	}
	delete(m.jobs, jobID)
	m.log.Info().Str("job_id", jobID).Msg("job deleted")
	return nil
}

// Status reports the lifecycle state of one job.
func (m *Manager) Status(jobID string) (types.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return types.JobStatus{}, ErrNotFound
	}
	return types.JobStatus{
		Finished:   j.state.Terminal(),
		State:      j.state,
		ReturnCode: j.returnCode,
	}, nil
}

// List summarizes every registered job.
func (m *Manager) List() []types.JobSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.JobSummary, 0, len(m.jobs))
	for _, j := range m.jobs {
		end := j.finishedAt
		if end.IsZero() {
			end = time.Now()
		}
		out = append(out, types.JobSummary{
			JobID:      j.id,
			State:      j.state,
			Finished:   j.state.Terminal(),
			ReturnCode: j.returnCode,
			Params:     j.params,
			RunSeconds: end.Sub(j.startedAt).Seconds(),
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].JobID < out[k].JobID })
	return out
}

// Active returns the ids of running jobs.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, j := range m.jobs {
		if !j.state.Terminal() {
			out = append(out, id)
		}
	}
	return out
}
