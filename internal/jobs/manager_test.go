package jobs

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"synthd/pkg/types"
)

func shCommand(script string) CommandFunc {
	return func(string, types.JobParams) *exec.Cmd {
		return exec.Command("sh", "-c", script)
	}
}

func newTestManager(script string) *Manager {
	m := NewManager(shCommand(script), zerolog.Nop())
	m.grace = 200 * time.Millisecond
	m.keep = time.Hour
	return m
}

func waitTerminal(t *testing.T, m *Manager, id string) types.JobStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st, err := m.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Finished {
			return st
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never finished", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartCapturesOutputAndExit(t *testing.T) {
	m := newTestManager(`echo one; echo two; exit 0`)
	id, err := m.Start("demo", types.JobParams{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitTerminal(t, m, id)
	if st.State != types.JobFinished || st.ReturnCode == nil || *st.ReturnCode != 0 {
		t.Fatalf("status %+v", st)
	}

	history, ch, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(history) != 2 || history[0] != "one" || history[1] != "two" {
		t.Fatalf("history %v", history)
	}
	ev, ok := <-ch
	if !ok || ev.Type != "finished" || *ev.ReturnCode != 0 {
		t.Fatalf("terminal event %+v ok=%v", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after terminal event")
	}
}

func TestNonZeroExitMeansError(t *testing.T) {
	m := newTestManager(`exit 3`)
	id, _ := m.Start("bad", types.JobParams{})
	st := waitTerminal(t, m, id)
	if st.State != types.JobError || *st.ReturnCode != 3 {
		t.Fatalf("status %+v", st)
	}
}

func TestJobIDDedupe(t *testing.T) {
	m := newTestManager(`sleep 5`)
	a, _ := m.Start("job", types.JobParams{})
	b, _ := m.Start("job", types.JobParams{})
	c, _ := m.Start("job", types.JobParams{})
	if a != "job" || b != "job_1" || c != "job_2" {
		t.Fatalf("ids %s %s %s", a, b, c)
	}
	for _, id := range []string{a, b, c} {
		m.Stop(id)
	}
}

func TestSubscribeLiveStream(t *testing.T) {
	m := newTestManager(`echo early; sleep 0.2; echo late`)
	id, _ := m.Start("live", types.JobParams{})
	time.Sleep(100 * time.Millisecond)

	history, ch, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(history) == 0 || history[0] != "early" {
		t.Fatalf("history %v", history)
	}

	var sawLate, sawFinished bool
	for ev := range ch {
		switch {
		case ev.Type == "output" && ev.Line == "late":
			sawLate = true
		case ev.Type == "finished":
			sawFinished = true
		}
	}
	if !sawLate || !sawFinished {
		t.Fatalf("sawLate=%v sawFinished=%v", sawLate, sawFinished)
	}
}

func TestStopTerminatesAndDeleteWorks(t *testing.T) {
	m := newTestManager(`sleep 30`)
	id, _ := m.Start("stopme", types.JobParams{})

	if err := m.Delete(id); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("delete on running job: %v", err)
	}

	start := time.Now()
	if err := m.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("stop took %v", time.Since(start))
	}
	st, _ := m.Status(id)
	if st.State != types.JobStopped || !st.Finished {
		t.Fatalf("status after stop %+v", st)
	}

	if err := m.Delete(id); err != nil {
		t.Fatalf("delete after stop: %v", err)
	}
	if _, err := m.Status(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted job still visible: %v", err)
	}
}

// SIGTERM is ignored by the script, so the kill path must fire after the
// grace period.
func TestStopEscalatesToKill(t *testing.T) {
	// Short sleeps keep the inherited pipe from outliving the shell once
	// it is killed.
	m := newTestManager(`trap '' TERM; while true; do sleep 0.1; done`)
	id, _ := m.Start("stubborn", types.JobParams{})
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := m.Stop(id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(start) < m.grace {
		t.Fatalf("stop returned before grace elapsed")
	}
	st, _ := m.Status(id)
	if st.State != types.JobStopped {
		t.Fatalf("status %+v", st)
	}
}

// A subscriber attaching while the job is inside its SIGTERM grace
// window must still receive the remaining stream and the finished event.
func TestSubscribeDuringStopGraceGetsFinished(t *testing.T) {
	m := newTestManager(`trap '' TERM; while true; do sleep 0.1; done`)
	id, _ := m.Start("graceful", types.JobParams{})
	time.Sleep(50 * time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		m.Stop(id)
		close(stopDone)
	}()
	time.Sleep(50 * time.Millisecond)

	st, err := m.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != types.JobStopped {
		t.Fatalf("expected stop window, status %+v", st)
	}

	_, ch, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var finished *types.LogEvent
	deadline := time.After(5 * time.Second)
	for finished == nil {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed without finished event")
			}
			if ev.Type == "finished" {
				finished = &ev
			}
		case <-deadline:
			t.Fatalf("no finished event within deadline")
		}
	}
	if finished.ReturnCode == nil {
		t.Fatalf("finished event carries no return code")
	}
	<-stopDone
}

// Stop on an already-terminal job re-arms the cleanup timer instead of
// letting the original deadline evict the record.
func TestStopOnTerminalReschedulesCleanup(t *testing.T) {
	m := newTestManager(`exit 0`)
	id, _ := m.Start("done", types.JobParams{})
	waitTerminal(t, m, id)

	m.mu.Lock()
	before := m.jobs[id].cleanup
	m.mu.Unlock()
	if before == nil {
		t.Fatalf("no cleanup timer after exit")
	}

	if err := m.Stop(id); err != nil {
		t.Fatalf("stop on terminal job: %v", err)
	}
	m.mu.Lock()
	after := m.jobs[id].cleanup
	m.mu.Unlock()
	if after == before {
		t.Fatalf("cleanup timer not rescheduled")
	}
	if _, err := m.Status(id); err != nil {
		t.Fatalf("record evicted early: %v", err)
	}
}

func TestListAndActive(t *testing.T) {
	m := newTestManager(`sleep 5`)
	a, _ := m.Start("alpha", types.JobParams{})

	list := m.List()
	if len(list) != 1 || list[0].JobID != a || list[0].Finished {
		t.Fatalf("list %+v", list)
	}
	active := m.Active()
	if len(active) != 1 || active[0] != a {
		t.Fatalf("active %v", active)
	}
	m.Stop(a)
	if len(m.Active()) != 0 {
		t.Fatalf("active after stop: %v", m.Active())
	}
}

func TestUnknownJob(t *testing.T) {
	m := newTestManager(`true`)
	if _, err := m.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("status: %v", err)
	}
	if err := m.Stop("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stop: %v", err)
	}
	if err := m.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete: %v", err)
	}
}
