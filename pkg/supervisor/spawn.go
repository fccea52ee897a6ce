package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// WorkerCommand is the hidden subcommand the supervisor invokes on its own
// binary to run one job.
const WorkerCommand = "__worker"

// execWorker is a spawned OS process tracked until Wait returns.
type execWorker struct {
	pid  int
	done chan struct{}
}

func (w *execWorker) Pid() int              { return w.pid }
func (w *execWorker) Done() <-chan struct{} { return w.done }

// execSpawn starts `<executable> __worker <job_id>` in its own process
// group with stdout/stderr captured to the job's artifact directory.
func (s *Supervisor) execSpawn(ctx context.Context, jobID string) (workerHandle, error) {
	exe := s.cfg.ExecutablePath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.Command(exe, WorkerCommand, jobID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, err := s.openWorkerLogs(jobID)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := &execWorker{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		close(w.done)
	}()
	return w, nil
}

func (s *Supervisor) openWorkerLogs(jobID string) (*os.File, *os.File, error) {
	stdoutPath := os.DevNull
	stderrPath := os.DevNull
	if s.evidence != nil {
		if err := os.MkdirAll(s.evidence.JobDir(jobID), 0755); err != nil {
			return nil, nil, fmt.Errorf("create artifact dir: %w", err)
		}
		stdoutPath = s.evidence.StdoutPath(jobID)
		stderrPath = s.evidence.StderrPath(jobID)
	}

	stdout, err := os.OpenFile(filepath.Clean(stdoutPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Clean(stderrPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("open stderr log: %w", err)
	}
	return stdout, stderr, nil
}

// osProcs signals real processes. Workers run in their own process group so
// signals use the negative pid to reach the whole group.
type osProcs struct{}

func (osProcs) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (osProcs) TerminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func (osProcs) KillGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
