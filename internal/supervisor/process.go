package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/shardvisor/internal/cluster"
)

// Process is a running cluster process owned by the Manager.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error. Only meaningful after Done is closed.
	Err() error

	// Terminate asks the process to stop and kills it if it is still running
	// after grace. A process that already exited is not an error.
	Terminate(grace time.Duration) error
}

// Spawner starts cluster processes.
type Spawner interface {
	Spawn(ctx context.Context, a cluster.Assignment, out io.Writer) (Process, error)
}

// ExecSpawner starts each cluster as an OS process running Command. The
// assignment is passed through the environment, see cluster.Assignment.Env.
type ExecSpawner struct {
	// Command is the argv of the cluster process. Command[0] is resolved
	// through PATH.
	Command []string

	// Dir is the working directory. Empty means the supervisor's.
	Dir string

	// Env is appended to the supervisor's environment before the
	// assignment variables.
	Env []string
}

// Spawn starts the process with stdout and stderr redirected to out.
func (s *ExecSpawner) Spawn(ctx context.Context, a cluster.Assignment, out io.Writer) (Process, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// exec.Command rather than CommandContext: cluster processes outlive the
	// request that spawned them and are stopped through Terminate.
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...), a.Env()...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Command[0], err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) wait() {
	p.err = p.cmd.Wait()
	close(p.done)
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
		}
	} else if errors.Is(err, os.ErrProcessDone) {
		<-p.done
		return nil
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

// SinkOpener opens the log sink for a cluster.
type SinkOpener func(clusterID int) (io.WriteCloser, error)

// LogFilePath is where the log of clusterID lives under dir.
func LogFilePath(dir string, clusterID int) string {
	return filepath.Join(dir, "cluster_"+strconv.Itoa(clusterID)+".log")
}

// FileSinks opens append-only log files named by cluster id under dir,
// creating dir if needed. Reopening the same cluster appends to its file.
func FileSinks(dir string) SinkOpener {
	return func(clusterID int) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(LogFilePath(dir, clusterID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open cluster log: %w", err)
		}
		return f, nil
	}
}
