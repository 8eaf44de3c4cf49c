package dedicated

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Process is a running dedicated server.
type Process interface {
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
}

// Launcher starts dedicated server processes.
type Launcher interface {
	Launch(executable string, args []string) (Process, error)
}

// ExecLauncher starts processes with os/exec, sending their output to the
// logger at debug level.
type ExecLauncher struct {
	logger *zap.Logger
}

// NewExecLauncher creates an ExecLauncher.
func NewExecLauncher(logger *zap.Logger) *ExecLauncher {
	return &ExecLauncher{logger: logger}
}

// Launch starts executable with args in the executable's directory.
//
// Postcondition: Returns a started Process, or an error if it could not start.
func (l *ExecLauncher) Launch(executable string, args []string) (Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Dir = filepath.Dir(executable)
	out := &zapio.Writer{Log: l.logger.With(zap.String("executable", filepath.Base(executable))), Level: zap.DebugLevel}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", executable, err)
	}
	return &execProcess{cmd: cmd, out: out}, nil
}

type execProcess struct {
	cmd *exec.Cmd
	out *zapio.Writer
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	defer p.out.Close()
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
