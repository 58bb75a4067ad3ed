// Package localexec runs job commands as local processes, restricted by an allowlist.
package localexec

import (
	"bufio"
	"context"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/tessera/internal/executor"
	"github.com/fentz26/tessera/internal/models"
)

// ProgressMarker prefixes output lines that report job progress, e.g. "PROGRESS 0.5".
const ProgressMarker = "PROGRESS "

// MaxLineBytes bounds a single output line. Longer lines end log streaming
// for that pipe; the rest of the output is discarded.
const MaxLineBytes = 4 * 1024 * 1024

// DefaultAllowedCommands is the allowlist used when none is configured.
// An empty subcommand list allows any arguments.
var DefaultAllowedCommands = map[string][]string{
	"datax": {},
	"sqoop": {"import", "export"},
	"echo":  {},
}

// LocalExec implements executor.Runner for local command execution.
type LocalExec struct {
	workDir string
	allowed map[string][]string
}

// New creates a new LocalExec runner. A nil allowlist selects DefaultAllowedCommands.
func New(workDir string, allowed map[string][]string) *LocalExec {
	if allowed == nil {
		allowed = DefaultAllowedCommands
	}
	return &LocalExec{workDir: workDir, allowed: allowed}
}

// Name returns the runner identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	if len(allowedSubcmds) == 0 {
		return true
	}
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs the job's command if it's in the allowlist, streaming every
// output line to the reporter.
func (l *LocalExec) Execute(ctx context.Context, job *models.Job, r executor.Reporter) (*executor.Result, error) {
	if !l.IsAllowed(job.Command, job.Args) {
		return nil, errors.Errorf("command not allowed: %s %s", job.Command, strings.Join(job.Args, " "))
	}

	execCmd := exec.CommandContext(ctx, job.Command, job.Args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := execCmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderr pipe")
	}
	if err := execCmd.Start(); err != nil {
		return nil, errors.Wrap(err, "exec error")
	}

	var g errgroup.Group
	g.Go(func() error { return stream(job.ID, stdout, r) })
	g.Go(func() error { return stream(job.ID, stderr, r) })
	streamErr := g.Wait()

	err = execCmd.Wait()
	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return nil, errors.Wrap(err, "exec error")
		}
	}
	if streamErr != nil && exitCode == 0 {
		return nil, errors.Wrap(streamErr, "read output")
	}

	return &executor.Result{ExitCode: exitCode}, nil
}

func stream(jobID string, rd io.Reader, r executor.Reporter) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if p, ok := parseProgress(line); ok {
			r.Progress(jobID, p)
			continue
		}
		r.Log(jobID, line)
	}
	if err := sc.Err(); err != nil {
		// Keep the pipe drained so the process can still exit.
		_, _ = io.Copy(io.Discard, rd)
		return err
	}
	return nil
}

func parseProgress(line string) (float64, bool) {
	if !strings.HasPrefix(line, ProgressMarker) {
		return 0, false
	}
	p, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, ProgressMarker)), 64)
	if err != nil || math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, false
	}
	return p, true
}
