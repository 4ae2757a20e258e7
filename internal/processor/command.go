package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"videoarchiver/internal/config"
	"videoarchiver/internal/queue"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(string)) error
}

// Option configures a CommandProcessor.
type Option func(*CommandProcessor)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(p *CommandProcessor) {
		if exec != nil {
			p.exec = exec
		}
	}
}

// CommandProcessor archives an item by running an external downloader.
type CommandProcessor struct {
	command       []string
	outputDir     string
	terminalCodes []int
	exec          Executor
	now           func() time.Time
}

// NewCommand constructs a processor from the [processor] config section.
func NewCommand(cfg config.Processor, opts ...Option) (*CommandProcessor, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("processor command required")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, errors.New("processor output directory required")
	}
	p := &CommandProcessor{
		command:       slices.Clone(cfg.Command),
		outputDir:     cfg.OutputDir,
		terminalCodes: slices.Clone(cfg.TerminalExitCodes),
		exec:          commandExecutor{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process implements Processor. The item gets its own directory under
// <output_dir>/<guild_id>/<item_id>.
func (p *CommandProcessor) Process(ctx context.Context, item queue.Item) (map[string]string, error) {
	destDir := filepath.Join(p.outputDir, sanitizeSegment(item.GuildID), sanitizeSegment(item.ID))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, Wrap(ErrTransient, "prepare", "create output directory", err)
	}

	argv := p.expand(item, destDir)
	started := p.now()

	var (
		mu       sync.Mutex
		lastLine string
	)
	err := p.exec.Run(ctx, argv[0], argv[1:], func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			mu.Lock()
			lastLine = line
			mu.Unlock()
		}
	})
	mu.Lock()
	tail := lastLine
	mu.Unlock()

	if err != nil {
		return nil, p.classifyRunError(ctx, argv[0], tail, err)
	}
	return map[string]string{
		"output_dir": destDir,
		"duration":   p.now().Sub(started).Round(time.Millisecond).String(),
		"last_line":  tail,
	}, nil
}

func (p *CommandProcessor) expand(item queue.Item, destDir string) []string {
	replacer := strings.NewReplacer(
		"{url}", item.URL,
		"{guild_id}", item.GuildID,
		"{item_id}", item.ID,
		"{output_dir}", destDir,
	)
	argv := make([]string, len(p.command))
	for i, arg := range p.command {
		argv[i] = replacer.Replace(arg)
	}
	return argv
}

func (p *CommandProcessor) classifyRunError(ctx context.Context, binary, tail string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Wrap(ErrTimeout, binary, "deadline exceeded", err)
		}
		return Wrap(ErrTransient, binary, "cancelled", err)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return Wrap(ErrTerminal, binary, "binary not found", err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		message := fmt.Sprintf("exit code %d", code)
		if tail != "" {
			message += ": " + tail
		}
		if slices.Contains(p.terminalCodes, code) {
			return Wrap(ErrTerminal, binary, message, nil)
		}
		return Wrap(ErrTransient, binary, message, nil)
	}
	return Wrap(ErrTransient, binary, "run", err)
}

func sanitizeSegment(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", "..", "-")
	name = replacer.Replace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

const (
	// maxLineBytes caps a single output line; longer lines are split.
	maxLineBytes = 1024 * 1024
	// killGrace bounds how long Run waits for output pipes after the
	// process group was killed or the leader exited.
	killGrace = 2 * time.Second
)

type commandExecutor struct{}

// Run starts binary in its own process group. Cancelling ctx kills the whole
// group, so helpers the downloader spawned (ffmpeg, shells) cannot keep the
// output pipes open past the deadline.
func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = killGrace

	var mu sync.Mutex
	stdout := &lineWriter{mu: &mu, onLine: onLine}
	stderr := &lineWriter{mu: &mu, onLine: onLine}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	err := cmd.Wait()
	stdout.flush()
	stderr.flush()
	if err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}

// lineWriter hands complete output lines to onLine. It always consumes what
// it is given so the child never blocks on a full pipe.
type lineWriter struct {
	mu     *sync.Mutex
	onLine func(string)
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf = append(w.buf, p...)
			if len(w.buf) >= maxLineBytes {
				w.emit()
			}
			break
		}
		w.buf = append(w.buf, p[:i]...)
		w.emit()
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit()
	}
}

func (w *lineWriter) emit() {
	line := string(bytes.TrimSuffix(w.buf, []byte{'\r'}))
	w.buf = w.buf[:0]
	if w.onLine == nil {
		return
	}
	w.mu.Lock()
	w.onLine(line)
	w.mu.Unlock()
}
