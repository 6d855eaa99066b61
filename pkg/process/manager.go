package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Manager spawns and kills tunnel subprocesses and keeps their logs
type Manager struct {
	logsDir string
}

var ErrNoLogs = errors.New("no logs available")

const stderrTailLines = 40

// Handle is a running child process. Done is closed once the process has
// been reaped; Err then reports how it exited.
type Handle struct {
	pid  int
	done chan struct{}

	mu      sync.Mutex
	err     error
	tail    []string
	logPath string
}

// Pid is the OS process id.
func (h *Handle) Pid() int {
	return h.pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the wait error after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// StderrTail returns the last lines the process wrote to stderr.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.tail))
	copy(out, h.tail)
	return out
}

// LogPath is the file capturing the process output.
func (h *Handle) LogPath() string {
	return h.logPath
}

func (h *Handle) appendTail(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tail) < stderrTailLines {
		h.tail = append(h.tail, line)
		return
	}
	copy(h.tail, h.tail[1:])
	h.tail[len(h.tail)-1] = line
}

// NewManager creates a new process manager
func NewManager(logsDir string) *Manager {
	return &Manager{
		logsDir: logsDir,
	}
}

// Spawn starts argv with extra environment entries. Output goes to a
// timestamped log file under logName; stderr is also kept in memory so
// callers can classify early exits.
func (m *Manager) Spawn(argv []string, env []string, logName string) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("invalid command: empty")
	}

	logFile, err := m.createLogFile(logName)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = nil

	// Own process group so a kill reaches anything ssh forks (askpass helpers).
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	cmd.Stdout = logFile
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &Handle{
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
		logPath: logFile.Name(),
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			h.appendTail(line)
			fmt.Fprintln(logFile, line)
		}
	}()

	go func() {
		// Drain stderr before Wait closes the pipe.
		<-copied
		waitErr := cmd.Wait()
		logFile.Close()
		h.mu.Lock()
		h.err = waitErr
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// Kill terminates a process and its group immediately. There is no graceful
// shutdown handshake with the remote side.
func (m *Manager) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to send SIGKILL: %w", err)
		}
	}
	return nil
}

func (m *Manager) isAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	if err != nil {
		return false
	}
	if st, stateErr := m.processState(pid); stateErr == nil {
		// Zombie processes still respond to signal 0 but are not runnable.
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(st)), "Z") {
			return false
		}
	}
	return true
}

// IsRunning checks if a process is still running
func (m *Manager) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return m.isAlive(pid)
}

// createLogFile creates a new log file for a tunnel
func (m *Manager) createLogFile(name string) (*os.File, error) {
	logDir := filepath.Join(m.logsDir, sanitizeLogName(name))
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("2006-01-02T15-04-05.000")
	logPath := filepath.Join(logDir, timestamp+".log")

	return os.Create(logPath)
}

// LatestLogPath returns the most recent log file path for a tunnel.
func (m *Manager) LatestLogPath(name string) (string, error) {
	logDir := filepath.Join(m.logsDir, sanitizeLogName(name))
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoLogs
		}
		return "", fmt.Errorf("failed to read log directory: %w", err)
	}
	if len(entries) == 0 {
		return "", ErrNoLogs
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	latestLog := entries[len(entries)-1]
	return filepath.Join(logDir, latestLog.Name()), nil
}

// Tail returns the last N lines from the most recent log file.
func (m *Manager) Tail(name string, lines int) ([]string, error) {
	if lines <= 0 {
		return []string{}, nil
	}

	logPath, err := m.LatestLogPath(name)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	out, err := tailReader(file, lines)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return out, nil
}

func tailReader(r io.Reader, lines int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 1024*1024)

	linesBuf := make([]string, 0, lines)
	for scanner.Scan() {
		if len(linesBuf) < lines {
			linesBuf = append(linesBuf, scanner.Text())
		} else {
			copy(linesBuf, linesBuf[1:])
			linesBuf[len(linesBuf)-1] = scanner.Text()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return linesBuf, nil
}

func (m *Manager) processState(pid int) (string, error) {
	cmd := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "state=")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func sanitizeLogName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
}

// ParseCommandArgs splits a configured command line into argv without a shell.
func ParseCommandArgs(input string) ([]string, error) {
	var args []string
	var buf strings.Builder
	inQuotes := false
	var quote rune
	escaped := false

	for _, r := range input {
		if escaped {
			buf.WriteRune(r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '"', '\'':
			if inQuotes && r == quote {
				inQuotes = false
				quote = 0
			} else if !inQuotes {
				inQuotes = true
				quote = r
			} else {
				buf.WriteRune(r)
			}
		case ' ', '\t':
			if inQuotes {
				buf.WriteRune(r)
			} else if buf.Len() > 0 {
				args = append(args, buf.String())
				buf.Reset()
			}
		default:
			buf.WriteRune(r)
		}
	}
	if escaped || inQuotes {
		return nil, fmt.Errorf("unterminated escape or quote")
	}
	if buf.Len() > 0 {
		args = append(args, buf.String())
	}
	return args, nil
}
