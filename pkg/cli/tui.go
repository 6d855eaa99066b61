package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/devports/rpt/pkg/logging"
	"github.com/devports/rpt/pkg/models"
	"github.com/devports/rpt/pkg/ports"
	"github.com/devports/rpt/pkg/process"
)

// TopCmd starts the interactive TUI mode (like 'top')
func (a *App) TopCmd(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.WatchConfig(ctx); err != nil {
		// Hosts can still be reloaded by hand with :reload.
		logging.Warn("cli", "ssh config watcher: %v", err)
	}

	updates, unsubscribe := a.registry.Subscribe()
	defer unsubscribe()

	model := newTopModel(a, updates)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type viewMode int
type viewFocus int
type sortMode int

const (
	viewModeTable viewMode = iota
	viewModeLogs
	viewModeCommand
	viewModeSearch
	viewModeHelp
	viewModeConfirm
)

const (
	focusHosts viewFocus = iota
	focusProcesses
)

const (
	sortPort sortMode = iota
	sortCommand
	sortState
	sortModeCount
)

type confirmState struct {
	prompt string
	host   string
	port   int
}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Focus   key.Binding
	Scan    key.Binding
	ScanAll key.Binding
	Forward key.Binding
	Cancel  key.Binding
	Logs    key.Binding
	Filter  key.Binding
	Clear   key.Binding
	Sort    key.Binding
	Health  key.Binding
	Command key.Binding
	Help    key.Binding
	Back    key.Binding
	Follow  key.Binding
	Quit    key.Binding
	Confirm key.Binding
	Decline key.Binding
	Refresh key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Focus:   key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "hosts/ports")),
		Scan:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "scan host")),
		ScanAll: key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "scan all")),
		Forward: key.NewBinding(key.WithKeys("enter", "f"), key.WithHelp("enter", "forward")),
		Cancel:  key.NewBinding(key.WithKeys("x", "delete"), key.WithHelp("x", "stop tunnel")),
		Logs:    key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "ssh logs")),
		Filter:  key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "filter")),
		Clear:   key.NewBinding(key.WithKeys("ctrl+l"), key.WithHelp("^L", "clear filter")),
		Sort:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "sort")),
		Health:  key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "health detail")),
		Command: key.NewBinding(key.WithKeys(":", "c"), key.WithHelp(":", "command")),
		Help:    key.NewBinding(key.WithKeys("?", "f1"), key.WithHelp("?", "help")),
		Back:    key.NewBinding(key.WithKeys("esc", "b"), key.WithHelp("b/esc", "back")),
		Follow:  key.NewBinding(key.WithKeys("F"), key.WithHelp("F", "follow logs")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Confirm: key.NewBinding(key.WithKeys("y", "enter"), key.WithHelp("y", "yes")),
		Decline: key.NewBinding(key.WithKeys("n", "esc"), key.WithHelp("n", "no")),
		Refresh: key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("^R", "reload ssh config")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Focus, k.Scan, k.Forward, k.Cancel, k.Logs, k.Filter, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Focus, k.Sort, k.Health},
		{k.Scan, k.ScanAll, k.Refresh, k.Forward, k.Cancel},
		{k.Logs, k.Follow, k.Back, k.Filter, k.Clear},
		{k.Command, k.Help, k.Quit},
	}
}

// topModel represents the TUI state.
type topModel struct {
	app     *App
	updates <-chan models.Snapshot
	snap    models.Snapshot
	width   int
	height  int
	err     error

	hostSel int
	procSel int
	focus   viewFocus
	mode    viewMode

	logLines   []string
	logErr     error
	logHost    string
	logPort    int
	followLogs bool

	cmdInput    string
	searchQuery string
	cmdStatus   string

	scanning map[string]bool
	spinner  spinner.Model
	keys     keyMap
	help     help.Model

	health           map[int]*ports.HealthCheck
	showHealthDetail bool
	healthBusy       bool
	healthLast       time.Time

	sortBy sortMode

	confirm *confirmState
}

func newTopModel(app *App, updates <-chan models.Snapshot) topModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	return topModel{
		app:        app,
		updates:    updates,
		mode:       viewModeTable,
		focus:      focusHosts,
		followLogs: true,
		scanning:   make(map[string]bool),
		spinner:    sp,
		keys:       newKeyMap(),
		help:       help.New(),
		health:     make(map[int]*ports.HealthCheck),
		sortBy:     sortPort,
	}
}

type snapshotMsg models.Snapshot
type tickMsg time.Time
type scanDoneMsg struct {
	host string
	err  error
}
type forwardMsg struct {
	host string
	port int
	err  error
}
type cancelMsg struct {
	host string
	port int
	err  error
}
type reloadMsg struct {
	skipped []string
	err     error
}
type logMsg struct {
	lines []string
	err   error
}
type healthMsg struct {
	checks map[int]*ports.HealthCheck
}

func (m topModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForSnapshot(m.updates), tickCmd()}
	if m.app != nil && m.app.settings.Scan.OnStartup {
		for _, h := range m.app.registry.Snapshot().Hosts {
			m.scanning[h.Name] = true
			cmds = append(cmds, m.scanCmd(h.Name))
		}
		cmds = append(cmds, m.spinner.Tick)
	}
	return tea.Batch(cmds...)
}

func waitForSnapshot(updates <-chan models.Snapshot) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil
	case snapshotMsg:
		m.snap = models.Snapshot(msg)
		m.clampSelection()
		return m, waitForSnapshot(m.updates)
	case spinner.TickMsg:
		if len(m.scanning) == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case scanDoneMsg:
		delete(m.scanning, msg.host)
		if msg.err != nil {
			m.cmdStatus = fmt.Sprintf("Scan %s failed: %v", msg.host, msg.err)
		} else {
			m.cmdStatus = fmt.Sprintf("Scanned %s", msg.host)
		}
		return m, nil
	case forwardMsg:
		if msg.err != nil {
			m.cmdStatus = fmt.Sprintf("Forward %s:%d failed: %v", msg.host, msg.port, msg.err)
		} else {
			m.cmdStatus = fmt.Sprintf("Forwarding %s:%d", msg.host, msg.port)
		}
		return m, nil
	case cancelMsg:
		if msg.err != nil {
			m.cmdStatus = msg.err.Error()
		} else {
			m.cmdStatus = fmt.Sprintf("Stopped tunnel for %s:%d", msg.host, msg.port)
		}
		return m, nil
	case reloadMsg:
		switch {
		case msg.err != nil:
			m.cmdStatus = fmt.Sprintf("Reload failed: %v", msg.err)
		case len(msg.skipped) > 0:
			m.cmdStatus = fmt.Sprintf("Reloaded hosts (%d skipped, see rpt hosts)", len(msg.skipped))
		default:
			m.cmdStatus = "Reloaded hosts"
		}
		return m, nil
	case tickMsg:
		if m.mode == viewModeLogs && m.followLogs {
			return m, tea.Batch(m.tailLogsCmd(), tickCmd())
		}
		if m.mode == viewModeTable && !m.healthBusy && time.Since(m.healthLast) > 3*time.Second {
			if cmd := m.healthCmd(); cmd != nil {
				m.healthBusy = true
				return m, tea.Batch(cmd, tickCmd())
			}
		}
		return m, tickCmd()
	case logMsg:
		m.logLines = msg.lines
		m.logErr = msg.err
		return m, nil
	case healthMsg:
		m.healthBusy = false
		m.health = msg.checks
		m.healthLast = time.Now()
		return m, nil
	}
	return m, nil
}

func (m topModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode == viewModeCommand {
		switch msg.String() {
		case "esc":
			m.mode = viewModeTable
			m.cmdInput = ""
			return m, nil
		case "enter":
			input := strings.TrimSpace(m.cmdInput)
			m.cmdInput = ""
			m.mode = viewModeTable
			var cmd tea.Cmd
			m.cmdStatus, cmd = m.runCommand(input)
			return m, cmd
		case "backspace":
			if len(m.cmdInput) > 0 {
				m.cmdInput = m.cmdInput[:len(m.cmdInput)-1]
			}
			return m, nil
		}
		for _, r := range msg.Runes {
			if r >= 32 && r != 127 {
				m.cmdInput += string(r)
			}
		}
		return m, nil
	}
	if m.mode == viewModeSearch {
		switch msg.String() {
		case "esc":
			m.mode = viewModeTable
			m.searchQuery = ""
			return m, nil
		case "enter":
			m.mode = viewModeTable
			return m, nil
		case "backspace":
			if len(m.searchQuery) > 0 {
				m.searchQuery = m.searchQuery[:len(m.searchQuery)-1]
			}
			return m, nil
		}
		for _, r := range msg.Runes {
			if r >= 32 && r != 127 {
				m.searchQuery += string(r)
			}
		}
		m.procSel = 0
		return m, nil
	}
	if m.mode == viewModeConfirm {
		switch {
		case key.Matches(msg, m.keys.Confirm):
			cmd := m.executeConfirm(true)
			return m, cmd
		case key.Matches(msg, m.keys.Decline):
			cmd := m.executeConfirm(false)
			return m, cmd
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Back):
		if m.mode == viewModeLogs || m.mode == viewModeHelp {
			m.mode = viewModeTable
			m.logLines = nil
			m.logErr = nil
			m.logHost = ""
			m.logPort = 0
		}
		return m, nil
	}

	switch m.mode {
	case viewModeHelp:
		return m, nil
	case viewModeLogs:
		if key.Matches(msg, m.keys.Follow) {
			m.followLogs = !m.followLogs
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Focus):
		if m.focus == focusHosts {
			m.focus = focusProcesses
		} else {
			m.focus = focusHosts
		}
	case key.Matches(msg, m.keys.Up):
		if m.focus == focusHosts && m.hostSel > 0 {
			m.hostSel--
			m.procSel = 0
		}
		if m.focus == focusProcesses && m.procSel > 0 {
			m.procSel--
		}
	case key.Matches(msg, m.keys.Down):
		if m.focus == focusHosts && m.hostSel < len(m.snap.Hosts)-1 {
			m.hostSel++
			m.procSel = 0
		}
		if m.focus == focusProcesses && m.procSel < len(m.visibleProcesses())-1 {
			m.procSel++
		}
	case key.Matches(msg, m.keys.Help):
		m.mode = viewModeHelp
	case key.Matches(msg, m.keys.Filter):
		m.mode = viewModeSearch
	case key.Matches(msg, m.keys.Clear):
		m.searchQuery = ""
		m.cmdStatus = "Filter cleared"
	case key.Matches(msg, m.keys.Sort):
		m.sortBy = (m.sortBy + 1) % sortModeCount
	case key.Matches(msg, m.keys.Health):
		m.showHealthDetail = !m.showHealthDetail
	case key.Matches(msg, m.keys.Command):
		m.mode = viewModeCommand
		m.cmdInput = ""
	case key.Matches(msg, m.keys.Refresh):
		return m, m.reloadCmd()
	case key.Matches(msg, m.keys.Scan):
		if h := m.selectedHost(); h != nil {
			cmd := m.startScan(h.Name)
			return m, cmd
		}
	case key.Matches(msg, m.keys.ScanAll):
		var cmds []tea.Cmd
		for _, h := range m.snap.Hosts {
			cmds = append(cmds, m.startScan(h.Name))
		}
		return m, tea.Batch(cmds...)
	case key.Matches(msg, m.keys.Forward):
		if m.focus == focusHosts {
			m.focus = focusProcesses
			return m, nil
		}
		h, p := m.selectedHost(), m.selectedProcess()
		if h == nil || p == nil {
			m.cmdStatus = "No port selected"
			return m, nil
		}
		if p.IsLive() {
			m.cmdStatus = fmt.Sprintf("%s:%d is already %s", h.Name, p.RemotePort, p.State)
			return m, nil
		}
		return m, m.forwardCmd(h.Name, p.RemotePort)
	case key.Matches(msg, m.keys.Cancel):
		m.prepareCancelConfirm()
	case key.Matches(msg, m.keys.Logs):
		h, p := m.selectedHost(), m.selectedProcess()
		if h == nil || p == nil {
			m.cmdStatus = "No port selected"
			return m, nil
		}
		m.mode = viewModeLogs
		m.logHost = h.Name
		m.logPort = p.RemotePort
		return m, m.tailLogsCmd()
	}
	return m, nil
}

func (m *topModel) clampSelection() {
	if m.hostSel >= len(m.snap.Hosts) {
		m.hostSel = len(m.snap.Hosts) - 1
	}
	if m.hostSel < 0 {
		m.hostSel = 0
	}
	visible := len(m.visibleProcesses())
	if m.procSel >= visible {
		m.procSel = visible - 1
	}
	if m.procSel < 0 {
		m.procSel = 0
	}
}

func (m topModel) selectedHost() *models.Host {
	if m.hostSel < 0 || m.hostSel >= len(m.snap.Hosts) {
		return nil
	}
	return m.snap.Hosts[m.hostSel]
}

func (m topModel) selectedProcess() *models.RemoteProcess {
	visible := m.visibleProcesses()
	if m.procSel < 0 || m.procSel >= len(visible) {
		return nil
	}
	return visible[m.procSel]
}

// visibleProcesses is the selected host's processes after filter and sort.
func (m topModel) visibleProcesses() []*models.RemoteProcess {
	h := m.selectedHost()
	if h == nil {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(m.searchQuery))
	out := make([]*models.RemoteProcess, 0, len(h.RemoteProcesses))
	for _, p := range h.RemoteProcesses {
		if q == "" || strings.Contains(processSearchText(p), q) {
			out = append(out, p)
		}
	}
	m.sortProcesses(out)
	return out
}

func processSearchText(p *models.RemoteProcess) string {
	return strings.ToLower(strings.Join([]string{
		strconv.Itoa(p.RemotePort), p.Command, p.User, p.Title, string(p.State),
	}, " "))
}

func (m topModel) sortProcesses(procs []*models.RemoteProcess) {
	sort.SliceStable(procs, func(i, j int) bool {
		a, b := procs[i], procs[j]
		switch m.sortBy {
		case sortCommand:
			if a.Command != b.Command {
				return strings.ToLower(a.Command) < strings.ToLower(b.Command)
			}
		case sortState:
			if stateRank(a.State) != stateRank(b.State) {
				return stateRank(a.State) < stateRank(b.State)
			}
		}
		return a.RemotePort < b.RemotePort
	})
}

func stateRank(s models.ProcessState) int {
	switch s {
	case models.StateForwarded:
		return 0
	case models.StateForwarding:
		return 1
	case models.StateFailed:
		return 2
	case models.StateDead:
		return 3
	default:
		return 4
	}
}

func (m *topModel) startScan(host string) tea.Cmd {
	if m.scanning[host] {
		return nil
	}
	wasIdle := len(m.scanning) == 0
	m.scanning[host] = true
	m.cmdStatus = fmt.Sprintf("Scanning %s...", host)
	if wasIdle {
		return tea.Batch(m.scanCmd(host), m.spinner.Tick)
	}
	return m.scanCmd(host)
}

func (m topModel) scanCmd(host string) tea.Cmd {
	app := m.app
	return func() tea.Msg {
		return scanDoneMsg{host: host, err: app.Scan(app.ctx, host)}
	}
}

func (m topModel) forwardCmd(host string, port int) tea.Cmd {
	app := m.app
	return func() tea.Msg {
		return forwardMsg{host: host, port: port, err: app.Forward(app.ctx, host, port)}
	}
}

func (m topModel) reloadCmd() tea.Cmd {
	app := m.app
	return func() tea.Msg {
		skipped, err := app.ReloadHosts()
		return reloadMsg{skipped: skipped, err: err}
	}
}

func (m *topModel) prepareCancelConfirm() {
	h, p := m.selectedHost(), m.selectedProcess()
	running := p != nil && (p.IsLive() || m.app != nil && m.app.tunnels.Active(h.Name, p.RemotePort))
	if h == nil || !running {
		m.cmdStatus = "No live tunnel selected"
		return
	}
	m.confirm = &confirmState{
		prompt: fmt.Sprintf("Stop tunnel localhost:%d -> %s:%d?", derefInt(p.LocalPort), h.Name, p.RemotePort),
		host:   h.Name,
		port:   p.RemotePort,
	}
	m.mode = viewModeConfirm
}

func (m *topModel) executeConfirm(yes bool) tea.Cmd {
	c := m.confirm
	m.confirm = nil
	m.mode = viewModeTable
	if c == nil || !yes {
		m.cmdStatus = "Cancelled"
		return nil
	}
	app := m.app
	return func() tea.Msg {
		return cancelMsg{host: c.host, port: c.port, err: app.Cancel(c.host, c.port)}
	}
}

// runCommand executes a ':' command line and returns the status to show.
func (m *topModel) runCommand(input string) (string, tea.Cmd) {
	if input == "" {
		return "", nil
	}
	args, err := process.ParseCommandArgs(input)
	if err != nil {
		return err.Error(), nil
	}
	if len(args) == 0 {
		return "", nil
	}

	// hostAndPort reads "<port> [host]", defaulting to the selected host.
	hostAndPort := func(rest []string) (string, int, error) {
		if len(rest) == 0 {
			return "", 0, fmt.Errorf("usage: %s <port> [host]", args[0])
		}
		port, err := strconv.Atoi(rest[0])
		if err != nil {
			return "", 0, fmt.Errorf("invalid port %q", rest[0])
		}
		if len(rest) > 1 {
			return rest[1], port, nil
		}
		if h := m.selectedHost(); h != nil {
			return h.Name, port, nil
		}
		return "", 0, fmt.Errorf("no host selected")
	}

	switch args[0] {
	case "help":
		return "Commands: scan [host], scanall, forward <port> [host], cancel <port> [host], logs <port> [host], reload", nil
	case "scan":
		host := ""
		if len(args) > 1 {
			host = args[1]
		} else if h := m.selectedHost(); h != nil {
			host = h.Name
		}
		if host == "" {
			return "usage: scan [host]", nil
		}
		if m.snap.Host(host) == nil {
			return fmt.Sprintf("unknown host %q", host), nil
		}
		return fmt.Sprintf("Scanning %s...", host), m.startScan(host)
	case "scanall":
		var cmds []tea.Cmd
		for _, h := range m.snap.Hosts {
			cmds = append(cmds, m.startScan(h.Name))
		}
		return fmt.Sprintf("Scanning %d hosts...", len(m.snap.Hosts)), tea.Batch(cmds...)
	case "forward", "fwd":
		host, port, err := hostAndPort(args[1:])
		if err != nil {
			return err.Error(), nil
		}
		return fmt.Sprintf("Forwarding %s:%d...", host, port), m.forwardCmd(host, port)
	case "cancel", "stop":
		host, port, err := hostAndPort(args[1:])
		if err != nil {
			return err.Error(), nil
		}
		app := m.app
		return fmt.Sprintf("Stopping %s:%d...", host, port), func() tea.Msg {
			return cancelMsg{host: host, port: port, err: app.Cancel(host, port)}
		}
	case "logs":
		host, port, err := hostAndPort(args[1:])
		if err != nil {
			return err.Error(), nil
		}
		m.mode = viewModeLogs
		m.logHost = host
		m.logPort = port
		return "", m.tailLogsCmd()
	case "reload":
		return "Reloading hosts...", m.reloadCmd()
	default:
		return fmt.Sprintf("Unknown command %q (try :help)", args[0]), nil
	}
}

func (m topModel) tailLogsCmd() tea.Cmd {
	app, host, port := m.app, m.logHost, m.logPort
	return func() tea.Msg {
		if host == "" {
			return logMsg{err: fmt.Errorf("no tunnel selected")}
		}
		lines, err := app.Logs(host, port, 200)
		return logMsg{lines: lines, err: err}
	}
}

// healthCmd probes the local end of every live tunnel on the selected host.
func (m topModel) healthCmd() tea.Cmd {
	h := m.selectedHost()
	if h == nil || m.app == nil {
		return nil
	}
	var locals []int
	for _, p := range h.RemoteProcesses {
		if p.State == models.StateForwarded && p.LocalPort != nil {
			locals = append(locals, *p.LocalPort)
		}
	}
	prober := m.app.prober
	return func() tea.Msg {
		checks := make(map[int]*ports.HealthCheck, len(locals))
		for _, port := range locals {
			checks[port] = prober.Check(port)
		}
		return healthMsg{checks: checks}
	}
}

var (
	headerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("57")).Foreground(lipgloss.Color("15"))
	inputStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	confirmStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

func stateStyle(s models.ProcessState) lipgloss.Style {
	switch s {
	case models.StateForwarded:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	case models.StateForwarding:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	case models.StateFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	case models.StateDead:
		return dimStyle
	default:
		return lipgloss.NewStyle()
	}
}

func (m topModel) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\nPress 'q' to quit\n", m.err)
	}

	width := m.width
	if width <= 0 {
		width = 120
	}

	var b strings.Builder
	b.WriteString("\n")
	if m.mode == viewModeLogs {
		b.WriteString(headerStyle.Render(fmt.Sprintf("ssh logs: %s:%d (b back, F follow:%t)", m.logHost, m.logPort, m.followLogs)))
	} else {
		b.WriteString(headerStyle.Render("Remote Port Tracker (q quit)"))
	}
	b.WriteString("\n\n")
	if m.mode == viewModeTable || m.mode == viewModeCommand || m.mode == viewModeSearch || m.mode == viewModeConfirm {
		focus := "hosts"
		if m.focus == focusProcesses {
			focus = "ports"
		}
		filter := m.searchQuery
		if strings.TrimSpace(filter) == "" {
			filter = "none"
		}
		ctx := fmt.Sprintf("Focus: %s | Sort: %s | Filter: %s", focus, sortModeLabel(m.sortBy), filter)
		b.WriteString(dimStyle.Render(fitLine(ctx, width)))
		b.WriteString("\n\n")
	}

	switch m.mode {
	case viewModeHelp:
		b.WriteString(m.renderHelp(width))
	case viewModeLogs:
		b.WriteString(m.renderLogs(width))
	default:
		b.WriteString(m.renderHosts(width))
		b.WriteString("\n")
		b.WriteString(m.renderTable(width))
	}

	if m.mode == viewModeCommand {
		b.WriteString("\n")
		b.WriteString(inputStyle.Render(fitLine(":"+m.cmdInput, width)))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fitLine("Example: forward 8888 gpu-box | Esc to go back", width)))
		b.WriteString("\n")
	}
	if m.mode == viewModeSearch {
		b.WriteString("\n")
		b.WriteString(inputStyle.Render(fitLine("/"+m.searchQuery, width)))
		b.WriteString("\n")
	}
	if m.mode == viewModeConfirm && m.confirm != nil {
		b.WriteString("\n")
		b.WriteString(confirmStyle.Render(fitLine(m.confirm.prompt+" [y/N]", width)))
		b.WriteString("\n")
	}
	if m.cmdStatus != "" {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fitLine(m.cmdStatus, width)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	updated := "-"
	if !m.snap.At.IsZero() {
		updated = m.snap.At.Format("15:04:05")
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("Last update: %s | Hosts: %d", updated, len(m.snap.Hosts))))
	b.WriteString("\n")
	if m.mode != viewModeHelp {
		b.WriteString(m.help.View(m.keys))
		b.WriteString("\n")
	}
	return b.String()
}

func (m topModel) renderHosts(width int) string {
	if len(m.snap.Hosts) == 0 {
		return fitLine("No hosts found. Add Host entries to your SSH config.", width) + "\n"
	}
	nameW, connW, scanW, portsW := 20, 10, 9, 6
	sep := strings.Repeat(" ", 2)

	var b strings.Builder
	b.WriteString(fitLine("Hosts (Tab focus, r scan, R scan all)", width))
	b.WriteString("\n")
	for i, h := range m.snap.Hosts {
		mark := " "
		if m.scanning[h.Name] {
			mark = m.spinner.View()
		}
		lastScan := "-"
		if h.LastScan != nil {
			lastScan = h.LastScan.Format("15:04:05")
		}
		line := fixedCell(h.Name, nameW) + sep +
			fixedCell(string(h.LastConnection), connW) + sep +
			fixedCell(lastScan, scanW) + sep +
			fixedCell(fmt.Sprintf("%d", len(h.RemoteProcesses)), portsW)
		if h.LastError != "" && h.LastConnection == models.ConnectionFailed {
			line += sep + h.LastError
		} else if h.Uptime != nil {
			line += sep + strings.TrimSpace(*h.Uptime)
		}
		line = fitLine(line, width-2)
		if i == m.hostSel {
			if m.focus == focusHosts {
				line = selectedStyle.Render(line)
			} else {
				line = lipgloss.NewStyle().Bold(true).Render(line)
			}
		}
		b.WriteString(mark + " " + line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m topModel) renderTable(width int) string {
	h := m.selectedHost()
	if h == nil {
		return ""
	}
	visible := m.visibleProcesses()
	portW, pidW, userW, cmdW, stateW, localW, healthW := 6, 7, 10, 14, 12, 6, 6
	sep := strings.Repeat(" ", 2)
	used := portW + pidW + userW + cmdW + stateW + localW + healthW + 7*len(sep)
	titleW := width - used
	if titleW < 12 {
		titleW = 12
	}

	row := func(port, pid, user, cmd, state, local, health, title string) string {
		return fixedCell(port, portW) + sep +
			fixedCell(pid, pidW) + sep +
			fixedCell(user, userW) + sep +
			fixedCell(cmd, cmdW) + sep +
			state + sep +
			fixedCell(local, localW) + sep +
			fixedCell(health, healthW) + sep +
			title
	}

	var lines []string
	lines = append(lines, fitLine(row("Port", "PID", "User", "Command", fixedCell("State", stateW), "Local", "Health", "Title"), width))
	lines = append(lines, fitLine(row(
		strings.Repeat("─", portW), strings.Repeat("─", pidW), strings.Repeat("─", userW),
		strings.Repeat("─", cmdW), strings.Repeat("─", stateW), strings.Repeat("─", localW),
		strings.Repeat("─", healthW), strings.Repeat("─", titleW)), width))

	if h.LastConnection == models.ConnectionNever && len(h.RemoteProcesses) == 0 {
		lines = append(lines, fitLine(fmt.Sprintf("%s has not been scanned yet (press r)", h.Name), width))
		return strings.Join(lines, "\n")
	}
	if len(visible) == 0 {
		if m.searchQuery != "" {
			lines = append(lines, fitLine("(no matching ports for filter)", width))
		} else {
			lines = append(lines, fitLine("(no listening ports)", width))
		}
		return strings.Join(lines, "\n")
	}

	for i, p := range visible {
		pid, local, icon := "-", "-", ""
		if p.PID > 0 {
			pid = fmt.Sprintf("%d", p.PID)
		}
		if p.LocalPort != nil && p.IsLive() {
			local = fmt.Sprintf("%d", *p.LocalPort)
			if c := m.health[*p.LocalPort]; c != nil && p.State == models.StateForwarded {
				icon = ports.StatusIcon(c.Status)
			}
		}
		state := fixedCell(string(p.State), stateW)
		title := p.Title
		if title == "" && p.Error != "" {
			title = p.Error
		}
		line := fitLine(row(fmt.Sprintf("%d", p.RemotePort), pid, orDash(p.User), orDash(p.Command),
			state, local, icon, fixedCell(title, titleW)), width)
		if i == m.procSel && m.focus == focusProcesses {
			line = selectedStyle.Render(line)
		} else {
			line = strings.Replace(line, state, stateStyle(p.State).Render(state), 1)
		}
		lines = append(lines, line)
	}

	out := strings.Join(lines, "\n")
	if m.showHealthDetail {
		if p := m.selectedProcess(); p != nil && p.LocalPort != nil {
			if d := m.health[*p.LocalPort]; d != nil {
				out += "\n" + fitLine(fmt.Sprintf("Health detail: %s %dms %s", ports.StatusIcon(d.Status), d.ResponseMs, d.Message), width)
			}
		}
	}
	if p := m.selectedProcess(); p != nil && m.focus == focusProcesses && p.State == models.StateFailed && p.Error != "" {
		out += "\n" + fitLine("Failure: "+p.Error, width)
	}
	return out + "\n"
}

func fixedCell(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) > width {
		return runewidth.Truncate(s, width, "")
	}
	return s + strings.Repeat(" ", width-runewidth.StringWidth(s))
}

func fitLine(line string, width int) string {
	if width <= 0 {
		return line
	}
	lineWidth := runewidth.StringWidth(line)
	if lineWidth >= width {
		// Let the terminal wrap long lines to the viewport instead of truncating.
		return line
	}
	return line + strings.Repeat(" ", width-lineWidth)
}

func (m topModel) renderLogs(width int) string {
	if m.logErr != nil {
		if errors.Is(m.logErr, process.ErrNoLogs) {
			return "No ssh logs for this port yet.\nLogs are only captured for tunnels started by rpt.\n"
		}
		return fmt.Sprintf("Error: %v\n", m.logErr)
	}
	if len(m.logLines) == 0 {
		return "(no logs yet)\n"
	}
	lines := m.logLines
	if m.height > 10 && len(lines) > m.height-10 {
		lines = lines[len(lines)-(m.height-10):]
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(fitLine(line, width))
		b.WriteString("\n")
	}
	return b.String()
}

func (m topModel) renderHelp(width int) string {
	h := m.help
	h.ShowAll = true
	lines := []string{
		"Keymap",
		h.View(m.keys),
		"",
		"Commands (:): scan [host], scanall, forward <port> [host], cancel <port> [host], logs <port> [host], reload",
		"States: unforwarded, forwarding (ssh running, not yet seen up), forwarded, failed, dead",
		"Press b or Esc to go back",
	}
	var out []string
	for _, l := range lines {
		out = append(out, fitLine(l, width))
	}
	return strings.Join(out, "\n") + "\n"
}

func sortModeLabel(s sortMode) string {
	switch s {
	case sortCommand:
		return "command"
	case sortState:
		return "state"
	default:
		return "port"
	}
}
