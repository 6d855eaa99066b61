package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/devports/rpt/pkg/models"
	"github.com/devports/rpt/pkg/ports"
	"github.com/devports/rpt/pkg/process"
	"github.com/devports/rpt/pkg/tunnel"
)

// HostsCmd handles the 'hosts' command
func (a *App) HostsCmd(out io.Writer) error {
	return printHostTable(out, a.registry.Snapshot().Hosts)
}

// printHostTable prints hosts in tabular format
func printHostTable(out io.Writer, hosts []*models.Host) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Host\tConnection\tLast Scan\tPorts\tForwarded\tError")
	for _, h := range hosts {
		fmt.Fprintln(w, formatHostRow(h))
	}
	return w.Flush()
}

func formatHostRow(h *models.Host) string {
	lastScan := "-"
	if h.LastScan != nil {
		lastScan = h.LastScan.Format("15:04:05")
	}
	forwarded := 0
	for _, p := range h.RemoteProcesses {
		if p.State == models.StateForwarded {
			forwarded++
		}
	}
	errText := "-"
	if h.LastError != "" {
		errText = h.LastError
	}
	return fmt.Sprintf("%s\t%s\t%s\t%d\t%d\t%s", h.Name, h.LastConnection, lastScan, len(h.RemoteProcesses), forwarded, errText)
}

// ScanCmd scans the named hosts, or every host when none are named, and
// prints what each one is listening on. Per-host failures are shown in the
// table and also returned.
func (a *App) ScanCmd(ctx context.Context, out io.Writer, hosts []string) error {
	if len(hosts) == 0 {
		hosts = a.hostNames()
	}
	scanErr := a.ScanHosts(ctx, hosts)

	snap := a.registry.Snapshot()
	selected := make([]*models.Host, 0, len(hosts))
	for _, name := range hosts {
		if h := snap.Host(name); h != nil {
			selected = append(selected, h)
		}
	}
	if err := printProcessTable(out, selected); err != nil {
		return err
	}
	return scanErr
}

// printProcessTable prints every remote process of hosts
func printProcessTable(out io.Writer, hosts []*models.Host) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Host\tPort\tPID\tUser\tCommand\tState\tLocal\tTitle")
	for _, h := range hosts {
		if h.LastConnection == models.ConnectionFailed {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\tunreachable\t-\t%s\n", h.Name, h.LastError)
			continue
		}
		for _, p := range h.RemoteProcesses {
			fmt.Fprintln(w, formatProcessRow(h.Name, p))
		}
	}
	return w.Flush()
}

func formatProcessRow(host string, p *models.RemoteProcess) string {
	pid := "-"
	if p.PID > 0 {
		pid = fmt.Sprintf("%d", p.PID)
	}
	local := "-"
	if p.LocalPort != nil && p.IsLive() {
		local = fmt.Sprintf("%d", *p.LocalPort)
	}
	return fmt.Sprintf("%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s",
		host, p.RemotePort, pid, orDash(p.User), orDash(p.Command), p.State, local, orDash(p.Title))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// ForwardCmd forwards host:remotePort and reports progress until the tunnel
// ends or ctx is cancelled, in which case the tunnel is cancelled too.
func (a *App) ForwardCmd(ctx context.Context, out io.Writer, host string, remotePort int) error {
	if err := a.Forward(ctx, host, remotePort); err != nil {
		return err
	}
	// Spawned has been applied by now, so the first snapshot is never stale.
	updates, unsubscribe := a.registry.Subscribe()
	defer unsubscribe()
	fmt.Fprintf(out, "Forwarding %s:%d...\n", host, remotePort)

	var last models.ProcessState
	var lastTitle string
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Stopping tunnel for %s:%d\n", host, remotePort)
			if err := a.Cancel(host, remotePort); err != nil && !errors.Is(err, tunnel.ErrUnknownTunnel) {
				return err
			}
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			p := snap.Host(host).Process(remotePort)
			if p == nil {
				continue
			}
			if p.State != last {
				last = p.State
				if done, err := a.reportForward(out, host, p); done {
					return err
				}
			}
			if p.Title != lastTitle && p.Title != "" {
				lastTitle = p.Title
				fmt.Fprintf(out, "Serving %q\n", p.Title)
			}
		}
	}
}

// reportForward prints one state change and says whether forwarding is over.
func (a *App) reportForward(out io.Writer, host string, p *models.RemoteProcess) (bool, error) {
	switch p.State {
	case models.StateForwarding:
		if p.LocalPort != nil {
			fmt.Fprintf(out, "ssh started (pid %d), waiting for localhost:%d\n", derefInt(p.SSHAgentPid), *p.LocalPort)
		}
	case models.StateForwarded:
		local := derefInt(p.LocalPort)
		check := a.prober.Check(local)
		fmt.Fprintf(out, "Forwarded http://localhost:%d -> %s:%d  %s %s\n",
			local, host, p.RemotePort, ports.StatusIcon(check.Status), check.Message)
		fmt.Fprintln(out, "Press Ctrl+C to stop")
	case models.StateFailed, models.StateDead:
		reason, _ := a.TunnelReport(host, p.RemotePort)
		if p.Error != "" {
			return true, fmt.Errorf("tunnel %s:%d %s: %s (%s)", host, p.RemotePort, p.State, p.Error, reason)
		}
		return true, fmt.Errorf("tunnel %s:%d %s: %s", host, p.RemotePort, p.State, reason)
	}
	return false, nil
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

// LogsCmd displays recent ssh output for the latest tunnel to host:remotePort
func (a *App) LogsCmd(out io.Writer, host string, remotePort, lines int) error {
	logLines, err := a.Logs(host, remotePort, lines)
	if err != nil {
		if errors.Is(err, process.ErrNoLogs) {
			return fmt.Errorf("no tunnel logs for %s:%d yet", host, remotePort)
		}
		return err
	}

	fmt.Fprintf(out, "Logs for %s:%d:\n", host, remotePort)
	for _, line := range logLines {
		fmt.Fprintln(out, line)
	}
	return nil
}

// StatusCmd shows detailed info for one remote port
func (a *App) StatusCmd(out io.Writer, host string, remotePort int) error {
	h := a.registry.Snapshot().Host(host)
	if h == nil {
		return fmt.Errorf("unknown host %q", host)
	}
	p := h.Process(remotePort)
	if p == nil {
		return fmt.Errorf("%s has no known process on port %d", host, remotePort)
	}

	line := "============================================================"
	dashes := "------------------------------------------------------------"
	fmt.Fprintln(out, "\n"+line)
	fmt.Fprintln(out, "REMOTE PORT DETAILS")
	fmt.Fprintln(out, line)
	fmt.Fprintf(out, "Host:    %s\n", h.Name)
	fmt.Fprintf(out, "Port:    %d\n", p.RemotePort)
	if p.PID > 0 {
		fmt.Fprintf(out, "PID:     %d\n", p.PID)
	}
	fmt.Fprintf(out, "User:    %s\n", orDash(p.User))
	fmt.Fprintf(out, "Command: %s\n", orDash(p.Command))
	if p.Title != "" {
		fmt.Fprintf(out, "Title:   %s\n", p.Title)
	}
	if p.FaviconURL != "" {
		fmt.Fprintf(out, "Icon:    %s\n", p.FaviconURL)
	}

	if p.IsLive() && p.LocalPort != nil {
		fmt.Fprintln(out, "\n"+dashes)
		fmt.Fprintln(out, "TUNNEL HEALTH")
		fmt.Fprintln(out, dashes)
		check := a.prober.Check(*p.LocalPort)
		pid := derefInt(p.SSHAgentPid)
		running := "exited"
		if pid > 0 && a.procs.IsRunning(pid) {
			running = "running"
		}
		fmt.Fprintf(out, "Local:    localhost:%d (ssh pid %d, %s)\n", *p.LocalPort, pid, running)
		fmt.Fprintf(out, "Status:   %s %s\n", ports.StatusIcon(check.Status), check.Status)
		fmt.Fprintf(out, "Response: %dms\n", check.ResponseMs)
		fmt.Fprintf(out, "Message:  %s\n", check.Message)
	}

	if p.State == models.StateFailed || p.State == models.StateDead {
		fmt.Fprintln(out, "\n"+dashes)
		fmt.Fprintln(out, "TUNNEL FAILURE")
		fmt.Fprintln(out, dashes)
		reason, tail := a.TunnelReport(h.Name, p.RemotePort)
		if p.Error != "" {
			fmt.Fprintf(out, "Error:  %s\n", p.Error)
		}
		fmt.Fprintf(out, "Reason: %s\n", reason)
		if len(tail) > 0 {
			fmt.Fprintln(out, "Recent logs:")
			for _, l := range tail {
				if strings.TrimSpace(l) == "" {
					continue
				}
				fmt.Fprintf(out, "  %s\n", l)
			}
		}
	}

	fmt.Fprintf(out, "\nState:  %s\n", p.State)
	if a.tunnels.Active(h.Name, p.RemotePort) {
		fmt.Fprintln(out, "Tunnel: ssh attempt active")
	}
	if h.LastScan != nil {
		fmt.Fprintf(out, "Seen:   %s ago\n", time.Since(*h.LastScan).Round(time.Second))
	}
	fmt.Fprintln(out, line+"\n")
	return nil
}
