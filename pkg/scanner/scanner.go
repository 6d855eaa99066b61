package scanner

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/devports/rpt/pkg/models"
	"github.com/devports/rpt/pkg/remote"
)

const (
	uptimeToken = "load average"
	gpuToken    = "MiB"
)

// ScanResult is everything one successful remote scan tells us about a host
type ScanResult struct {
	Processes        []*models.RemoteProcess
	Uptime           *string
	GPUInfo          *string
	WorkingDirectory *string
}

// Parse turns raw composite command output into a ScanResult.
// Only call it when the runner reported a successful connection.
func Parse(output string) *ScanResult {
	sections := remote.SplitSections(output)

	result := &ScanResult{}
	seen := make(map[int]bool)

	for _, rec := range parseLsofOutput(sections[remote.SectionListenLsof]) {
		if seen[rec.RemotePort] {
			continue
		}
		seen[rec.RemotePort] = true
		result.Processes = append(result.Processes, rec)
	}
	for _, rec := range parseNetstatOutput(sections[remote.SectionListenNetstat]) {
		if seen[rec.RemotePort] {
			continue
		}
		seen[rec.RemotePort] = true
		result.Processes = append(result.Processes, rec)
	}
	if result.Processes == nil {
		result.Processes = []*models.RemoteProcess{}
	}

	if up := strings.TrimSpace(sections[remote.SectionUptime]); strings.Contains(up, uptimeToken) {
		result.Uptime = models.StringPtr(up)
	}
	if gpu := strings.TrimSpace(sections[remote.SectionGPU]); strings.Contains(gpu, gpuToken) {
		result.GPUInfo = models.StringPtr(gpu)
	}
	if wd, ok := sections[remote.SectionWorkDir]; ok {
		result.WorkingDirectory = models.StringPtr(strings.TrimSpace(wd))
	}

	return result
}

// parseLsofOutput parses `lsof -i -P -n -sTCP:LISTEN` rows. The header row
// fails the pid check and is skipped like any other malformed line.
func parseLsofOutput(output string) []*models.RemoteProcess {
	scanner := bufio.NewScanner(strings.NewReader(output))
	records := make([]*models.RemoteProcess, 0)
	seen := make(map[int]bool)

	for scanner.Scan() {
		record, err := parseLsofLine(scanner.Text())
		if err != nil {
			continue
		}
		if !acceptLsofPort(record.RemotePort) {
			continue
		}
		// IPv4 and IPv6 listeners on the same port collapse to the first row.
		if seen[record.RemotePort] {
			continue
		}
		seen[record.RemotePort] = true
		records = append(records, record)
	}

	return records
}

// parseLsofLine parses a single lsof output line
func parseLsofLine(line string) (*models.RemoteProcess, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return nil, fmt.Errorf("insufficient fields")
	}

	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("invalid pid")
	}

	port, err := extractPort(fields[8])
	if err != nil {
		return nil, fmt.Errorf("no port")
	}

	return &models.RemoteProcess{
		RemotePort: port,
		Command:    fields[0],
		PID:        pid,
		User:       fields[2],
		State:      models.StateUnforwarded,
	}, nil
}

// parseNetstatOutput parses `netstat -tln` or `ss -tln` rows. Both put the
// local address in the fourth column.
func parseNetstatOutput(output string) []*models.RemoteProcess {
	scanner := bufio.NewScanner(strings.NewReader(output))
	records := make([]*models.RemoteProcess, 0)
	seen := make(map[int]bool)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "LISTEN") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		port, err := extractPort(fields[3])
		if err != nil || !acceptNetstatPort(port) {
			continue
		}
		if seen[port] {
			continue
		}
		seen[port] = true
		records = append(records, &models.RemoteProcess{
			RemotePort: port,
			State:      models.StateUnforwarded,
		})
	}

	return records
}

// extractPort extracts the port from an address such as *:8080, [::1]:443 or 0.0.0.0:22
func extractPort(name string) (int, error) {
	parts := strings.Split(name, ":")
	if len(parts) < 2 {
		return 0, fmt.Errorf("no port")
	}

	port, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid port")
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port out of range")
	}

	return port, nil
}
