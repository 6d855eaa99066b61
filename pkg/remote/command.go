package remote

import (
	"fmt"
	"strings"
)

// Sentinel opens every section of the composite command output. The section
// name follows it on the same line.
const Sentinel = "__RPT_SECTION__"

// Section names one of the five data points collected per scan.
type Section string

const (
	SectionListenLsof    Section = "listen_lsof"
	SectionListenNetstat Section = "listen_netstat"
	SectionUptime        Section = "uptime"
	SectionWorkDir       Section = "workdir"
	SectionGPU           Section = "gpu"
)

type sectionCommand struct {
	name    Section
	command string
}

// Order matters only for readability of the raw output; the parser keys by name.
var sectionCommands = []sectionCommand{
	{SectionListenLsof, "lsof -i -P -n -sTCP:LISTEN 2>/dev/null"},
	{SectionListenNetstat, "netstat -tln 2>/dev/null || ss -tln 2>/dev/null"},
	{SectionUptime, "uptime"},
	{SectionWorkDir, "pwd"},
	{SectionGPU, "nvidia-smi --query-gpu=name,memory.used,memory.total --format=csv,noheader 2>/dev/null"},
}

// Sections lists the section names in the order the composite command emits them.
func Sections() []Section {
	out := make([]Section, 0, len(sectionCommands))
	for _, sc := range sectionCommands {
		out = append(out, sc.name)
	}
	return out
}

// CompositeCommand is the single shell line sent to a host per scan.
func CompositeCommand() string {
	parts := make([]string, 0, len(sectionCommands)*2)
	for _, sc := range sectionCommands {
		parts = append(parts, fmt.Sprintf("echo '%s %s'", Sentinel, sc.name))
		parts = append(parts, sc.command)
	}
	return strings.Join(parts, "; ")
}

// SplitSections splits raw composite output into its named sections.
// Text before the first sentinel is ignored; unknown section names are kept.
func SplitSections(output string) map[Section]string {
	sections := make(map[Section]string)
	var current Section
	var buf strings.Builder
	inSection := false

	flush := func() {
		if inSection {
			sections[current] = buf.String()
		}
		buf.Reset()
	}

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, Sentinel) {
			flush()
			current = Section(strings.TrimSpace(strings.TrimPrefix(trimmed, Sentinel)))
			inSection = true
			continue
		}
		if inSection {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return sections
}
