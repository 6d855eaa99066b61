package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// typeText presses each rune of s, spaces included.
func typeText(t *testing.T, m topModel, s string) topModel {
	t.Helper()
	return press(t, m, strings.Split(s, "")...)
}

func TestCommandModeTakesBoundKeysAsText(t *testing.T) {
	t.Parallel()

	m := press(t, modelWith(sampleSnapshot()), ":")
	require.Equal(t, viewModeCommand, m.mode)

	// r, f, s, x and q are table bindings; here they are just text.
	m = typeText(t, m, "forward 8888 gpx")
	assert.Equal(t, viewModeCommand, m.mode)
	assert.Equal(t, "forward 8888 gpx", m.cmdInput)
	assert.Equal(t, sortPort, m.sortBy)
	assert.Empty(t, m.scanning)

	m = press(t, m, "backspace")
	m = typeText(t, m, "u")
	assert.Equal(t, "forward 8888 gpu", m.cmdInput)

	next, cmd := m.Update(keyMsg("enter"))
	m = next.(topModel)
	assert.NotNil(t, cmd)
	assert.Equal(t, viewModeTable, m.mode)
	assert.Empty(t, m.cmdInput)
	assert.Equal(t, "Forwarding gpu:8888...", m.cmdStatus)

	m = press(t, m, ":", "q", "esc")
	assert.Equal(t, viewModeTable, m.mode)
	assert.Empty(t, m.cmdInput)
}

func TestCommandModeLogsOpensLogView(t *testing.T) {
	t.Parallel()

	m := press(t, modelWith(sampleSnapshot()), ":")
	m = typeText(t, m, "logs 3000")
	m = press(t, m, "enter")

	assert.Equal(t, viewModeLogs, m.mode)
	assert.Equal(t, "dev", m.logHost)
	assert.Equal(t, 3000, m.logPort)

	m = press(t, m, "esc")
	assert.Equal(t, viewModeTable, m.mode)
	assert.Zero(t, m.logPort)
}

func TestSearchModeNarrowsProcesses(t *testing.T) {
	t.Parallel()

	m := press(t, modelWith(sampleSnapshot()), "tab", "down", "/")
	require.Equal(t, viewModeSearch, m.mode)

	m = typeText(t, m, "pyth")
	assert.Equal(t, "pyth", m.searchQuery)
	assert.Equal(t, 0, m.procSel, "typing resets the selection")
	visible := m.visibleProcesses()
	require.Len(t, visible, 1)
	assert.Equal(t, 8888, visible[0].RemotePort)

	m = press(t, m, "backspace", "backspace", "backspace", "backspace")
	assert.Empty(t, m.searchQuery)
	assert.Len(t, m.visibleProcesses(), 3)

	m = typeText(t, m, "sshd")
	m = press(t, m, "enter")
	assert.Equal(t, viewModeTable, m.mode)
	assert.Equal(t, "sshd", m.searchQuery, "enter keeps the filter")
	assert.Equal(t, 22, m.selectedProcess().RemotePort)
}
