package remote

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompositeCommand_NamesEverySection(t *testing.T) {
	t.Parallel()

	cmd := CompositeCommand()
	for _, s := range Sections() {
		assert.Contains(t, cmd, "echo '"+Sentinel+" "+string(s)+"'")
	}
	assert.Len(t, Sections(), 5)
}

func TestSplitSections(t *testing.T) {
	t.Parallel()

	out := strings.Join([]string{
		"motd line",
		Sentinel + " uptime",
		" 10:00 up 1 day, load average: 0.00",
		Sentinel + " workdir",
		"/home/me",
		Sentinel + " gpu",
	}, "\n")

	sections := SplitSections(out)
	assert.Equal(t, " 10:00 up 1 day, load average: 0.00\n", sections[SectionUptime])
	assert.Equal(t, "/home/me\n", sections[SectionWorkDir])
	gpu, ok := sections[SectionGPU]
	assert.True(t, ok)
	assert.Empty(t, gpu)
	_, ok = sections[SectionListenLsof]
	assert.False(t, ok)
}
