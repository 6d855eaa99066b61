package tunnel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticInspector struct {
	n   int
	err error
}

func (s staticInspector) ConnectionCount(context.Context, int) (int, error) {
	return s.n, s.err
}

func TestConnectionCountDetector(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.False(t, ConnectionCountDetector{Inspector: staticInspector{n: 1}, Min: 2}.Established(ctx, 1))
	assert.True(t, ConnectionCountDetector{Inspector: staticInspector{n: 2}, Min: 2}.Established(ctx, 1))
	assert.True(t, ConnectionCountDetector{Inspector: staticInspector{n: 3}}.Established(ctx, 1), "zero Min defaults to two")
	assert.False(t, ConnectionCountDetector{Inspector: staticInspector{n: 5, err: errors.New("no such process")}, Min: 2}.Established(ctx, 1))
}
