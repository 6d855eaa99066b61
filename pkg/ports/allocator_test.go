package ports

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker map[int]bool

func (f fakeChecker) InUse(port int) bool { return f[port] }

func TestAllocator_SkipsOccupiedAndReserved(t *testing.T) {
	t.Parallel()

	a := NewAllocator(fakeChecker{8080: true, 8081: true})
	held, err := a.Next(8082)
	require.NoError(t, err)
	require.Equal(t, 8082, held)

	port, err := a.Next(8080)
	require.NoError(t, err)
	assert.Equal(t, 8083, port)

	next, err := a.Next(8080)
	require.NoError(t, err)
	assert.Equal(t, 8084, next, "a handed-out port stays reserved")

	a.Release(8082)
	again, err := a.Next(8080)
	require.NoError(t, err)
	assert.Equal(t, 8082, again)
}

func TestAllocator_ReturnsStartWhenFree(t *testing.T) {
	t.Parallel()

	a := NewAllocator(fakeChecker{})
	port, err := a.Next(3000)
	require.NoError(t, err)
	assert.Equal(t, 3000, port)
}

func TestAllocator_ExhaustedRange(t *testing.T) {
	t.Parallel()

	a := NewAllocator(fakeChecker{65534: true, 65535: true})
	_, err := a.Next(65534)
	assert.ErrorIs(t, err, ErrNoFreePort)
}

func TestProber_InUse(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	p := NewProber(200 * time.Millisecond)
	assert.True(t, p.InUse(port))

	require.NoError(t, ln.Close())
	assert.False(t, p.InUse(port))
}

func TestProber_CheckTCPOnly(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	check := NewProber(200 * time.Millisecond).Check(ln.Addr().(*net.TCPAddr).Port)
	assert.Equal(t, HealthOK, check.Status)
	assert.Contains(t, check.Message, "TCP")
}

func TestCategorizeResponse(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HealthOK, categorizeResponse(10))
	assert.Equal(t, HealthSlow, categorizeResponse(2500))
}
