package ports

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// Health status levels for a forwarded local port
type HealthStatus string

const (
	HealthOK   HealthStatus = "ok"
	HealthSlow HealthStatus = "slow"
	HealthDown HealthStatus = "down"
)

// HealthCheck represents the result of probing a forwarded local port
type HealthCheck struct {
	Port       int
	Status     HealthStatus
	ResponseMs int
	Message    string
	LastCheck  time.Time
}

// Prober answers whether something accepts connections on a local port
type Prober struct {
	timeout time.Duration
}

// NewProber creates a prober with the given dial timeout
func NewProber(timeout time.Duration) *Prober {
	if timeout == 0 {
		timeout = 500 * time.Millisecond
	}
	return &Prober{timeout: timeout}
}

// InUse reports whether a TCP connect to localhost:port succeeds.
func (p *Prober) InUse(port int) bool {
	ok, _ := p.checkTCP(port)
	return ok
}

// Check probes a forwarded port, preferring HTTP and falling back to TCP
func (p *Prober) Check(port int) *HealthCheck {
	result := &HealthCheck{
		Port:      port,
		LastCheck: time.Now(),
	}

	if ok, ms := p.checkHTTP(port); ok {
		result.Status = categorizeResponse(ms)
		result.ResponseMs = ms
		result.Message = fmt.Sprintf("HTTP responding in %dms", ms)
		return result
	}

	if ok, ms := p.checkTCP(port); ok {
		result.Status = categorizeResponse(ms)
		result.ResponseMs = ms
		result.Message = fmt.Sprintf("TCP responding in %dms", ms)
		return result
	}

	result.Status = HealthDown
	result.Message = "no listener on local port"
	return result
}

// checkHTTP attempts an HTTP request
func (p *Prober) checkHTTP(port int) (bool, int) {
	url := fmt.Sprintf("http://localhost:%d", port)
	client := &http.Client{
		Timeout: p.timeout,
	}

	start := time.Now()
	resp, err := client.Get(url)
	elapsed := int(time.Since(start).Milliseconds())

	if err != nil {
		return false, 0
	}
	defer resp.Body.Close()

	return true, elapsed
}

// checkTCP attempts a TCP connection
func (p *Prober) checkTCP(port int) (bool, int) {
	addr := fmt.Sprintf("localhost:%d", port)

	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, p.timeout)
	elapsed := int(time.Since(start).Milliseconds())

	if err != nil {
		return false, 0
	}
	defer conn.Close()

	return true, elapsed
}

func categorizeResponse(ms int) HealthStatus {
	if ms > 2000 {
		return HealthSlow
	}
	return HealthOK
}

// StatusIcon returns a single-glyph marker for a health status
func StatusIcon(status HealthStatus) string {
	switch status {
	case HealthOK:
		return "●"
	case HealthSlow:
		return "◐"
	case HealthDown:
		return "○"
	default:
		return "?"
	}
}
