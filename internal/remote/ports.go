package remote

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

const (
	MinPortRange = 9222 // Chrome's default debug port
	MaxPortRange = 9272 // 50 ports for launched servers
)

// PortPool hands out listen ports for launched servers
type PortPool struct {
	mu    sync.Mutex
	min   int
	max   int
	stack []string
	free  map[string]bool // Tracks which ports are available
}

// DefaultPorts is the pool NewProcess draws from
var DefaultPorts = NewPortPool(MinPortRange, MaxPortRange)

// NewPortPool creates a pool over [min, max)
func NewPortPool(min, max int) *PortPool {
	p := &PortPool{
		min:  min,
		max:  max,
		free: make(map[string]bool),
	}
	for i := min; i < max; i++ {
		port := strconv.Itoa(i)
		p.stack = append(p.stack, port)
		p.free[port] = true
	}
	return p
}

// IsPortAvailable checks if a port is available by attempting to listen on it
func IsPortAvailable(port string) bool {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// Get retrieves an available port from the pool
func (p *PortPool) Get() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Try ports from the stack until we find an available one
	for len(p.stack) > 0 {
		port := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		delete(p.free, port)

		// Verify port is actually available
		if IsPortAvailable(port) {
			slog.Debug("allocated port from pool", "port", port, "remaining", len(p.stack))
			return port, nil
		}

		// Port was in use by another process, try next one
		slog.Debug("port in use by external process", "port", port)
	}

	return "", fmt.Errorf("no free ports available in pool")
}

// Return puts a port back into the pool for reuse
func (p *PortPool) Return(port string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Validate port is in valid range
	portInt, err := strconv.Atoi(port)
	if err != nil || portInt < p.min || portInt >= p.max {
		slog.Warn("attempted to return invalid port", "port", port)
		return
	}

	// Check if port already in pool
	if p.free[port] {
		slog.Warn("port already in pool, ignoring duplicate return", "port", port)
		return
	}

	p.stack = append(p.stack, port)
	p.free[port] = true
	slog.Debug("returned port to pool", "port", port, "available", len(p.stack))
}

// Stats returns total and available port counts
func (p *PortPool) Stats() (total, available int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.max - p.min, len(p.stack)
}
