// Package devicetest runs an in-process fake acquisition device on loopback
// with separate command and data listeners.
package devicetest

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/rhxlink/internal/protocol/command"
	"github.com/danmuck/rhxlink/internal/protocol/frame"
)

type Device struct {
	t      testing.TB
	cmdLn  net.Listener
	dataLn net.Listener

	dataConns chan net.Conn

	mu       sync.Mutex
	commands []string
	cmdConns []net.Conn
	all      []net.Conn

	cmdAccepts  atomic.Int64
	dataAccepts atomic.Int64
	closed      atomic.Bool
	wg          sync.WaitGroup
}

// New starts a device and registers Close as test cleanup.
func New(t testing.TB) *Device {
	t.Helper()
	cmdLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen command: %v", err)
	}
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = cmdLn.Close()
		t.Fatalf("listen data: %v", err)
	}
	d := &Device{
		t:         t,
		cmdLn:     cmdLn,
		dataLn:    dataLn,
		dataConns: make(chan net.Conn, 16),
	}
	d.wg.Add(2)
	go d.acceptCommands()
	go d.acceptData()
	t.Cleanup(d.Close)
	return d
}

func (d *Device) Host() string { return "127.0.0.1" }

func (d *Device) CommandPort() int { return d.cmdLn.Addr().(*net.TCPAddr).Port }

func (d *Device) DataPort() int { return d.dataLn.Addr().(*net.TCPAddr).Port }

func (d *Device) CommandAccepts() int { return int(d.cmdAccepts.Load()) }

func (d *Device) DataAccepts() int { return int(d.dataAccepts.Load()) }

func (d *Device) acceptCommands() {
	defer d.wg.Done()
	for {
		conn, err := d.cmdLn.Accept()
		if err != nil {
			return
		}
		d.cmdAccepts.Add(1)
		if !d.track(conn) {
			return
		}
		d.mu.Lock()
		d.cmdConns = append(d.cmdConns, conn)
		d.mu.Unlock()
		d.wg.Add(1)
		go d.readCommands(conn)
	}
}

// track records conn for Close, or closes it when the device already closed.
func (d *Device) track(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		_ = conn.Close()
		return false
	}
	d.all = append(d.all, conn)
	return true
}

func (d *Device) readCommands(conn net.Conn) {
	defer d.wg.Done()
	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			var stmts []string
			stmts, pending = command.Split(pending + string(buf[:n]))
			d.mu.Lock()
			d.commands = append(d.commands, stmts...)
			d.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (d *Device) acceptData() {
	defer d.wg.Done()
	for {
		conn, err := d.dataLn.Accept()
		if err != nil {
			return
		}
		d.dataAccepts.Add(1)
		if !d.track(conn) {
			return
		}
		select {
		case d.dataConns <- conn:
		default:
			_ = conn.Close()
		}
	}
}

// NextDataConn returns the next accepted data connection.
func (d *Device) NextDataConn(timeout time.Duration) net.Conn {
	d.t.Helper()
	select {
	case conn := <-d.dataConns:
		return conn
	case <-time.After(timeout):
		d.t.Fatalf("devicetest: no data connection within %v", timeout)
		return nil
	}
}

// Commands returns every statement received so far, in arrival order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func (d *Device) ResetCommands() {
	d.mu.Lock()
	d.commands = nil
	d.mu.Unlock()
}

// WaitCommand polls until stmt has been received or timeout passes.
func (d *Device) WaitCommand(stmt string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, got := range d.Commands() {
			if strings.TrimSpace(got) == stmt {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// CloseCommandConns drops every accepted command connection.
func (d *Device) CloseCommandConns() {
	d.mu.Lock()
	conns := d.cmdConns
	d.cmdConns = nil
	d.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// CloseListeners stops accepting new connections; existing ones stay open.
func (d *Device) CloseListeners() {
	_ = d.cmdLn.Close()
	_ = d.dataLn.Close()
}

func (d *Device) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.CloseListeners()
	d.mu.Lock()
	conns := d.all
	d.all = nil
	d.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	d.wg.Wait()
}

// Block encodes one wire block whose samples come from sample(frame, ch).
func Block(t testing.TB, channels int, firstTS int32, sample func(f, ch int) int16) []byte {
	t.Helper()
	l, err := frame.NewLayout(channels)
	if err != nil {
		t.Fatalf("devicetest: layout: %v", err)
	}
	frames := make([]frame.Frame, frame.FramesPerBlock)
	for f := range frames {
		samples := make([]int16, channels)
		for ch := range samples {
			samples[ch] = sample(f, ch)
		}
		frames[f] = frame.Frame{Timestamp: firstTS + int32(f), Samples: samples}
	}
	b, err := frame.AppendBlock(nil, l, frames)
	if err != nil {
		t.Fatalf("devicetest: encode block: %v", err)
	}
	return b
}

// UnusedPort returns a loopback port with nothing listening on it.
func UnusedPort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("devicetest: reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
