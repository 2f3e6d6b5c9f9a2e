// Package testutil provides a length-framed echo/reflect server standing
// in for the opposite-end collaborator spec.md §6 describes: it mirrors
// each received message back unmodified, which is enough for the
// matcher to extract a query ID and compute an RTT. It exists only to
// drive this repository's own tests — it is not part of the shipped
// binary.
package testutil

import (
	"net"
	"sync"
)

// EchoServer accepts plain TCP connections or UDP datagrams (it does not
// terminate TLS) and reflects every message it reads back to the sender,
// framing-agnostic (it just mirrors bytes).
type EchoServer struct {
	ln   net.Listener
	pc   net.PacketConn
	wg   sync.WaitGroup
	done chan struct{}
}

// ListenTCP starts a TCP echo server on an ephemeral loopback port.
func ListenTCP() (*EchoServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &EchoServer{ln: ln, done: make(chan struct{})}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// ListenUDP starts a UDP echo server on an ephemeral loopback port.
func ListenUDP() (*EchoServer, error) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &EchoServer{pc: pc, done: make(chan struct{})}
	s.wg.Add(1)
	go s.udpLoop()
	return s, nil
}

// Addr returns the listening address as "host:port".
func (s *EchoServer) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.pc.LocalAddr().String()
}

func (s *EchoServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleTCP(conn)
	}
}

func (s *EchoServer) handleTCP(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *EchoServer) udpLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if _, err := s.pc.WriteTo(buf[:n], addr); err != nil {
			return
		}
	}
}

// Close shuts the server down and waits for its goroutines to exit.
func (s *EchoServer) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	if s.pc != nil {
		err = s.pc.Close()
	}
	s.wg.Wait()
	return err
}
