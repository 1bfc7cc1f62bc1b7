// Package sshconsole serves the VM serial console over SSH.
//
// Each shell session attaches to the serial line, displacing whoever held
// it before. Sessions end when the client disconnects or another console
// takes over.
package sshconsole

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Line is the serial line sessions attach to. *serial.Bridge implements it.
type Line interface {
	io.Writer
	Attach(c io.Writer)
	Release(c io.Writer)
}

// Options configures a Server.
type Options struct {
	HostKeyPath        string
	AuthorizedKeysPath string
}

// Server is an SSH server exposing one serial line.
type Server struct {
	config *ssh.ServerConfig
	line   Line

	mu    sync.Mutex
	conns map[*ssh.ServerConn]struct{}
	wg    sync.WaitGroup
}

// New loads the host key and authorized keys and returns a Server for line.
func New(opts Options, line Line) (*Server, error) {
	signer, err := LoadOrCreateHostKey(opts.HostKeyPath)
	if err != nil {
		return nil, err
	}
	authorized, err := LoadAuthorizedKeys(opts.AuthorizedKeysPath)
	if err != nil {
		return nil, err
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if _, ok := authorized[string(key.Marshal())]; !ok {
				return nil, fmt.Errorf("unknown public key for %s", meta.User())
			}
			return &ssh.Permissions{
				Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)},
			}, nil
		},
	}
	config.AddHostKey(signer)

	return &Server{
		config: config,
		line:   line,
		conns:  make(map[*ssh.ServerConn]struct{}),
	}, nil
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshconsole: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every
// connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logrus.WithField("addr", ln.Addr().String()).Info("ssh console listening")

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	defer stop()

	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("sshconsole: accept: %w", err)
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, nc)
		}()
	}
	ln.Close()
	s.wg.Wait()
	return acceptErr
}

func (s *Server) track(ctx context.Context, c *ssh.ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *ssh.ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		logrus.WithError(err).WithField("remote", nc.RemoteAddr().String()).Debug("ssh handshake failed")
		nc.Close()
		return
	}
	defer conn.Close()
	if !s.track(ctx, conn) {
		return
	}
	defer s.untrack(conn)

	log := logrus.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr().String(),
		"user":   conn.User(),
		"key":    conn.Permissions.Extensions["pubkey-fp"],
	})
	log.Info("ssh console connected")
	defer log.Info("ssh console disconnected")

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	defer wg.Wait()
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			log.WithError(err).Warn("accept ssh channel")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(ch, chReqs)
		}()
	}
}

// handleSession waits for a shell request, then bridges the channel to the
// serial line until either side goes away.
func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	shell := make(chan struct{})
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		var once sync.Once
		for req := range reqs {
			switch req.Type {
			case "shell":
				req.Reply(true, nil)
				once.Do(func() { close(shell) })
			case "pty-req", "window-change", "env":
				req.Reply(true, nil)
			default:
				req.Reply(false, nil)
			}
		}
	}()

	select {
	case <-shell:
	case <-ended:
		return
	}

	c := &channelConsumer{ch: ch, detached: make(chan struct{})}
	s.line.Attach(c)
	defer s.line.Release(c)

	input := make(chan struct{})
	go func() {
		defer close(input)
		if _, err := io.Copy(s.line, ch); err != nil {
			logrus.WithError(err).Debug("ssh console input ended")
		}
	}()

	select {
	case <-input:
	case <-c.detached:
		fmt.Fprintf(ch.Stderr(), "\r\nConsole taken over by another session.\r\n")
	}
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
}

// channelConsumer writes serial output to an SSH channel.
type channelConsumer struct {
	ch       ssh.Channel
	detached chan struct{}
	once     sync.Once
}

func (c *channelConsumer) Write(p []byte) (int, error) {
	return c.ch.Write(p)
}

func (c *channelConsumer) Detached() {
	c.once.Do(func() { close(c.detached) })
}
