package hypervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// qmpServer is a minimal QMP endpoint. Replies are keyed by command name;
// each entry is consumed in order and the last entry repeats.
type qmpServer struct {
	mu      sync.Mutex
	replies map[string][]string
	ln      net.Listener
	wg      sync.WaitGroup
}

// qmpSocketPath returns a short socket path; unix socket paths are length
// limited.
func qmpSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "qmp")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "q.sock")
}

func startQMPServer(t *testing.T, path string, replies map[string][]string) *qmpServer {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	s := &qmpServer{replies: replies, ln: ln}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *qmpServer) next(command string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.replies[command]
	if len(queue) == 0 {
		return `{"return":{}}`
	}
	if len(queue) > 1 {
		s.replies[command] = queue[1:]
	}
	return queue[0]
}

func (s *qmpServer) serve(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	w.WriteString(`{"QMP":{"version":{"qemu":{"major":9,"minor":0,"micro":0},"package":""},"capabilities":[]}}` + "\r\n")
	w.Flush()

	dec := json.NewDecoder(conn)
	for {
		var cmd struct {
			Execute string `json:"execute"`
		}
		if err := dec.Decode(&cmd); err != nil {
			return
		}
		if cmd.Execute != "qmp_capabilities" {
			// Interleave an asynchronous event ahead of the reply.
			w.WriteString(`{"event":"RESUME","data":{},"timestamp":{"seconds":1,"microseconds":0}}` + "\r\n")
		}
		w.WriteString(s.next(cmd.Execute) + "\r\n")
		w.Flush()
	}
}

func newTestQMP(t *testing.T, replies map[string][]string) *qmpClient {
	t.Helper()
	path := qmpSocketPath(t)
	startQMPServer(t, path, replies)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := dialQMP(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestQMPExecuteDecodesReturn(t *testing.T) {
	c := newTestQMP(t, map[string][]string{
		"query-status": {`{"return":{"running":true,"status":"running"}}`},
	})

	var st qmpStatus
	require.NoError(t, c.Execute(context.Background(), "query-status", nil, &st))
	assert.True(t, st.Running)
	assert.Equal(t, "running", st.Status)
}

func TestQMPExecuteError(t *testing.T) {
	c := newTestQMP(t, map[string][]string{
		"migrate": {`{"error":{"class":"GenericError","desc":"no can do"}}`},
	})

	err := c.Execute(context.Background(), "migrate", map[string]string{"uri": "exec:true"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no can do")
}

func TestQMPWaitRunning(t *testing.T) {
	c := newTestQMP(t, map[string][]string{
		"query-status": {
			`{"return":{"running":false,"status":"inmigrate"}}`,
			`{"return":{"running":true,"status":"running"}}`,
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, c.waitRunning(ctx))
}

func TestQMPWaitMigration(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		c := newTestQMP(t, map[string][]string{
			"query-migrate": {
				`{"return":{"status":"active"}}`,
				`{"return":{"status":"completed"}}`,
			},
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, c.waitMigration(ctx))
	})

	t.Run("failed", func(t *testing.T) {
		c := newTestQMP(t, map[string][]string{
			"query-migrate": {`{"return":{"status":"failed","error-desc":"disk full"}}`},
		})
		err := c.waitMigration(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})
}

func TestDialQMPHonorsContext(t *testing.T) {
	path := qmpSocketPath(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	began := time.Now()
	_, err := dialQMP(ctx, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(began), 2*time.Second)
}
