package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// qmpDialAttempt bounds one connection attempt to the QMP socket.
const qmpDialAttempt = time.Second

// qmpClient runs QMP commands on a go-qemu socket monitor with context
// deadlines. Asynchronous events are consumed by the monitor.
type qmpClient struct {
	mon qmp.Monitor
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type qmpReply struct {
	Return json.RawMessage `json:"return"`
	Error  *qmpError       `json:"error"`
}

// dialQMP connects to a QMP unix socket, retrying until the socket accepts
// or ctx ends. QEMU creates the socket shortly after process start.
func dialQMP(ctx context.Context, path string) (*qmpClient, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		mon, err := qmp.NewSocketMonitor("unix", path, qmpDialAttempt)
		if err == nil {
			c := &qmpClient{mon: mon}
			if err := c.connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("qmp: connect %s: %w", path, errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

// connect performs the greeting and capabilities handshake. The monitor is
// disconnected if ctx ends first.
func (c *qmpClient) connect(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.mon.Connect() }()
	select {
	case err := <-done:
		if err != nil {
			c.mon.Disconnect()
			return fmt.Errorf("qmp: handshake: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.mon.Disconnect()
		<-done
		return fmt.Errorf("qmp: handshake: %w", ctx.Err())
	}
}

// Execute runs a command and decodes its return value into out when non-nil.
// A command still pending when ctx ends completes in the background.
func (c *qmpClient) Execute(ctx context.Context, command string, args, out any) error {
	cmd, err := json.Marshal(qmp.Command{Execute: command, Args: args})
	if err != nil {
		return fmt.Errorf("qmp: encode %s: %w", command, err)
	}

	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := c.mon.Run(cmd)
		done <- result{raw, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return fmt.Errorf("qmp: %s: %w", command, ctx.Err())
	}
	if res.err != nil {
		return fmt.Errorf("qmp: %s: %w", command, res.err)
	}

	var reply qmpReply
	if err := json.Unmarshal(res.raw, &reply); err != nil {
		return fmt.Errorf("qmp: decode %s reply: %w", command, err)
	}
	if reply.Error != nil {
		return fmt.Errorf("qmp: %s: %s: %s", command, reply.Error.Class, reply.Error.Desc)
	}
	if out == nil || reply.Return == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Return, out); err != nil {
		return fmt.Errorf("qmp: decode %s reply: %w", command, err)
	}
	return nil
}

func (c *qmpClient) Close() error {
	return c.mon.Disconnect()
}

// qmpStatus is the reply of query-status.
type qmpStatus struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// qmpMigration is the reply of query-migrate.
type qmpMigration struct {
	Status    string `json:"status"`
	ErrorDesc string `json:"error-desc"`
}

// waitRunning polls query-status until the guest runs or ctx ends.
func (c *qmpClient) waitRunning(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var st qmpStatus
		if err := c.Execute(ctx, "query-status", nil, &st); err != nil {
			return err
		}
		if st.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("qmp: waiting for running (status %q): %w", st.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// waitMigration polls query-migrate until the outgoing migration finishes.
func (c *qmpClient) waitMigration(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		var m qmpMigration
		if err := c.Execute(ctx, "query-migrate", nil, &m); err != nil {
			return err
		}
		switch m.Status {
		case "completed":
			return nil
		case "failed", "cancelled":
			return fmt.Errorf("qmp: migration %s: %s", m.Status, m.ErrorDesc)
		}
		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.Execute(cancelCtx, "migrate_cancel", nil, nil)
			cancel()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
