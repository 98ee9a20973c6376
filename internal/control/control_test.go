package control_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwbridge/devshared/internal/control"
	"github.com/hwbridge/devshared/internal/proto"
)

type fakeDispatcher struct {
	mu sync.Mutex

	current       string
	hasCurrent    bool
	launchOK      bool
	destroyOK     bool
	status        string
	launchCalls   int
	destroyCalls  int
}

func (d *fakeDispatcher) Launch(ctx context.Context, frame proto.Frame) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launchCalls++
	if d.launchOK {
		d.current = frame.Str("id")
		d.hasCurrent = true
	}
	return d.launchOK
}

func (d *fakeDispatcher) Destroy(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCalls++
	if d.destroyOK {
		d.hasCurrent = false
	}
	return d.destroyOK
}

func (d *fakeDispatcher) Status() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasCurrent {
		return "", false
	}
	return d.status, true
}

func (d *fakeDispatcher) CurrentID() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.hasCurrent
}

func (d *fakeDispatcher) HubAssociation() (string, bool) { return "", false }

var upgrader = websocket.Upgrader{}

// fakeCoordinator runs one scripted exchange: it upgrades the connection,
// sends each frame in toSend, and records every frame it receives.
type fakeCoordinator struct {
	srv      *httptest.Server
	received chan proto.Frame
}

func newFakeCoordinator(t *testing.T, toSend []proto.Frame) *fakeCoordinator {
	t.Helper()
	fc := &fakeCoordinator{received: make(chan proto.Frame, 16)}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, f := range toSend {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			var f proto.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fc.received <- f
		}
	}))
	return fc
}

func (fc *fakeCoordinator) wsURL() string {
	return "ws" + strings.TrimPrefix(fc.srv.URL, "http")
}

func (fc *fakeCoordinator) close() { fc.srv.Close() }

func waitForFrame(t *testing.T, ch chan proto.Frame) proto.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return proto.Frame{}
	}
}

func TestDispatchLaunchAccepted(t *testing.T) {
	launch := proto.New(proto.CmdInstanceLaunch, "m1", map[string]any{"id": "i1"})
	fc := newFakeCoordinator(t, []proto.Frame{launch})
	defer fc.close()

	disp := &fakeDispatcher{launchOK: true}
	ch := control.New(fc.wsURL(), "token", disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	reply := waitForFrame(t, fc.received)
	if reply.Cmd != proto.CmdAck || reply.MI != "m1" {
		t.Errorf("reply = %+v, want ACK mi=m1", reply)
	}
	if disp.launchCalls != 1 {
		t.Errorf("launchCalls = %d, want 1", disp.launchCalls)
	}
}

func TestDispatchLaunchRejectedWhenBusy(t *testing.T) {
	launch := proto.New(proto.CmdInstanceLaunch, "m9", map[string]any{"id": "i2"})
	fc := newFakeCoordinator(t, []proto.Frame{launch})
	defer fc.close()

	disp := &fakeDispatcher{hasCurrent: true, current: "i1"}
	ch := control.New(fc.wsURL(), "token", disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	reply := waitForFrame(t, fc.received)
	if reply.Cmd != proto.CmdNack || reply.MI != "m9" {
		t.Errorf("reply = %+v, want NACK mi=m9", reply)
	}
	if disp.launchCalls != 0 {
		t.Errorf("launchCalls = %d, want 0 (no side effects when busy)", disp.launchCalls)
	}
}

func TestDispatchDestroyThenStatusNack(t *testing.T) {
	destroy := proto.New(proto.CmdInstanceDestroy, "m10", nil)
	statusReq := proto.New(proto.CmdInstanceStatus, "m11", nil)
	fc := newFakeCoordinator(t, []proto.Frame{destroy, statusReq})
	defer fc.close()

	disp := &fakeDispatcher{hasCurrent: true, current: "i1", destroyOK: true}
	ch := control.New(fc.wsURL(), "token", disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	reply := waitForFrame(t, fc.received)
	if reply.Cmd != proto.CmdAck || reply.MI != "m10" {
		t.Errorf("reply = %+v, want ACK mi=m10", reply)
	}

	status, exists := disp.Status()
	if exists {
		t.Errorf("Status after Destroy = (%q, %v), want not exists", status, exists)
	}

	reply = waitForFrame(t, fc.received)
	if reply.Cmd != proto.CmdNack || reply.MI != "m11" {
		t.Errorf("reply = %+v, want NACK mi=m11", reply)
	}
}

func TestEmitStatusSendsInstanceStatus(t *testing.T) {
	fc := newFakeCoordinator(t, nil)
	defer fc.close()

	disp := &fakeDispatcher{}
	ch := control.New(fc.wsURL(), "token", disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	waitFor(t, func() bool { return ch.EmitStatus("READY") == nil })

	reply := waitForFrame(t, fc.received)
	if reply.Cmd != proto.CmdInstanceStatus || reply.Str("s") != "READY" {
		t.Errorf("reply = %+v, want INSTANCE_STATUS s=READY", reply)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
