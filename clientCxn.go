package simcmd_server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

// The following client state machine progresses through the lifecycle
// of a client connection. A client processes only one command at a
// time.
const (
	csNone            cxnState = iota
	csInitialize               // can progress to csWaitForCommand or csTerminate
	csWaitForCommand           // can progress to csDispatchCommand or csTerminate
	csDispatchCommand          // can progress to csTerminate on an interruption, or csWaitForCommand after command processing is complete
	csTerminate                // closes the client
)

const writeWait = 10 * time.Second

type (
	cxnState int

	// clientCxn holds state about the socket connection. It links
	// 1-to-1 to a clientState instance that is common to any type
	// of client connection.
	clientCxn struct {
		cs          *clientState
		started     time.Time
		mu          sync.Mutex // synchronizes access to waiting, closing flags
		cxn         net.Conn
		socketState cxnState
		csceCh      chan *clientStateEvent
		waiting     bool
		closing     bool
		drain       bool // flush queued frames before closing
		inflight    sync.WaitGroup
		inbound     []byte
		maxFrame    int
		outbound    chan string
		quit        chan struct{}
		quitOnce    sync.Once
		writerDone  chan struct{}
	}
)

func newClientCxn(l lane.Lane, cxn net.Conn, dispatcher *cmdDispatcher, table *clientTable, cfg *Config) *clientCxn {
	cc := &clientCxn{
		cxn:         cxn,
		started:     time.Now(),
		socketState: csNone,
		csceCh:      make(chan *clientStateEvent, 3),
		maxFrame:    cfg.MaxFrame,
		outbound:    make(chan string, cfg.OutboundQueue),
		quit:        make(chan struct{}),
		writerDone:  make(chan struct{}),
	}

	cc.cs = newClientState(l, cc, dispatcher, table)

	cc.queueStateChange(csInitialize, nil)

	go cc.writeLoop()
	go cc.run()

	return cc
}

func (cc *clientCxn) ClientInfo() []string {
	since := time.Since(cc.started)
	return []string{
		"id=" + fmt.Sprintf("%d", cc.cs.id),
		"addr=" + cc.cxn.RemoteAddr().String(),
		"laddr=" + cc.cxn.LocalAddr().String(),
		"age=" + fmt.Sprintf("%d", int64(since.Seconds())),
	}
}

func (cc *clientCxn) queueStateChange(newState cxnState, eventData any) {
	cc.csceCh <- &clientStateEvent{
		newState:  newState,
		eventData: eventData,
	}
}

// request connection close
func (cc *clientCxn) RequestClose() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if !cc.closing {
		cc.closing = true
		if cc.waiting {
			// in a blocking read, close the socket
			cc.cxn.Close()
		}
		cc.queueStateChange(csTerminate, nil)
	}
}

func (cc *clientCxn) IsCloseRequested() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.closing
}

func (cc *clientCxn) run() {
	for {
		event := <-cc.csceCh

		cc.socketState = event.newState
		switch cc.socketState {
		case csInitialize:
			cc.onInitialize()
		case csTerminate:
			cc.onTerminate()
			cc.cs.l.Tracef("client %d at %s terminated", cc.cs.id, cc.cxn.RemoteAddr().String())
			return
		case csWaitForCommand:
			// a close request has already queued csTerminate
			if !cc.IsCloseRequested() {
				cc.onWaitForCommand()
			}
		case csDispatchCommand:
			cc.onDispatchCommand(event.eventData.(string))
		}
	}
}

func (cc *clientCxn) onTerminate() {
	cc.mu.Lock()
	drain := cc.drain
	cc.mu.Unlock()

	if drain {
		// the peer finished sending; its responses are still owed
		cc.inflight.Wait()
	} else {
		// unblock a writer stuck on a dead peer
		cc.cxn.Close()
	}

	cc.quitOnce.Do(func() { close(cc.quit) })
	<-cc.writerDone
	cc.cxn.Close()
	cc.cs.unregister()
}

func (cc *clientCxn) onInitialize() {
	cc.queueStateChange(csWaitForCommand, nil)
}

func (cc *clientCxn) onWaitForCommand() {
	// a previous read may have delivered more than one frame
	if cc.dispatchBuffered() {
		return
	}

	buffer := make([]byte, 1024*8)

	cc.mu.Lock()
	if cc.closing {
		// csTerminate is already queued
		cc.mu.Unlock()
		return
	}
	cc.waiting = true
	cc.mu.Unlock()

	n, err := cc.cxn.Read(buffer)

	cc.mu.Lock()
	cc.waiting = false
	cc.mu.Unlock()

	if err != nil {
		if errors.Is(err, io.EOF) {
			cc.cs.l.Infof("client disconnected: %s", cc.cxn.RemoteAddr().String())
			cc.mu.Lock()
			cc.drain = true
			cc.mu.Unlock()
		} else if !errors.Is(err, net.ErrClosed) {
			cc.cs.l.Debugf("%s: read from %s: %s", ErrConnection, cc.cxn.RemoteAddr().String(), err)
		}
		cc.RequestClose()
		return
	}

	cc.inbound = append(cc.inbound, buffer[0:n]...)

	cc.cs.l.Tracef("received %d bytes of command data from client", len(cc.inbound))

	if !cc.dispatchBuffered() && !cc.IsCloseRequested() {
		cc.queueStateChange(csWaitForCommand, nil)
	}
}

// dispatchBuffered queues csDispatchCommand for the next complete frame in
// the inbound buffer. It reports whether a state change was queued.
func (cc *clientCxn) dispatchBuffered() bool {
	for {
		cmd, length := cc.parseCommand()
		if length == 0 {
			return false
		}
		if length < 0 {
			cc.cs.l.Infof("%s: oversized command from %s - terminating", ErrConnection, cc.cxn.RemoteAddr().String())
			cc.RequestClose()
			return true
		}

		cc.inbound = cc.inbound[length:]
		if cmd == "" {
			continue
		}

		cc.queueStateChange(csDispatchCommand, cmd)
		return true
	}
}

func (cc *clientCxn) parseCommand() (cmd string, length int) {
	//
	// The stream format is one command per line:
	//
	//		vset /mode/depth\n
	//
	// A trailing \r is ignored. Bytes < 32 and the backslash can be sent
	// value-escaped as \xx, where xx is the hex byte value.
	//

	end := bytes.IndexByte(cc.inbound, '\n')
	if end < 0 {
		if len(cc.inbound) > cc.maxFrame {
			length = -1
		}
		return
	}
	if end > cc.maxFrame {
		length = -1
		return
	}

	line := bytes.TrimSuffix(cc.inbound[:end], []byte("\r"))
	if bytes.IndexByte(line, '\\') >= 0 {
		cmd = string(valueUnescape(string(line)))
	} else {
		cmd = string(line)
	}

	length = end + 1
	return
}

func (cc *clientCxn) onDispatchCommand(cmd string) {
	cc.inflight.Add(1)
	go func() {
		defer cc.inflight.Done()
		res := cc.cs.dispatch(cmd)

		if !cc.send(encodeResult(res), true) {
			cc.RequestClose()
			return
		}
		if !cc.IsCloseRequested() {
			cc.queueStateChange(csWaitForCommand, nil)
		}
	}()
}

func (cc *clientCxn) send(message string, wait bool) bool {
	frame := message + "\n"

	if wait {
		select {
		case cc.outbound <- frame:
			return true
		case <-cc.quit:
			return false
		}
	}

	select {
	case cc.outbound <- frame:
		return true
	default:
		return false
	}
}

func (cc *clientCxn) writeLoop() {
	defer close(cc.writerDone)

	for {
		select {
		case <-cc.quit:
			cc.flush()
			return
		case frame := <-cc.outbound:
			if !cc.write(frame) {
				cc.RequestClose()
				return
			}
		}
	}
}

// flush writes whatever is still queued when the close was a graceful one.
func (cc *clientCxn) flush() {
	cc.mu.Lock()
	drain := cc.drain
	cc.mu.Unlock()

	if !drain {
		return
	}

	for {
		select {
		case frame := <-cc.outbound:
			if !cc.write(frame) {
				return
			}
		default:
			return
		}
	}
}

func (cc *clientCxn) write(frame string) bool {
	cc.cxn.SetWriteDeadline(time.Now().Add(writeWait))
	n, err := io.WriteString(cc.cxn, frame)
	if err != nil {
		cc.cs.l.Debugf("%s: write to %s: %s", ErrConnection, cc.cxn.RemoteAddr().String(), err)
		return false
	}
	cc.cs.l.Tracef("wrote %d bytes", n)
	return true
}

func (cc *clientCxn) ServerAddr() string {
	return cc.cxn.LocalAddr().String()
}

func (cc *clientCxn) ClientAddr() string {
	return cc.cxn.RemoteAddr().String()
}
