package simcmd_server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jimsnab/go-lane"
)

type (
	// wsCxn is a websocket client. Each text message is one command frame,
	// and responses and notifications are sent one per message.
	wsCxn struct {
		cs         *clientState
		started    time.Time
		mu         sync.Mutex
		conn       *websocket.Conn
		closing    bool
		outbound   chan string
		quit       chan struct{}
		quitOnce   sync.Once
		writerDone chan struct{}
	}
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (eng *mainEngine) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		eng.l.Debugf("%s: websocket upgrade from %s: %s", ErrConnection, r.RemoteAddr, err)
		return
	}

	eng.l.Infof("websocket client connected: %s", conn.RemoteAddr().String())
	wc := newWsCxn(eng.l.Derive(), conn, eng.dispatcher, eng.clients, &eng.cfg)
	wc.readLoop(eng.cfg.MaxFrame)
}

func newWsCxn(l lane.Lane, conn *websocket.Conn, dispatcher *cmdDispatcher, table *clientTable, cfg *Config) *wsCxn {
	wc := &wsCxn{
		started:    time.Now(),
		conn:       conn,
		outbound:   make(chan string, cfg.OutboundQueue),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	wc.cs = newClientState(l, wc, dispatcher, table)

	go wc.writeLoop()
	return wc
}

func (wc *wsCxn) readLoop(maxFrame int) {
	defer wc.onTerminate()

	wc.conn.SetReadLimit(int64(maxFrame))
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !wc.IsCloseRequested() {
				wc.cs.l.Debugf("%s: websocket read from %s: %s", ErrConnection, wc.ClientAddr(), err)
			} else {
				wc.cs.l.Infof("websocket client disconnected: %s", wc.ClientAddr())
			}
			return
		}

		cmd := strings.TrimRight(string(data), "\r\n")
		if cmd == "" {
			continue
		}
		if strings.IndexByte(cmd, '\\') >= 0 {
			cmd = string(valueUnescape(cmd))
		}

		res := wc.cs.dispatch(cmd)
		if !wc.send(encodeResult(res), true) {
			return
		}
	}
}

func (wc *wsCxn) onTerminate() {
	wc.mu.Lock()
	wc.closing = true
	wc.mu.Unlock()

	wc.quitOnce.Do(func() { close(wc.quit) })
	wc.conn.Close()
	<-wc.writerDone
	wc.cs.unregister()
	wc.cs.l.Tracef("websocket client %d terminated", wc.cs.id)
}

func (wc *wsCxn) writeLoop() {
	defer close(wc.writerDone)

	for {
		select {
		case <-wc.quit:
			return
		case message := <-wc.outbound:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
				wc.cs.l.Debugf("%s: websocket write to %s: %s", ErrConnection, wc.ClientAddr(), err)
				wc.RequestClose()
				return
			}
		}
	}
}

func (wc *wsCxn) send(message string, wait bool) bool {
	if wait {
		select {
		case wc.outbound <- message:
			return true
		case <-wc.quit:
			return false
		}
	}

	select {
	case wc.outbound <- message:
		return true
	default:
		return false
	}
}

func (wc *wsCxn) ClientInfo() []string {
	return []string{
		"id=" + fmt.Sprintf("%d", wc.cs.id),
		"addr=" + wc.ClientAddr(),
		"laddr=" + wc.ServerAddr(),
		"age=" + fmt.Sprintf("%d", int64(time.Since(wc.started).Seconds())),
		"transport=websocket",
	}
}

// RequestClose closes the socket, which ends the blocking read.
func (wc *wsCxn) RequestClose() {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	if !wc.closing {
		wc.closing = true
		wc.conn.Close()
	}
}

func (wc *wsCxn) IsCloseRequested() bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.closing
}

func (wc *wsCxn) ServerAddr() string {
	return wc.conn.LocalAddr().String()
}

func (wc *wsCxn) ClientAddr() string {
	return wc.conn.RemoteAddr().String()
}
