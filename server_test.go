package simcmd_server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jimsnab/go-lane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	testClient struct {
		l      lane.Lane
		cxn    net.Conn
		reader *bufio.Reader
	}

	failingRenderer struct {
		nullRenderer
	}
)

func (failingRenderer) CaptureFrame(filename string) error {
	return errors.New("renderer offline")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = "localhost"
	cfg.Port = -1
	cfg.HTTP = "localhost:0"
	cfg.TickRate = 100
	return cfg
}

func testSetup(t *testing.T, cfg Config) (srv SimCmdServer) {
	srv = testServer(t)
	require.NoError(t, srv.StartServer(cfg))
	return
}

func testServer(t *testing.T) (srv SimCmdServer) {
	l := lane.NewTestingLane(context.Background())
	//l = lane.NewLogLaneWithCR(context.Background())
	srv = NewSimCmdServer(l)

	t.Cleanup(func() {
		srv.StopServer()
		srv.WaitForTermination()
	})
	return
}

func testConnect(t *testing.T, srv SimCmdServer) (tc *testClient) {
	cxn, err := net.Dial("tcp", srv.ServerAddr())
	require.NoError(t, err, "can't connect")
	t.Cleanup(func() { cxn.Close() })

	tc = &testClient{
		l:      lane.NewTestingLane(context.Background()),
		cxn:    cxn,
		reader: bufio.NewReader(cxn),
	}
	return
}

func (tc *testClient) write(t *testing.T, data string) {
	_, err := io.WriteString(tc.cxn, data)
	require.NoError(t, err, "failed to write request")
}

// readLine returns the next frame from the server, without the newline.
func (tc *testClient) readLine(t *testing.T) string {
	// put a time limit on an api
	tc.cxn.SetReadDeadline(time.Now().Add(10 * time.Second))
	line, err := tc.reader.ReadString('\n')
	require.NoError(t, err, "failed to read response")

	tc.l.Tracef("received %q from server", line)
	return strings.TrimSuffix(line, "\n")
}

// command sends one command and returns its response, skipping notifications.
func (tc *testClient) command(t *testing.T, cmd string) string {
	tc.write(t, cmd+"\n")
	for {
		line := tc.readLine(t)
		if !strings.HasPrefix(line, tokenNotify+" ") {
			return line
		}
	}
}

func waitForClients(t *testing.T, srv SimCmdServer, count int) {
	require.Eventually(t, func() bool {
		return len(srv.Clients()) == count
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerModeCommands(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	assert.Equal(t, "OK lit", tc.command(t, "vget /mode"))
	assert.Equal(t, "OK", tc.command(t, "vset /mode/depth"))
	assert.Equal(t, "OK depth", tc.command(t, "vget /mode"))
	assert.Equal(t, "ERROR Can not set ViewMode to unknown_mode", tc.command(t, "vset /mode/unknown_mode"))
	assert.Equal(t, "OK depth", tc.command(t, "vget /mode"))
	assert.Equal(t, "OK", tc.command(t, "vset /mode/Normal"))
	assert.Equal(t, "OK normal", tc.command(t, "vget /mode"))
	assert.Equal(t, "ERROR Arguments to SetMode are incorrect", tc.command(t, "vset /mode"))
}

func TestServerAliases(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	assert.Equal(t, tc.command(t, "vset /mode/depth"), tc.command(t, "VisionDepth"))
	assert.Equal(t, "OK depth", tc.command(t, "vget /mode"))

	assert.Equal(t, "OK MyCharacter", tc.command(t, "VisionCamInfo"))
	assert.Equal(t, tc.command(t, "vget /camera/0/name"), tc.command(t, "VisionCamInfo"))

	srv.DefineAlias("Lit", "vset /mode/lit")
	assert.Equal(t, "OK", tc.command(t, "Lit"))
	assert.Equal(t, "OK lit", tc.command(t, "vget /mode"))
}

func TestServerConfiguredAliases(t *testing.T) {
	cfg := testConfig()
	cfg.Aliases = []Alias{{Name: "Normals", Command: "vset /mode/normal"}}
	srv := testSetup(t, cfg)
	tc := testConnect(t, srv)

	assert.Equal(t, "OK", tc.command(t, "Normals"))
	assert.Equal(t, "OK normal", tc.command(t, "vget /mode"))
}

func TestServerNoMatch(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	assert.Equal(t, "ERROR simcmd: no matching command: garbage command", tc.command(t, "garbage command"))
	assert.True(t, strings.HasPrefix(tc.command(t, "vget /mode/extra"), "ERROR "))
	assert.Equal(t, "OK lit", tc.command(t, "vget /mode"))
}

func TestServerCameras(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	assert.Equal(t, "OK MyCharacter", tc.command(t, "vget /camera/0/name"))
	assert.Equal(t, "ERROR Camera 9 not found", tc.command(t, "vget /camera/9/name"))
	assert.Equal(t, "OK", tc.command(t, "vget /frame/last"))
	assert.Equal(t, "OK 0001.png", tc.command(t, "vget /camera/0/image"))
	assert.Equal(t, "OK 0002.png", tc.command(t, "vget /camera/0/image"))
	assert.Equal(t, "ERROR Camera 9 not found", tc.command(t, "vget /camera/9/image"))
	assert.Equal(t, "OK 0002.png", tc.command(t, "vget /frame/last"))
}

func TestServerFrameCounter(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	frameOf := func() int {
		var frame int
		response := tc.command(t, "vget /frame")
		_, err := fmt.Sscanf(response, "OK %d", &frame)
		require.NoError(t, err, response)
		return frame
	}

	first := frameOf()
	require.Eventually(t, func() bool { return frameOf() > first }, 5*time.Second, 20*time.Millisecond)
}

func TestServerHelp(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	response := tc.command(t, "help")
	require.True(t, strings.HasPrefix(response, "OK "))

	lines := strings.Split(string(valueUnescape(strings.TrimPrefix(response, "OK "))), "\n")
	assert.Contains(t, lines, "vget /mode: Gets the current camera view mode")
	assert.Contains(t, lines, "VisionDepth -> vset /mode/depth")
	assert.Equal(t, "help: List the available commands and aliases", lines[0])
}

func TestServerFraming(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	// several frames in one write, with CRLF and blank lines
	tc.write(t, "vset /mode/depth\r\n\n\r\nvget /mode\nvget /camera/0/name\r\n")
	assert.Equal(t, "OK", tc.readLine(t))
	assert.Equal(t, "OK depth", tc.readLine(t))
	assert.Equal(t, "OK MyCharacter", tc.readLine(t))

	// a frame split across writes
	tc.write(t, "vget /mo")
	time.Sleep(20 * time.Millisecond)
	tc.write(t, "de\n")
	assert.Equal(t, "OK depth", tc.readLine(t))
}

func TestServerEscaping(t *testing.T) {
	srv := testServer(t)
	require.NoError(t, srv.RegisterCommand("echo (.*)", func(ctx context.Context, args []string) Result {
		return Success(args[0])
	}))
	require.NoError(t, srv.StartServer(testConfig()))

	tc := testConnect(t, srv)
	assert.Equal(t, `OK a\0Ab\5Cc`, tc.command(t, `echo a\0Ab\5Cc`))
	assert.Equal(t, "OK", tc.command(t, "echo "))
}

func TestServerRegisterErrors(t *testing.T) {
	srv := testServer(t)

	assert.ErrorIs(t, srv.RegisterCommand("vget /mode", replyWith("")), ErrDuplicatePattern)
	assert.ErrorIs(t, srv.RegisterCommand("vget (.+)", replyWith("")), ErrInvalidPattern)
}

func TestServerReentrantDispatch(t *testing.T) {
	srv := testServer(t)
	require.NoError(t, srv.RegisterCommand("describe", func(ctx context.Context, args []string) Result {
		mode := srv.DispatchContext(ctx, "vget /mode")
		name := srv.DispatchContext(ctx, "VisionCamInfo")
		return Success(name.Payload + " sees " + mode.Payload)
	}))
	require.NoError(t, srv.StartServer(testConfig()))

	tc := testConnect(t, srv)
	assert.Equal(t, "OK MyCharacter sees lit", tc.command(t, "describe"))
}

func TestServerHandlerPanic(t *testing.T) {
	srv := testServer(t)
	require.NoError(t, srv.RegisterCommand("explode", func(ctx context.Context, args []string) Result {
		panic("kaboom")
	}))
	require.NoError(t, srv.StartServer(testConfig()))

	tc := testConnect(t, srv)
	response := tc.command(t, "explode")
	assert.True(t, strings.HasPrefix(response, "ERROR "), response)
	assert.Contains(t, response, "kaboom")

	// the owner loop keeps running
	assert.Equal(t, "OK lit", tc.command(t, "vget /mode"))
}

func TestServerLocalDispatch(t *testing.T) {
	srv := testServer(t)

	res := srv.Dispatch("vget /mode")
	assert.Equal(t, FailureFromErr(ErrNotStarted), res)

	require.NoError(t, srv.StartServer(testConfig()))
	assert.Equal(t, Success(""), srv.Dispatch("VisionDepth"))
	assert.Equal(t, Success("depth"), srv.Dispatch("vget /mode"))

	require.NoError(t, srv.StopServer())
	srv.WaitForTermination()

	res = srv.Dispatch("vget /mode")
	assert.Equal(t, FailureFromErr(ErrSchedulerStopped), res)
}

func TestServerConcurrentClients(t *testing.T) {
	srv := testSetup(t, testConfig())

	var wg sync.WaitGroup
	for _, mode := range []string{"depth", "normal", "unlit", "debug"} {
		tc := testConnect(t, srv)
		m := mode
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.Equal(t, "OK", tc.command(t, "vset /mode/"+m))
				response := tc.command(t, "vget /mode")
				assert.Contains(t, []string{"OK depth", "OK normal", "OK unlit", "OK debug"}, response)
			}
		}()
	}
	wg.Wait()
}

func TestServerNotify(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc1 := testConnect(t, srv)
	tc2 := testConnect(t, srv)
	waitForClients(t, srv, 2)

	assert.Equal(t, 2, srv.PushNotification("hello\nworld"))
	assert.Equal(t, `NOTIFY hello\0Aworld`, tc1.readLine(t))
	assert.Equal(t, `NOTIFY hello\0Aworld`, tc2.readLine(t))

	ids := []int64{}
	for id := range srv.Clients() {
		ids = append(ids, id)
	}
	first := ids[0]
	if ids[1] < first {
		first = ids[1]
	}

	assert.True(t, srv.PushNotificationTo(first, "just you"))
	assert.Equal(t, "NOTIFY just you", tc1.readLine(t))
	assert.Equal(t, "OK lit", tc2.command(t, "vget /mode"))

	assert.False(t, srv.PushNotificationTo(9999, "nobody"))
}

func TestServerNotifyLatest(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyPolicy = NotifyLatest
	srv := testSetup(t, cfg)

	tc1 := testConnect(t, srv)
	waitForClients(t, srv, 1)
	tc2 := testConnect(t, srv)
	waitForClients(t, srv, 2)

	assert.Equal(t, 1, srv.PushNotification("latest only"))
	assert.Equal(t, "NOTIFY latest only", tc2.readLine(t))

	// tc1 sees only its own response
	tc1.write(t, "vget /mode\n")
	assert.Equal(t, "OK lit", tc1.readLine(t))
}

func TestServerNotifyDoesNotBlock(t *testing.T) {
	cfg := testConfig()
	cfg.OutboundQueue = 1
	srv := testSetup(t, cfg)

	// the client never reads, so the outbound queue and socket buffers fill
	tc := testConnect(t, srv)
	waitForClients(t, srv, 1)

	payload := strings.Repeat("x", 1000)
	done := make(chan int)
	go func() {
		sent := 0
		for i := 0; i < 20000; i++ {
			sent += srv.PushNotification(payload)
		}
		done <- sent
	}()

	select {
	case sent := <-done:
		assert.Less(t, sent, 20000)
	case <-time.After(30 * time.Second):
		t.Fatal("notification push blocked")
	}

	tc.cxn.Close()
}

func TestServerCaptureNotifications(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureEvery = 2
	srv := testSetup(t, cfg)
	tc := testConnect(t, srv)

	expected := regexp.MustCompile(`^NOTIFY \d{4}\.png$`)
	assert.Regexp(t, expected, tc.readLine(t))
	assert.Regexp(t, expected, tc.readLine(t))
}

func TestServerCaptureFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CaptureEvery = 1
	srv := testServer(t)
	require.NoError(t, srv.SetRenderer(failingRenderer{}))
	require.NoError(t, srv.StartServer(cfg))
	assert.ErrorIs(t, srv.SetRenderer(nullRenderer{}), ErrAlreadyStarted)

	tc := testConnect(t, srv)
	assert.Equal(t, "NOTIFY Screen capture failed", tc.readLine(t))
	assert.Equal(t, "ERROR Screen capture failed", tc.command(t, "vget /camera/0/image"))
}

func TestServerDisconnectIsolation(t *testing.T) {
	srv := testSetup(t, testConfig())

	tc1 := testConnect(t, srv)
	tc2 := testConnect(t, srv)
	waitForClients(t, srv, 2)

	assert.Equal(t, "OK", tc1.command(t, "vset /mode/depth"))

	// a command in flight when the client drops
	tc1.write(t, "vget /mode\n")
	tc1.cxn.Close()
	waitForClients(t, srv, 1)

	assert.Equal(t, "OK depth", tc2.command(t, "vget /mode"))
}

func TestServerOversizedFrame(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrame = 32
	srv := testSetup(t, cfg)
	tc := testConnect(t, srv)

	assert.Equal(t, "OK lit", tc.command(t, "vget /mode"))

	tc.write(t, strings.Repeat("x", 100))
	tc.cxn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err := tc.reader.ReadString('\n')
	assert.Error(t, err)

	waitForClients(t, srv, 0)
}

func TestServerWebsocket(t *testing.T) {
	srv := testSetup(t, testConfig())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.HTTPAddr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(cmd string) string {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	assert.Equal(t, "OK lit", roundTrip("vget /mode"))
	assert.Equal(t, "OK", roundTrip("VisionDepth\n"))

	// websocket and socket clients share one world
	tc := testConnect(t, srv)
	assert.Equal(t, "OK depth", tc.command(t, "vget /mode"))
	waitForClients(t, srv, 2)

	wsInfo := false
	for _, info := range srv.Clients() {
		if assert.NotEmpty(t, info) && info[len(info)-1] == "transport=websocket" {
			wsInfo = true
		}
	}
	assert.True(t, wsInfo)

	assert.Equal(t, 2, srv.PushNotification("to all"))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "NOTIFY to all", string(data))
}

func TestServerMetricsEndpoint(t *testing.T) {
	srv := testSetup(t, testConfig())
	tc := testConnect(t, srv)

	tc.command(t, "vget /mode")
	tc.command(t, "garbage")

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `simcmd_commands_total{status="OK"} 1`)
	assert.Contains(t, text, `simcmd_commands_total{status="ERROR"} 1`)
	assert.Contains(t, text, "simcmd_clients_active 1")
	assert.Contains(t, text, "simcmd_ticks_total")
}

func TestServerLifecycle(t *testing.T) {
	srv := testServer(t)

	assert.ErrorIs(t, srv.StopServer(), ErrNotStarted)
	assert.Equal(t, "", srv.ServerAddr())

	require.NoError(t, srv.StartServer(testConfig()))
	assert.ErrorIs(t, srv.StartServer(testConfig()), ErrAlreadyStarted)

	tc := testConnect(t, srv)
	assert.Equal(t, "OK lit", tc.command(t, "vget /mode"))

	require.NoError(t, srv.StopServer())
	require.NoError(t, srv.StopServer())
	srv.WaitForTermination()

	// the server closes its clients on the way out
	tc.cxn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err := tc.reader.ReadString('\n')
	assert.Error(t, err)
}

func TestServerBindError(t *testing.T) {
	first := testSetup(t, testConfig())

	_, port, err := net.SplitHostPort(first.ServerAddr())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.HTTP = ""
	_, err = fmt.Sscanf(port, "%d", &cfg.Port)
	require.NoError(t, err)

	second := testServer(t)
	assert.ErrorIs(t, second.StartServer(cfg), ErrBind)
}

func TestServerInvalidConfig(t *testing.T) {
	srv := testServer(t)

	cfg := testConfig()
	cfg.NotifyPolicy = "sometimes"
	assert.Error(t, srv.StartServer(cfg))
	assert.Equal(t, "", srv.ServerAddr())
}

func TestServerPersistence(t *testing.T) {
	cfg := testConfig()
	cfg.PersistPath = filepath.Join(t.TempDir(), "world.db")

	srv := testSetup(t, cfg)
	tc := testConnect(t, srv)
	assert.Equal(t, "OK", tc.command(t, "vset /mode/base_color"))
	assert.Equal(t, "OK 0001.png", tc.command(t, "vget /camera/0/image"))

	require.NoError(t, srv.StopServer())
	srv.WaitForTermination()

	restarted := testSetup(t, cfg)
	tc = testConnect(t, restarted)
	assert.Equal(t, "OK base_color", tc.command(t, "vget /mode"))
	assert.Equal(t, "OK 0002.png", tc.command(t, "vget /camera/0/image"))
}

func TestServerHalfCloseGetsResponses(t *testing.T) {
	srv := testSetup(t, testConfig())

	for i := 0; i < 20; i++ {
		cxn, err := net.Dial("tcp", srv.ServerAddr())
		require.NoError(t, err)

		_, err = io.WriteString(cxn, "vset /mode/depth\nvget /mode\n")
		require.NoError(t, err)
		require.NoError(t, cxn.(*net.TCPConn).CloseWrite())

		cxn.SetReadDeadline(time.Now().Add(10 * time.Second))
		replies, err := io.ReadAll(cxn)
		cxn.Close()
		require.NoError(t, err)
		assert.Equal(t, "OK\nOK depth\n", string(replies), "session %d", i)
	}

	waitForClients(t, srv, 0)
}
