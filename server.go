package simcmd_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jimsnab/go-lane"
)

const worldSnapshotVersion = 1

type (
	mainEngine struct {
		mu              sync.Mutex
		started         bool
		l               lane.Lane
		cfg             Config
		server          net.Listener
		httpServer      *http.Server
		httpAddr        string
		exitSaver       chan struct{}
		saverTerminated chan struct{}
		canExit         chan struct{}
		terminating     bool
		metrics         *serverMetrics
		scheduler       *execScheduler
		dispatcher      *cmdDispatcher
		clients         *clientTable
		world           *simWorld
		loop            *simLoop
	}

	SimCmdServer interface {
		// Starts a socket server and the simulation loop using cfg.
		//
		// The commands sent to the server are newline-terminated text:
		//
		//		vset /mode/depth\n
		//
		// A command is either a defined alias name or text matching one of
		// the registered patterns. Each command receives one response line:
		//
		//		OK[ <payload>]\n
		//		ERROR <message>\n
		//
		// and the server may send notification lines at any time:
		//
		//		NOTIFY <message>\n
		//
		// Payloads and messages are value-escaped: bytes < 32 and the
		// backslash are sent as \xx (backslash and two character hex).
		StartServer(cfg Config) error

		// Initiates server termination, if it is running.
		StopServer() error

		// Waits for the server to stop
		WaitForTermination()

		// Returns the server address
		ServerAddr() string

		// Returns the metrics/websocket address, or "" if it is not enabled
		HTTPAddr() string

		// Registers an additional command; spec is "pattern?help". Commands
		// registered earlier win when patterns overlap.
		RegisterCommand(spec string, h Handler) error

		// Defines or redefines an alias
		DefineAlias(name, target string)

		// Replaces the rendering collaborator; only valid before StartServer
		SetRenderer(r Renderer) error

		// Runs a command as if a client had sent it
		Dispatch(command string) Result

		// Runs a command; with an owner context (inside a handler) it runs inline
		DispatchContext(ctx context.Context, command string) Result

		// Sends a notification according to the notify policy; returns the
		// number of clients it was queued for
		PushNotification(message string) int

		// Sends a notification to one client
		PushNotificationTo(clientId int64, message string) bool

		// Describes the connected clients
		Clients() map[int64][]string
	}
)

func NewSimCmdServer(l lane.Lane) SimCmdServer {
	eng := &mainEngine{
		l:   l,
		cfg: DefaultConfig(),
	}

	eng.metrics = newServerMetrics()
	eng.scheduler = newExecScheduler(l, eng.metrics)
	eng.dispatcher = newCmdDispatcher(l, eng.scheduler, eng.metrics)
	eng.clients = newClientTable(eng.metrics)
	eng.world = newSimWorld(l, worldSnapshotVersion)
	eng.registerCommands()

	return eng
}

func (eng *mainEngine) StartServer(cfg Config) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.started {
		return ErrAlreadyStarted
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	eng.cfg = cfg

	for _, alias := range cfg.Aliases {
		eng.dispatcher.DefineAlias(alias.Name, alias.Command)
	}

	if err := eng.world.load(cfg.PersistPath); err != nil {
		return err
	}

	if err := eng.listen(); err != nil {
		return err
	}

	if err := eng.startHTTP(); err != nil {
		eng.server.Close()
		return err
	}

	eng.canExit = make(chan struct{})

	// the owner loop runs before the first connection is accepted
	eng.loop = newSimLoop(eng.l, eng.world, eng.scheduler, eng, eng.metrics, &eng.cfg)
	eng.loop.start(eng.l)

	// launch periodic save goroutine
	eng.periodicSave()

	// start accepting connections and processing them
	eng.acceptConnections()
	eng.started = true

	return nil
}

func (eng *mainEngine) StopServer() error {
	// ensure only one termination
	eng.mu.Lock()
	if !eng.started {
		eng.mu.Unlock()
		return ErrNotStarted
	}

	isTerminating := eng.terminating
	eng.terminating = true
	eng.mu.Unlock()

	if !isTerminating {
		go func() { eng.onTerminate() }()
	}

	return nil
}

func (eng *mainEngine) onTerminate() {
	// close the server and wait for all active connections to finish
	eng.l.Tracef("closing server")
	eng.server.Close()
	if eng.httpServer != nil {
		eng.httpServer.Close()
	}

	eng.l.Infof("waiting for any open request connections to complete")
	eng.requestAllCxnClose()
	eng.waitForAllCxnClose()
	eng.l.Infof("termination of %s completed", eng.server.Addr().String())

	// stop the periodic saver (if running)
	if eng.exitSaver != nil {
		eng.l.Tracef("closing world saver")
		eng.exitSaver <- struct{}{}
		<-eng.saverTerminated
		eng.l.Tracef("world saver closed")
	}

	// the owner loop is gone after halt, so the final save can run here
	eng.loop.halt()
	eng.scheduler.Close()
	eng.world.save()

	close(eng.canExit)
}

func (eng *mainEngine) periodicSave() {
	// make a periodic save; the final save happens upon termination
	if eng.cfg.PersistPath != "" {
		eng.exitSaver = make(chan struct{})
		eng.saverTerminated = make(chan struct{})
		go func() {
			timer := time.NewTicker(time.Second)
			for {
				select {
				case <-eng.exitSaver:
					eng.l.Trace("saver loop is exiting")
					timer.Stop()
					eng.saverTerminated <- struct{}{}
					return
				case <-timer.C:
					eng.scheduler.Submit(eng.l, eng.saveWorld, nil)
				}
			}
		}()
	}
}

func (eng *mainEngine) saveWorld(ctx context.Context, args []string) Result {
	if err := eng.world.save(); err != nil {
		return FailureFromErr(err)
	}
	return Success("")
}

func (eng *mainEngine) listen() error {
	// establish socket service
	port := eng.cfg.Port
	if port < 0 {
		port = 0
	}
	iface := net.JoinHostPort(eng.cfg.Endpoint, strconv.Itoa(port))

	server, err := net.Listen("tcp", iface)
	if err != nil {
		eng.l.Errorf("error listening: %s", err.Error())
		return fmt.Errorf("%w on %s: %w", ErrBind, iface, err)
	}
	eng.server = server
	eng.l.Infof("listening on %s", eng.server.Addr().String())
	return nil
}

func (eng *mainEngine) startHTTP() error {
	if eng.cfg.HTTP == "" {
		return nil
	}

	ln, err := net.Listen("tcp", eng.cfg.HTTP)
	if err != nil {
		eng.l.Errorf("error listening: %s", err.Error())
		return fmt.Errorf("%w on %s: %w", ErrBind, eng.cfg.HTTP, err)
	}
	eng.httpAddr = ln.Addr().String()

	router := chi.NewRouter()
	router.Handle("/metrics", eng.metrics.handler())
	router.Get("/ws", eng.serveWebsocket)

	eng.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: writeWait,
	}

	go func() {
		if err := eng.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			eng.l.Errorf("http server error: %s", err)
		}
	}()

	eng.l.Infof("metrics and websocket endpoint on %s", eng.httpAddr)
	return nil
}

func (eng *mainEngine) acceptConnections() {
	go func() {
		// accept connections and process commands
		for {
			connection, err := eng.server.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					eng.l.Errorf("accept error: %s", err)
				}
				break
			}
			eng.l.Infof("client connected: %s", connection.RemoteAddr().String())
			newClientCxn(eng.l.Derive(), connection, eng.dispatcher, eng.clients, &eng.cfg)
		}
	}()
}

func (eng *mainEngine) requestAllCxnClose() {
	eng.clients.processAllClients(func(id int64, cs *clientState) {
		cs.client.RequestClose()
	})
}

func (eng *mainEngine) waitForAllCxnClose() {
	for {
		if !eng.clients.isClientActive() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (eng *mainEngine) WaitForTermination() {
	eng.mu.Lock()
	canExit := eng.canExit
	eng.mu.Unlock()

	if canExit == nil {
		return
	}

	// wait for server to quiesce
	<-canExit
	eng.l.Info("finished serving requests")
}

func (eng *mainEngine) ServerAddr() string {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.server == nil {
		return ""
	}

	return eng.server.Addr().String()
}

func (eng *mainEngine) HTTPAddr() string {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.httpAddr
}

func (eng *mainEngine) RegisterCommand(spec string, h Handler) error {
	return eng.dispatcher.RegisterCommand(spec, h)
}

func (eng *mainEngine) DefineAlias(name, target string) {
	eng.dispatcher.DefineAlias(name, target)
}

func (eng *mainEngine) SetRenderer(r Renderer) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.started {
		return ErrAlreadyStarted
	}
	eng.world.renderer = r
	return nil
}

func (eng *mainEngine) Dispatch(command string) Result {
	return eng.DispatchContext(eng.l, command)
}

func (eng *mainEngine) DispatchContext(ctx context.Context, command string) Result {
	eng.mu.Lock()
	started := eng.started
	eng.mu.Unlock()

	// without the owner loop a queued command would never run
	if !started && !eng.scheduler.IsOwner(ctx) {
		return FailureFromErr(ErrNotStarted)
	}

	return eng.dispatcher.Execute(ctx, command)
}

func (eng *mainEngine) PushNotification(message string) int {
	encoded := encodeMessage(tokenNotify, message)

	sent := 0
	for _, cs := range eng.clients.notifyTargets(eng.cfg.NotifyPolicy) {
		if eng.deliver(cs, encoded) {
			sent++
		}
	}
	return sent
}

func (eng *mainEngine) PushNotificationTo(clientId int64, message string) bool {
	cs, exists := eng.clients.get(clientId)
	if !exists || cs.client.IsCloseRequested() {
		return false
	}
	return eng.deliver(cs, encodeMessage(tokenNotify, message))
}

// deliver never blocks; a client that is not keeping up loses the notification.
func (eng *mainEngine) deliver(cs *clientState, encoded string) bool {
	if !cs.client.send(encoded, false) {
		eng.l.Warnf("notification dropped for client %d at %s: outbound queue full", cs.id, cs.client.ClientAddr())
		eng.metrics.notification("dropped")
		return false
	}
	eng.metrics.notification("sent")
	return true
}

func (eng *mainEngine) Clients() map[int64][]string {
	info := map[int64][]string{}
	eng.clients.processAllClients(func(id int64, cs *clientState) {
		info[id] = cs.client.ClientInfo()
	})
	return info
}
