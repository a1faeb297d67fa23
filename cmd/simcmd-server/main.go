package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
	simcmd "github.com/jimsnab/go-simcmd-server"
	"golang.org/x/term"
)

type (
	mainEngine struct {
		args cmdline.Values
		l    lane.Lane
		srv  simcmd.SimCmdServer
	}
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~ [<string-config>]?Runs the simulation command server. Specify <config> to load settings from a YAML file.",
		"[--trace]?Enable trace logging",
		"[--port <int-port>]?Specify the TCP port to listen on. The default is 6780.",
		"[--endpoint <string-interface>]?Specify the network interface to listen on. The default is all network interfaces.",
		"[--http <string-addr>]?Serve /metrics and the /ws websocket endpoint on <addr>, e.g. localhost:6781.",
		"[--persist <string-file>]?Persist the simulation world to <file>.",
		"[--capture-every <int-ticks>]?Capture a frame every <ticks> simulation ticks and notify clients.",
		"[--notify <string-policy>]?Notification policy: broadcast (the default) or latest.",
	)

	args := os.Args[1:] // exclude executable name in os.Args[0]
	err := cl.Process(args)
	if err != nil {
		cl.Help(err, "simcmd-server", args)
	}
}

func mainHandler(args cmdline.Values) error {
	eng := mainEngine{args: args}

	if err := eng.start(); err != nil {
		return err
	}
	eng.srv.WaitForTermination()

	return nil
}

func (eng *mainEngine) start() error {
	eng.l = lane.NewLogLane(context.Background())

	isTrace := eng.args["--trace"].(bool)
	if !isTrace {
		eng.l.SetLogLevel(lane.LogLevelInfo)
	}

	cfg, err := eng.config()
	if err != nil {
		return err
	}

	eng.srv = simcmd.NewSimCmdServer(eng.l)
	if err = eng.srv.StartServer(cfg); err != nil {
		return err
	}

	fmt.Printf("\n\nSimulation command server is now running on %s\n\nPress any key to quit\n\n", eng.srv.ServerAddr())

	// launch termination monitiors
	eng.killSignalMonitor()
	eng.exitKeyMonitor()
	return nil
}

// config layers the command line flags over the optional YAML file.
func (eng *mainEngine) config() (cfg simcmd.Config, err error) {
	cfg = simcmd.DefaultConfig()

	configFile := eng.args["config"].(string)
	if configFile != "" {
		if cfg, err = simcmd.LoadConfig(configFile); err != nil {
			return
		}
	}

	if port := eng.args["port"].(int); port != 0 {
		cfg.Port = port
	}
	if iface := eng.args["interface"].(string); iface != "" {
		cfg.Endpoint = iface
	}
	if addr := eng.args["addr"].(string); addr != "" {
		cfg.HTTP = addr
	}
	if file := eng.args["file"].(string); file != "" {
		cfg.PersistPath = file
	}
	if ticks := eng.args["ticks"].(int); ticks != 0 {
		cfg.CaptureEvery = ticks
	}
	if policy := eng.args["policy"].(string); policy != "" {
		cfg.NotifyPolicy = policy
	}

	err = cfg.Validate()
	return
}

func (eng *mainEngine) killSignalMonitor() {
	// register a graceful termination handler
	sigs := make(chan os.Signal, 10)
	signal.Notify(sigs, os.Interrupt)

	go func() {
		sig := <-sigs
		eng.l.Infof("termination %s signaled for %s", sig, eng.srv.ServerAddr())
		eng.srv.StopServer()
	}()
}

func (eng *mainEngine) exitKeyMonitor() {
	// Start a go routine to detect a keypress. Upon termination
	// triggered another way, this goroutine will leak. Go does
	// not give a reasonable way to cancel a blocking I/O call.
	go func() {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			fmt.Println(err)
			return
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		b := make([]byte, 1)
		_, err = os.Stdin.Read(b)
		if err == nil {
			eng.srv.StopServer()
		}
	}()
}
