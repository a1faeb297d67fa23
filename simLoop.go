package simcmd_server

import (
	"context"
	"time"

	"github.com/jimsnab/go-lane"
)

const notifyCaptureFailed = "Screen capture failed"

type (
	notifier interface {
		PushNotification(message string) int
	}

	// simLoop is the owner goroutine. Each tick drains the scheduler,
	// advances the frame counter and, when configured, captures a frame
	// and announces it to clients.
	simLoop struct {
		l            lane.Lane
		world        *simWorld
		scheduler    *execScheduler
		notify       notifier
		metrics      *serverMetrics
		interval     time.Duration
		captureEvery int
		stop         chan struct{}
		done         chan struct{}
	}
)

func newSimLoop(l lane.Lane, world *simWorld, scheduler *execScheduler, notify notifier, metrics *serverMetrics, cfg *Config) *simLoop {
	return &simLoop{
		l:            l,
		world:        world,
		scheduler:    scheduler,
		notify:       notify,
		metrics:      metrics,
		interval:     time.Second / time.Duration(cfg.TickRate),
		captureEvery: cfg.CaptureEvery,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (sl *simLoop) start(ctx context.Context) {
	go sl.run(ctx)
}

func (sl *simLoop) run(ctx context.Context) {
	defer close(sl.done)

	ownerCtx := sl.scheduler.OwnerContext(ctx)
	ticker := time.NewTicker(sl.interval)
	defer ticker.Stop()

	sl.l.Tracef("simulation loop running every %s", sl.interval)

	for {
		select {
		case <-sl.stop:
			sl.scheduler.Tick(ownerCtx)
			sl.l.Trace("simulation loop is exiting")
			return
		case <-sl.scheduler.Wake():
			// don't leave callers waiting for the next tick
			sl.scheduler.Tick(ownerCtx)
		case <-ticker.C:
			sl.tick(ownerCtx)
		}
	}
}

func (sl *simLoop) tick(ctx context.Context) {
	sl.scheduler.Tick(ctx)

	frame := sl.world.advanceFrame()
	sl.metrics.tick()

	if sl.captureEvery > 0 && frame%sl.captureEvery == 0 {
		filename, err := sl.world.captureFrame()
		if err != nil {
			sl.notify.PushNotification(notifyCaptureFailed)
		} else {
			sl.notify.PushNotification(filename)
		}
	}
}

// halt stops the loop after a final drain and waits for it to exit.
func (sl *simLoop) halt() {
	close(sl.stop)
	<-sl.done
}
