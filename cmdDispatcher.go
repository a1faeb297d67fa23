package simcmd_server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jimsnab/go-lane"
)

type (
	// cmdDispatcher ties the alias table, the command registry and the
	// scheduler together behind Execute.
	cmdDispatcher struct {
		l         lane.Lane
		aliases   *aliasTable
		registry  *cmdRegistry
		scheduler *execScheduler
		metrics   *serverMetrics
	}
)

func newCmdDispatcher(l lane.Lane, scheduler *execScheduler, metrics *serverMetrics) *cmdDispatcher {
	return &cmdDispatcher{
		l:         l,
		aliases:   newAliasTable(),
		registry:  newCmdRegistry(),
		scheduler: scheduler,
		metrics:   metrics,
	}
}

// RegisterCommand binds a pattern spec ("pattern?help") to a handler.
func (cd *cmdDispatcher) RegisterCommand(spec string, h Handler) error {
	return cd.registry.Register(spec, h)
}

func (cd *cmdDispatcher) DefineAlias(name, target string) {
	cd.aliases.DefineAlias(name, target)
}

// Execute expands an alias, resolves the command and runs it on the owner
// goroutine. Every failure is returned as an ERROR result.
func (cd *cmdDispatcher) Execute(ctx context.Context, command string) (res Result) {
	started := time.Now()

	ll := cd.l.SetLogLevel(lane.LogLevelError)
	cd.l.SetLogLevel(ll)
	isTrace := ll <= lane.LogLevelTrace

	if isTrace {
		cd.l.Trace(printableCommand(command))
	}

	defer func() {
		cd.metrics.observeCommand(res, time.Since(started))
		if isTrace {
			cd.l.Tracef("response: %s", printableCommand(res.String()))
		}
	}()

	resolved := command
	if target, isAlias := cd.aliases.Resolve(command); isAlias {
		cd.l.Tracef("alias %s expands to %s", command, target)
		resolved = target
	}

	b, args, err := cd.registry.Resolve(resolved)
	if err != nil {
		cd.l.Debugf("%s", err)
		res = FailureFromErr(err)
		return
	}

	res = cd.scheduler.Submit(ctx, b.Handler, args)
	return
}

func printableCommand(command string) string {
	var sb strings.Builder
	for i := 0; i < len(command); i++ {
		by := command[i]
		if by == '\n' {
			sb.WriteString(`\n`)
		} else if by < 32 || by == '\\' || by > 127 {
			sb.WriteString(fmt.Sprintf(`\%02X`, by))
		} else {
			sb.WriteByte(by)
		}
		if sb.Len() > 128 {
			sb.WriteString("…")
			break
		}
	}
	return sb.String()
}
