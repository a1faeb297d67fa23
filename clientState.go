package simcmd_server

import (
	"sync"

	"github.com/jimsnab/go-lane"
)

// Notification routing policies.
const (
	NotifyBroadcast = "broadcast" // every connected client
	NotifyLatest    = "latest"    // only the most recently connected client
)

type (
	// clientState holds the transport-independent state of one client. A
	// client processes one command at a time.
	clientState struct {
		l      lane.Lane
		id     int64
		client SimClient
		disp   *cmdDispatcher
		table  *clientTable
	}

	// clientTable is the set of connected clients, owned by one server.
	clientTable struct {
		mu      sync.Mutex
		lastId  int64
		clients map[int64]*clientState
		metrics *serverMetrics
	}
)

func newClientTable(metrics *serverMetrics) *clientTable {
	return &clientTable{
		clients: map[int64]*clientState{},
		metrics: metrics,
	}
}

func newClientState(l lane.Lane, client SimClient, dispatcher *cmdDispatcher, table *clientTable) *clientState {
	cs := &clientState{
		l:      l,
		client: client,
		disp:   dispatcher,
		table:  table,
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	table.lastId++
	cs.id = table.lastId
	table.clients[cs.id] = cs
	table.metrics.setClients(len(table.clients))

	return cs
}

func (ct *clientTable) isClientActive() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	return len(ct.clients) > 0
}

func (ct *clientTable) processAllClients(op func(id int64, cs *clientState)) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for id, cs := range ct.clients {
		if !cs.client.IsCloseRequested() {
			op(id, cs)
		}
	}
}

func (ct *clientTable) get(id int64) (cs *clientState, exists bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	cs, exists = ct.clients[id]
	return
}

// notifyTargets snapshots the clients a notification goes to under policy.
func (ct *clientTable) notifyTargets(policy string) []*clientState {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	targets := make([]*clientState, 0, len(ct.clients))
	if policy == NotifyLatest {
		var latest *clientState
		for _, cs := range ct.clients {
			if !cs.client.IsCloseRequested() && (latest == nil || cs.id > latest.id) {
				latest = cs
			}
		}
		if latest != nil {
			targets = append(targets, latest)
		}
		return targets
	}

	for _, cs := range ct.clients {
		if !cs.client.IsCloseRequested() {
			targets = append(targets, cs)
		}
	}
	return targets
}

func (cs *clientState) unregister() {
	cs.table.mu.Lock()
	defer cs.table.mu.Unlock()

	delete(cs.table.clients, cs.id)
	cs.table.metrics.setClients(len(cs.table.clients))
}

func (cs *clientState) dispatch(command string) Result {
	return cs.disp.Execute(cs.l, command)
}
