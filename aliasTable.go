package simcmd_server

import (
	"sort"
	"sync"
)

type (
	// Alias is a short name that expands to a literal command string.
	Alias struct {
		Name    string `yaml:"name"`
		Command string `yaml:"command"`
	}

	aliasTable struct {
		mu      sync.RWMutex
		aliases map[string]string
	}
)

func newAliasTable() *aliasTable {
	return &aliasTable{
		aliases: map[string]string{},
	}
}

// DefineAlias maps name to target, replacing any earlier definition.
func (at *aliasTable) DefineAlias(name, target string) {
	at.mu.Lock()
	defer at.mu.Unlock()
	at.aliases[name] = target
}

// Resolve looks up name exactly.
func (at *aliasTable) Resolve(name string) (target string, exists bool) {
	at.mu.RLock()
	defer at.mu.RUnlock()
	target, exists = at.aliases[name]
	return
}

// Aliases returns all definitions sorted by name.
func (at *aliasTable) Aliases() []Alias {
	at.mu.RLock()
	defer at.mu.RUnlock()

	list := make([]Alias, 0, len(at.aliases))
	for name, target := range at.aliases {
		list = append(list, Alias{Name: name, Command: target})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}
