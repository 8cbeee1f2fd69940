// Copyright 2024 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import "fmt"

// SyncGroup is a logical grouping of tabs for input broadcast. Each tab
// appears in at most one group; empty groups are garbage-collected.
type SyncGroup struct {
	GroupID string
	Color   string
	Members map[string]struct{}
}

// CreateGroup allocates a new SyncGroup with a stable "G<n>" id.
func (r *Registry) CreateGroup(color string) *SyncGroup {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.groups) + 1
	id := fmt.Sprintf("G%d", n)
	for _, exists := r.groups[id]; exists; _, exists = r.groups[id] {
		n++
		id = fmt.Sprintf("G%d", n)
	}
	g := &SyncGroup{GroupID: id, Color: color, Members: make(map[string]struct{})}
	r.groups[id] = g
	return g
}

// JoinGroup adds tabID to groupID, removing it from any other group first
// so each tab appears in at most one group.
func (r *Registry) JoinGroup(groupID, tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, g := range r.groups {
		delete(g.Members, tabID)
		if len(g.Members) == 0 && id != groupID {
			delete(r.groups, id)
		}
	}
	if g, ok := r.groups[groupID]; ok {
		g.Members[tabID] = struct{}{}
	}
}

// leaveAllGroups removes tabID from every group, garbage-collecting any
// group left empty. Called by Kill.
func (r *Registry) leaveAllGroups(tabID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, g := range r.groups {
		delete(g.Members, tabID)
		if len(g.Members) == 0 {
			delete(r.groups, id)
		}
	}
}

// BroadcastInput fans input out to every tab in groupID, reusing SendInput
// per member.
func (r *Registry) BroadcastInput(groupID string, data []byte) {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	var members []string
	if ok {
		members = make([]string, 0, len(g.Members))
		for tabID := range g.Members {
			members = append(members, tabID)
		}
	}
	r.mu.Unlock()

	for _, tabID := range members {
		r.SendInput(tabID, data)
	}
}
