//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package container

import (
	"sync"

	"github.com/pkg/errors"
)

// registry is the arena-with-stable-ids replacement for the cyclic
// container/process references flagged in spec §9: it holds every
// live container keyed by its id, with no back-reference from a
// container to the registry itself.
type registry struct {
	mu         sync.Mutex
	containers map[string]*Container
}

var globalRegistry = &registry{containers: make(map[string]*Container)}

func (r *registry) add(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[c.ID] = c
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

func (r *registry) get(id string) (*Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, errors.Errorf("InvalidArgument: no container %s", id)
	}
	return c, nil
}

// List returns the ids of every tracked container.
func List() []string {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	ids := make([]string, 0, len(globalRegistry.containers))
	for id := range globalRegistry.containers {
		ids = append(ids, id)
	}
	return ids
}

// Get looks up a tracked container by id, for join() and other
// external callers (spec §6 "join(container_id)").
func Get(id string) (*Container, error) {
	return globalRegistry.get(id)
}
