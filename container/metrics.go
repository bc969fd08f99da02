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

import "github.com/meulengracht/containerv/monitor"

// Metrics combines the cgroup/network observability snapshot (spec
// §4.I) with this container's policy-map entry counts (spec §4.G),
// the SPEC_FULL "GetMetrics()" supplement.
type Metrics struct {
	Resource     monitor.Snapshot
	MapEntries   map[string]int
	PopulateUsec uint64
}

// GetMetrics reports the container's current resource usage and
// policy-map footprint.
func (c *Container) GetMetrics() Metrics {
	m := Metrics{}

	if c.monitor != nil {
		m.Resource = c.monitor.Snapshot()
	}

	if c.hasPolicy && c.policyMgr != nil {
		pm := c.policyMgr.GetMetrics()
		m.MapEntries = pm.EntryCounts[c.ID]
		m.PopulateUsec = pm.PopulateMicros[c.ID]
	}

	return m
}
