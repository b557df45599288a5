// Copyright 2024 The TinyDD Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package teams implements the Team Collection & Selection (C5): tracks
// the teams in one region, their health and load, and services
// GetTeamRequest with the scoring rules from spec.md §4.5.
package teams

import "github.com/pingcap-incubator/tinydd/server/registry"

// GetTeamRequest carries every scoring flag from spec.md §4.5.
type GetTeamRequest struct {
	WantsNewServers    bool
	WantsTrueBest      bool
	PreferLowerDiskUtil bool
	TeamMustHaveShards bool
	ForReadBalance     bool
	PreferLowerReadUtil bool
	AllowUnhealthyDestination bool
	InflightPenalty    float64
	CompleteSources    []registry.ServerID
}

// DefaultGetTeamRequest mirrors the C++ default constructor: no special
// preferences, penalty of 1.0 (no discount on in-flight bytes).
func DefaultGetTeamRequest() GetTeamRequest {
	return GetTeamRequest{InflightPenalty: 1.0}
}
