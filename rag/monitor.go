// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package rag

import "github.com/poiesic/neurosim/core"

// Monitor receives callbacks as a chat request moves through its states.
// Callbacks run on the request goroutine and must not block.
type Monitor interface {
	Start(userID string)
	Transition(from, to State)
	AfterRetrieval(results []*core.SearchResult)
	AfterAugmentation(used int, contextChars int)
	Failed(state State, err error)
	Finish(reply *Reply)
}

// noopMonitor is a no-op implementation of Monitor
type noopMonitor struct{}

var _ Monitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                        {}
func (n *noopMonitor) Transition(_, _ State)                 {}
func (n *noopMonitor) AfterRetrieval(_ []*core.SearchResult) {}
func (n *noopMonitor) AfterAugmentation(_ int, _ int)        {}
func (n *noopMonitor) Failed(_ State, _ error)               {}
func (n *noopMonitor) Finish(_ *Reply)                       {}
