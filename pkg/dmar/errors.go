// Copyright 2026 The gVisor Authors.
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

package dmar

import (
	"fmt"

	"vtd.dev/vtd/pkg/vtd"
)

// MoveFlushError is returned by MoveContextToDomain when the context was
// moved but the invalidation that publishes the new entry failed. The move
// is not rolled back: the context belongs to the new domain and the old
// domain's reference has been dropped. Hardware may keep using stale cached
// translations of the old domain until a later flush succeeds.
type MoveFlushError struct {
	RID  vtd.RID
	From uint16
	To   uint16
	Err  error
}

// Error implements error.Error.
func (e *MoveFlushError) Error() string {
	return fmt.Sprintf("rid %v moved from domain %d to %d, flush failed: %v", e.RID, e.From, e.To, e.Err)
}

// Unwrap returns the flush error.
func (e *MoveFlushError) Unwrap() error {
	return e.Err
}
