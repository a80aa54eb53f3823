// Copyright 2015 Google Inc. All Rights Reserved.
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

package inode

import "fmt"

// lookupCount is the untrusted half of an inode's two counters (see the
// refcount field in inode.go for the trusted half). It is incremented once per reply that
// hands the inode's id to the guest and decremented by FORGET messages,
// which the guest may send in any multiple or not at all.
//
// External synchronization is required; the table mutex covers it.
type lookupCount struct {
	n uint64
}

func (lc *lookupCount) inc() {
	lc.n++
}

// dec subtracts n from the count, clamping at zero rather than panicking:
// the guest is never trusted to balance FORGET against the lookups it was
// actually handed.
func (lc *lookupCount) dec(n uint64) (reachedZero bool) {
	if n > lc.n {
		n = lc.n
	}
	lc.n -= n
	return lc.n == 0
}

func (lc *lookupCount) String() string {
	return fmt.Sprintf("lookup=%d", lc.n)
}
