// Copyright 2021 The gVisor Authors.
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

package linuxerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestRoundTrip(t *testing.T) {
	for errno, e := range errorMap {
		if got := ErrorFromUnix(errno); got != e {
			t.Errorf("ErrorFromUnix(%v) = %v, want %v", errno, got, e)
		}
		if got := ToUnix(e); got != errno {
			t.Errorf("ToUnix(%v) = %v, want %v", e, got, errno)
		}
	}
}

func TestWrapped(t *testing.T) {
	err := fmt.Errorf("allocating domain: %w", ENOSPC)
	if !errors.Is(err, ENOSPC) {
		t.Errorf("errors.Is(%v, ENOSPC) = false", err)
	}
	if !Equals(ENOSPC, unix.ENOSPC) {
		t.Errorf("Equals(ENOSPC, unix.ENOSPC) = false")
	}
	if Equals(ENOMEM, ENOSPC) {
		t.Errorf("Equals(ENOMEM, ENOSPC) = true")
	}
	if got := ErrorFromUnix(unix.EPERM); ToUnix(got) != unix.EPERM {
		t.Errorf("ErrorFromUnix(EPERM) lost errno: %v", got)
	}
}

func TestMatchesErrno(t *testing.T) {
	err := fmt.Errorf("dmar0: %d domains still live: %w", 2, EBUSY)
	if !errors.Is(err, unix.EBUSY) {
		t.Errorf("errors.Is(%v, unix.EBUSY) = false", err)
	}
	if errors.Is(err, unix.EINVAL) {
		t.Errorf("errors.Is(%v, unix.EINVAL) = true", err)
	}
	if got := ToUnix(err); got != unix.EBUSY {
		t.Errorf("ToUnix(%v) = %v, want EBUSY", err, got)
	}
	if got := ToUnix(fmt.Errorf("raw: %w", unix.ENOENT)); got != unix.ENOENT {
		t.Errorf("ToUnix(wrapped ENOENT) = %v, want ENOENT", got)
	}
	if got := ToUnix(errors.New("opaque")); got != unix.EIO {
		t.Errorf("ToUnix(opaque) = %v, want EIO", got)
	}
}
