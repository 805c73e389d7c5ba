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

// Package linuxerr contains error codes exported as error interface pointers.
// This allows for fast comparison and return operations comparable to
// unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"vtd.dev/vtd/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno values of
// the same name. They are distinct types (*errors.Error), so compare them with
// == or errors.Is, and use ToUnix to get back to a unix.Errno.
var (
	ENOENT    = errors.New(unix.ENOENT, "no such file or directory")
	EIO       = errors.New(unix.EIO, "I/O error")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST    = errors.New(unix.EEXIST, "file exists")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC    = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE    = errors.New(unix.ERANGE, "math result not representable")
	ETIMEDOUT = errors.New(unix.ETIMEDOUT, "connection timed out")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.ENOENT:    ENOENT,
	unix.EIO:       EIO,
	unix.ENOMEM:    ENOMEM,
	unix.EBUSY:     EBUSY,
	unix.EEXIST:    EEXIST,
	unix.EINVAL:    EINVAL,
	unix.ENOSPC:    ENOSPC,
	unix.ERANGE:    ERANGE,
	unix.ETIMEDOUT: ETIMEDOUT,
}

// ErrorFromUnix returns the error corresponding to errno, or a fresh
// *errors.Error carrying errno if it is not one of the exported values.
func ErrorFromUnix(errno unix.Errno) error {
	if errno == 0 {
		return nil
	}
	if e, ok := errorMap[errno]; ok {
		return e
	}
	return errors.New(errno, errno.Error())
}

// ToUnix converts err to a unix.Errno, looking through wrapping. It returns
// unix.EIO for errors that carry no errno.
func ToUnix(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// Equals compares an errno-carrying error to an errno-carrying error.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	return ToUnix(err) == e.Errno()
}
