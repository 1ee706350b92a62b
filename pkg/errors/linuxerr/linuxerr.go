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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"github.com/labkernel/kmap/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since the types are distinct (these are *errors.Error), they are
// not directly comparable; use Equals or ToUnix.
var (
	EPERM  = errors.New(unix.EPERM, "operation not permitted")
	ENOENT = errors.New(unix.ENOENT, "no such file or directory")
	EIO    = errors.New(unix.EIO, "I/O error")
	EBADF  = errors.New(unix.EBADF, "bad file number")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EACCES = errors.New(unix.EACCES, "permission denied")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	ENODEV = errors.New(unix.ENODEV, "no such device")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENFILE = errors.New(unix.ENFILE, "file table overflow")
	EMFILE = errors.New(unix.EMFILE, "too many open files")
	ESPIPE = errors.New(unix.ESPIPE, "illegal seek")
	EPIPE  = errors.New(unix.EPIPE, "broken pipe")
	ESRCH  = errors.New(unix.ESRCH, "no such process")
)

// ToError converts a host errno into the matching *errors.Error, allocating
// a new one for errnos without an exported value.
func ToError(e unix.Errno) *errors.Error {
	for _, err := range []*errors.Error{EPERM, ENOENT, EIO, EBADF, EAGAIN, ENOMEM, EACCES, EFAULT, EEXIST, ENODEV, EINVAL, ENFILE, EMFILE, ESPIPE, EPIPE, ESRCH} {
		if err.Errno() == e {
			return err
		}
	}
	return errors.New(e, e.Error())
}

// ToUnix returns the host errno carried by err, or unix.EIO if err does not
// carry one. ToUnix(nil) is 0.
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

// Equals checks if a linuxerr error and some other error carry the same
// errno. Wrapped errors are unwrapped.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	return ToUnix(err) == e.Errno()
}
