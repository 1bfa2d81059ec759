// Copyright 2025 The gVisor Authors.
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
// instances the memory-management syscall layer can return.
package linuxerr

import (
	stderrors "errors"
	"fmt"

	"cagemm.dev/cagemm/pkg/errors"
	"golang.org/x/sys/unix"
)

// The errno values mmap(2), munmap(2) and mprotect(2) can produce.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	EOVERFLOW             = errors.New(unix.EOVERFLOW, "value too large for defined data type")
)

var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:     EPERM,
	unix.EFAULT:    EFAULT,
	unix.EINVAL:    EINVAL,
	unix.ENOMEM:    ENOMEM,
	unix.EACCES:    EACCES,
	unix.EEXIST:    EEXIST,
	unix.EAGAIN:    EAGAIN,
	unix.EBADF:     EBADF,
	unix.ENODEV:    ENODEV,
	unix.EOVERFLOW: EOVERFLOW,
}

// ErrorFromUnix returns the canonical *errors.Error for err, or nil if err is
// 0.
//
// Precondition: err is one of the errnos listed above.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	e, ok := errorMap[err]
	if !ok {
		panic(fmt.Sprintf("invalid error requested with errno: %v", err))
	}
	return e
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// TranslateError returns the *errors.Error that err wraps, if any.
func TranslateError(err error) (*errors.Error, bool) {
	var e *errors.Error
	if err == nil {
		return nil, false
	}
	if stderrors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// Equals compars a linuxerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	if e == err || unixErr == err {
		return true
	}
	if te, ok := TranslateError(err); ok && e != noError {
		return te.Errno() == e.Errno()
	}
	return false
}

// FromName returns the canonical error for the errno named name, e.g.
// "EINVAL".
func FromName(name string) (*errors.Error, bool) {
	for errno, e := range errorMap {
		if unix.ErrnoName(errno) == name {
			return e, true
		}
	}
	return nil, false
}

// Name returns the symbolic name of the errno carried by e, e.g. "EINVAL".
func Name(e *errors.Error) string {
	return unix.ErrnoName(e.Errno())
}
