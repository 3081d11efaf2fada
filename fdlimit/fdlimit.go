// Package fdlimit wraps the process file-descriptor ulimit so the daemon
// can raise it ahead of accepting connections and classify "too many open
// files" as a resource error instead of a generic transport failure.
package fdlimit

import (
	"errors"
	"syscall"

	fileDescriptor "github.com/nabbar/golib/ioutils/fileDescriptor"

	liberr "github.com/nabbar/golib/errors"
)

const MinPkgFDLimit liberr.CodeError = liberr.MinAvailable + 1000

const (
	ErrorRaiseLimit liberr.CodeError = iota + MinPkgFDLimit
	ErrorLimitExhausted
)

func init() {
	liberr.RegisterIdFctMessage(ErrorRaiseLimit, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorRaiseLimit:
		return "failed to raise the file-descriptor limit"
	case ErrorLimitExhausted:
		return "accept failed: process file-descriptor limit reached"
	}
	return ""
}

// Ensure raises the soft file-descriptor limit to at least want, returning
// the limits actually in effect afterward. A want <= 0 only queries the
// current limits.
func Ensure(want int) (current int, max int, err liberr.Error) {
	c, m, e := fileDescriptor.SystemFileDescriptor(want)
	if e != nil {
		return c, m, ErrorRaiseLimit.Error(e)
	}
	return c, m, nil
}

// IsExhaustion reports whether err is the platform's "too many open files"
// condition, the trigger for the resource-class error in accept/dial
// paths.
func IsExhaustion(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

// Classify wraps an accept-path error as ErrorLimitExhausted when it is
// caused by descriptor exhaustion, returns a liberr.Error unchanged, and
// returns nil for any other error.
func Classify(err error) liberr.Error {
	if err == nil {
		return nil
	}
	if IsExhaustion(err) {
		return ErrorLimitExhausted.Error(err)
	}
	if le, ok := err.(liberr.Error); ok {
		return le
	}
	return nil
}
