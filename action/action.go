// Package action implements the tagged-union Action/UploadAction
// protocol (streamed bodies use reqrep.DCCResult) that couples application code to the connection state machine.
// The engine owns the action storage inside a Reply; the application fills
// it exactly once per callback invocation through a Context.
package action

import (
	"sync/atomic"

	liberr "github.com/nabbar/golib/errors"

	"github.com/nabbar/microd/reqrep"
)

const MinPkgAction liberr.CodeError = liberr.MinAvailable + 500

const (
	ErrorAlreadySet liberr.CodeError = iota + MinPkgAction
	ErrorNoActionSet
)

func init() {
	liberr.RegisterIdFctMessage(ErrorAlreadySet, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorAlreadySet:
		return "an action was already set for this callback invocation"
	case ErrorNoActionSet:
		return "callback returned without setting any action"
	}
	return ""
}

// Kind enumerates the top-level Action variants.
type Kind int

const (
	KindResponse Kind = iota
	KindUpload
	KindPostParse
	KindSuspend
	KindAbort
)

// FullUploadFunc and IncrementalUploadFunc are the full-body and incremental
// body callbacks an Upload action registers in its UploadSpec; at least one
// must be non-nil.
type FullUploadFunc func(req *reqrep.Request, data []byte) UploadAction
type IncrementalUploadFunc func(req *reqrep.Request, data []byte) UploadAction

type UploadSpec struct {
	Full            FullUploadFunc
	Incremental     IncrementalUploadFunc
	LargeBufferSize int
}

// PostEncoding enumerates the supported application/x-www-form-urlencoded
// and multipart/form-data parsing modes for a PostParse action.
type PostEncoding int

const (
	PostEncodingURLEncoded PostEncoding = iota
	PostEncodingMultipart
)

type PerFieldFunc func(name string, value []byte)
type PostDoneFunc func()

type PostParseSpec struct {
	Encoding          PostEncoding
	BufferSize        int
	MaxNonStreamSize  int64
	PerField          PerFieldFunc
	Done              PostDoneFunc
}

// Action is the value an on_request-style callback returns.
type Action struct {
	Kind      Kind
	Response  *reqrep.Response
	Upload    UploadSpec
	PostParse PostParseSpec
}

func Respond(r *reqrep.Response) Action      { return Action{Kind: KindResponse, Response: r} }
func DoUpload(spec UploadSpec) Action        { return Action{Kind: KindUpload, Upload: spec} }
func DoPostParse(spec PostParseSpec) Action  { return Action{Kind: KindPostParse, PostParse: spec} }
func Suspend() Action                        { return Action{Kind: KindSuspend} }
func Abort() Action                          { return Action{Kind: KindAbort} }

// UploadActionKind enumerates the per-chunk return value of an upload
// callback.
type UploadActionKind int

const (
	UploadContinue UploadActionKind = iota
	UploadRespond
	UploadSuspend
	UploadAbort
)

type UploadAction struct {
	Kind     UploadActionKind
	Response *reqrep.Response
}

func UploadContinueAction() UploadAction { return UploadAction{Kind: UploadContinue} }
func UploadRespondAction(r *reqrep.Response) UploadAction {
	return UploadAction{Kind: UploadRespond, Response: r}
}
func UploadSuspendAction() UploadAction { return UploadAction{Kind: UploadSuspend} }
func UploadAbortAction() UploadAction   { return UploadAction{Kind: UploadAbort} }

// Context guards the "exactly one action per callback invocation"
// contract: a second attempt to set an action is rejected, and any
// ownership-transferring payload it carried (iovec free-callback, Response
// handle) is released by the engine rather than leaked.
type Context struct {
	set    atomic.Bool
	action Action
}

// Set stores a (once successfully set, Context is done with this
// invocation) action. ok is false if an action was already set; Set then
// releases the rejected Action's ownership-transferring payload itself
// (its Response's iovec free-callback and one Response reference).
func (c *Context) Set(a Action) (ok bool) {
	if !c.set.CompareAndSwap(false, true) {
		if a.Response != nil {
			releaseRejected(a.Response)
		}
		return false
	}
	c.action = a
	return true
}

func (c *Context) Get() (Action, bool) {
	return c.action, c.set.Load()
}

func releaseRejected(r *reqrep.Response) {
	if r.Iovec != nil && r.Iovec.Free != nil {
		r.Iovec.Free()
	}
	r.Release()
}

// UploadContext is the per-chunk analogue of Context for upload callbacks.
type UploadContext struct {
	set    atomic.Bool
	action UploadAction
}

func (c *UploadContext) Set(a UploadAction) (ok bool) {
	if !c.set.CompareAndSwap(false, true) {
		if a.Response != nil {
			releaseRejected(a.Response)
		}
		return false
	}
	c.action = a
	return true
}

func (c *UploadContext) Get() (UploadAction, bool) {
	return c.action, c.set.Load()
}

// DCCContext is the per-invocation analogue for DCC producer callbacks,
// reusing reqrep.DCCResult as the action payload.
type DCCContext struct {
	set    atomic.Bool
	action reqrep.DCCResult
}

func (c *DCCContext) Set(a reqrep.DCCResult) (ok bool) {
	if !c.set.CompareAndSwap(false, true) {
		if a.Iovec != nil && a.Iovec.Free != nil {
			a.Iovec.Free()
		}
		return false
	}
	c.action = a
	return true
}

func (c *DCCContext) Get() (reqrep.DCCResult, bool) {
	return c.action, c.set.Load()
}
