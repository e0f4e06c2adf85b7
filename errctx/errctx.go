// Package errctx carries a stack of diagnostic frames through a unit of work so
// that a failure deep inside statement execution can report which resource,
// activity, object and SQL were active when it happened.
//
// Go has no goroutine-local storage, so a Stack travels inside a
// context.Context (see WithStack and FromContext) or is owned by the
// component that drives the work.
package errctx

import (
	"context"
	"strings"

	"sqlexec/internal/utils"
)

// Frame is a snapshot of the fields of one diagnostic context.
type Frame struct {
	Resource string
	Activity string
	Object   string
	Message  string
	SQL      string
	Cause    error
}

// Context is one frame of the stack. Setters mutate the frame and return it so
// calls can be chained; last write wins.
type Context struct {
	stored *Context
	frame  Frame
}

func (c *Context) Resource(resource string) *Context {
	c.frame.Resource = resource
	return c
}

func (c *Context) Activity(activity string) *Context {
	c.frame.Activity = activity
	return c
}

func (c *Context) Object(object string) *Context {
	c.frame.Object = object
	return c
}

func (c *Context) Message(message string) *Context {
	c.frame.Message = message
	return c
}

func (c *Context) SQL(sql string) *Context {
	c.frame.SQL = sql
	return c
}

func (c *Context) Cause(cause error) *Context {
	c.frame.Cause = cause
	return c
}

// Frame returns a copy of the fields currently set on this frame.
func (c *Context) Frame() Frame {
	return c.frame
}

// String renders the fields that are set, one per line, in the fixed order
// message, resource, object, activity, sql, cause.
func (c *Context) String() string {
	var b strings.Builder
	line := func(prefix, value string) {
		b.WriteString("\n### ")
		b.WriteString(prefix)
		b.WriteString(value)
	}
	f := c.frame
	if f.Message != "" {
		line("", f.Message)
	}
	if f.Resource != "" {
		line("The error may exist in ", f.Resource)
	}
	if f.Object != "" {
		line("The error may involve ", f.Object)
	}
	if f.Activity != "" {
		line("The error occurred while ", f.Activity)
	}
	if f.SQL != "" {
		line("SQL: ", utils.NormalizeSQL(f.SQL))
	}
	if f.Cause != nil {
		line("Cause: ", f.Cause.Error())
	}
	return b.String()
}

// Stack is the per-unit-of-work stack of frames. A Stack is owned by one
// goroutine at a time and is not safe for concurrent use.
type Stack struct {
	current *Context
}

// NewStack returns an empty stack; its first frame is created on demand.
func NewStack() *Stack {
	return &Stack{}
}

// Instance returns the top-of-stack frame, creating an empty one on first use.
func (s *Stack) Instance() *Context {
	if s.current == nil {
		s.current = &Context{}
	}
	return s.current
}

// Store pushes a new empty frame and returns it. The previous frame is kept
// as its parent and comes back on Recall.
func (s *Stack) Store() *Context {
	next := &Context{stored: s.Instance()}
	s.current = next
	return next
}

// Recall pops back to the parent frame if there is one; otherwise the current
// frame is left unchanged. It returns the now-current frame.
func (s *Stack) Recall() *Context {
	cur := s.Instance()
	if cur.stored != nil {
		s.current = cur.stored
		cur.stored = nil
	}
	return s.current
}

// Reset clears the current frame and drops the whole stack, so the next
// Instance starts from an empty frame.
func (s *Stack) Reset() *Context {
	cur := s.Instance()
	cur.frame = Frame{}
	cur.stored = nil
	s.current = nil
	return cur
}

// Depth reports how many frames are on the stack.
func (s *Stack) Depth() int {
	n := 0
	for c := s.current; c != nil; c = c.stored {
		n++
	}
	return n
}

type stackKey struct{}

// WithStack returns a copy of ctx carrying s. A nil s attaches a fresh stack.
func WithStack(ctx context.Context, s *Stack) context.Context {
	if s == nil {
		s = NewStack()
	}
	return context.WithValue(ctx, stackKey{}, s)
}

// FromContext returns the stack carried by ctx, or nil.
func FromContext(ctx context.Context) *Stack {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(stackKey{}).(*Stack)
	return s
}
