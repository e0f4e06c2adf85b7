package errctx_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlexec/errctx"
)

func TestStack_InstanceIsLazyAndStable(t *testing.T) {
	s := errctx.NewStack()
	assert.Equal(t, 0, s.Depth())
	first := s.Instance()
	require.NotNil(t, first)
	assert.Same(t, first, s.Instance())
	assert.Equal(t, errctx.Frame{}, first.Frame())
}

func TestStack_StoreRecallRestoresFrame(t *testing.T) {
	s := errctx.NewStack()
	s.Instance().Resource("user_mapper.xml").Activity("executing a query").SQL("select 1")
	before := s.Instance().Frame()

	nested := s.Store()
	assert.Equal(t, 2, s.Depth())
	assert.Equal(t, errctx.Frame{}, nested.Frame())
	nested.Activity("loading nested").Object("posts")

	restored := s.Recall()
	assert.Equal(t, before, restored.Frame())
	assert.Equal(t, 1, s.Depth())
}

func TestStack_RecallWithoutParentKeepsFrame(t *testing.T) {
	s := errctx.NewStack()
	s.Instance().Message("kept")
	assert.Equal(t, "kept", s.Recall().Frame().Message)
}

func TestStack_ResetClearsEverything(t *testing.T) {
	s := errctx.NewStack()
	s.Instance().Resource("a").Activity("b")
	s.Store().SQL("select 2")

	s.Reset()
	assert.Equal(t, 0, s.Depth())
	assert.Equal(t, errctx.Frame{}, s.Instance().Frame())
}

func TestContext_LastWriteWins(t *testing.T) {
	s := errctx.NewStack()
	s.Instance().Activity("first").Activity("second")
	assert.Equal(t, "second", s.Instance().Frame().Activity)
}

func TestContext_StringOrderAndOmission(t *testing.T) {
	s := errctx.NewStack()
	cause := errors.New("no such column: id2")
	s.Instance().
		Cause(cause).
		SQL("select id2\n\tfrom t_user   \r\n").
		Activity("executing a query").
		Resource("UserMapper").
		Message("Error querying database.")

	rendered := s.Instance().String()
	lines := strings.Split(strings.TrimPrefix(rendered, "\n"), "\n")
	assert.Equal(t, []string{
		"### Error querying database.",
		"### The error may exist in UserMapper",
		"### The error occurred while executing a query",
		"### SQL: select id2  from t_user",
		"### Cause: no such column: id2",
	}, lines)
	assert.NotContains(t, rendered, "may involve", "unset fields must be omitted")
}

func TestContext_EmptyRendersNothing(t *testing.T) {
	assert.Equal(t, "", errctx.NewStack().Instance().String())
}

func TestWithStack_RoundTrip(t *testing.T) {
	assert.Nil(t, errctx.FromContext(context.Background()))

	s := errctx.NewStack()
	ctx := errctx.WithStack(context.Background(), s)
	assert.Same(t, s, errctx.FromContext(ctx))

	fresh := errctx.FromContext(errctx.WithStack(context.Background(), nil))
	assert.NotNil(t, fresh)
}
