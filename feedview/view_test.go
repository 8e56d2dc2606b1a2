package feedview

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/livefeed"
	"github.com/ccbrown/livefeed/model"
)

type edit struct {
	id   string
	text string
}

type fakeFeed struct {
	state   livefeed.State
	err     error
	created []string
	edits   []edit
	deletes []string
}

func (f *fakeFeed) State() livefeed.State {
	return f.state
}

func (f *fakeFeed) Create(ctx context.Context, text string, author model.Identity) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, text)
	return nil
}

func (f *fakeFeed) Edit(ctx context.Context, message model.Message, newText string) error {
	if f.err != nil {
		return f.err
	}
	f.edits = append(f.edits, edit{message.Id, newText})
	return nil
}

func (f *fakeFeed) Delete(ctx context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deletes = append(f.deletes, id)
	return nil
}

var (
	alice = model.Identity{Id: "u1", Name: "Alice"}
	bob   = model.Identity{Id: "u2", Name: "Bob"}
)

func message(id, text string, author model.Identity) model.Message {
	return model.Message{
		Id:         id,
		Text:       text,
		AuthorId:   author.Id,
		AuthorName: author.Name,
		CreatedAt:  1,
	}
}

func newTestView(feed Feed, user model.Identity) (*View, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return New(feed, user, logger), hook
}

func TestView_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		feed := &fakeFeed{}
		v, _ := newTestView(feed, alice)
		v.SetDraft("hi")
		assert.Equal(t, "hi", v.Draft())
		require.NoError(t, v.Submit(ctx))
		assert.Equal(t, []string{"hi"}, feed.created)
		assert.Empty(t, v.Draft())
	})

	t.Run("Empty", func(t *testing.T) {
		feed := &fakeFeed{}
		v, _ := newTestView(feed, alice)
		require.NoError(t, v.Submit(ctx))
		assert.Equal(t, []string{""}, feed.created)
	})

	t.Run("Failure", func(t *testing.T) {
		feed := &fakeFeed{err: errors.New("offline")}
		v, hook := newTestView(feed, alice)
		v.SetDraft("hi")
		assert.Error(t, v.Submit(ctx))
		assert.Empty(t, v.Draft())
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, "unable to create message", hook.LastEntry().Message)
	})
}

func TestView_Edit(t *testing.T) {
	ctx := context.Background()
	m := message("a", "hello", alice)

	t.Run("Save", func(t *testing.T) {
		feed := &fakeFeed{}
		v, _ := newTestView(feed, alice)

		require.NoError(t, v.ToggleEdit(m))
		item := v.Item(m)
		assert.True(t, item.EditMode)
		assert.Equal(t, "hello", item.EditBuffer)

		v.SetEditBuffer(m.Id, "hello world")
		assert.Equal(t, "hello world", v.Item(m).EditBuffer)

		require.NoError(t, v.Save(ctx, m))
		assert.Equal(t, []edit{{"a", "hello world"}}, feed.edits)
		assert.False(t, v.Item(m).EditMode)
	})

	t.Run("Cancel", func(t *testing.T) {
		feed := &fakeFeed{}
		v, _ := newTestView(feed, alice)

		require.NoError(t, v.ToggleEdit(m))
		v.SetEditBuffer(m.Id, "nope")
		v.Cancel(m)
		assert.Equal(t, ItemState{EditBuffer: "hello"}, v.Item(m))
		assert.Empty(t, feed.edits)
	})

	t.Run("ToggleResetsBuffer", func(t *testing.T) {
		v, _ := newTestView(&fakeFeed{}, alice)

		require.NoError(t, v.ToggleEdit(m))
		v.SetEditBuffer(m.Id, "draft")
		require.NoError(t, v.ToggleEdit(m))
		require.NoError(t, v.ToggleEdit(m))
		assert.Equal(t, "hello", v.Item(m).EditBuffer)
	})

	t.Run("SaveOutsideEditMode", func(t *testing.T) {
		feed := &fakeFeed{}
		v, _ := newTestView(feed, alice)
		require.NoError(t, v.Save(ctx, m))
		assert.Empty(t, feed.edits)
	})

	t.Run("SetEditBufferOutsideEditMode", func(t *testing.T) {
		v, _ := newTestView(&fakeFeed{}, alice)
		v.SetEditBuffer(m.Id, "ignored")
		assert.Equal(t, "hello", v.Item(m).EditBuffer)
	})

	t.Run("NotAuthor", func(t *testing.T) {
		feed := &fakeFeed{}
		v, _ := newTestView(feed, bob)
		assert.False(t, v.CanModify(m))
		assert.Equal(t, ErrNotAuthor, v.ToggleEdit(m))
		assert.Equal(t, ErrNotAuthor, v.Save(ctx, m))
		assert.False(t, v.Item(m).EditMode)
		assert.Empty(t, feed.edits)
	})

	t.Run("Failure", func(t *testing.T) {
		feed := &fakeFeed{err: errors.New("offline")}
		v, hook := newTestView(feed, alice)
		require.NoError(t, v.ToggleEdit(m))
		assert.Error(t, v.Save(ctx, m))
		assert.False(t, v.Item(m).EditMode)
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, "a", hook.LastEntry().Data["id"])
	})
}

func TestView_Delete(t *testing.T) {
	ctx := context.Background()
	m := message("a", "hello", alice)

	feed := &fakeFeed{}
	v, _ := newTestView(feed, bob)
	assert.Equal(t, ErrNotAuthor, v.Delete(ctx, m))
	assert.Empty(t, feed.deletes)

	v, _ = newTestView(feed, alice)
	require.NoError(t, v.ToggleEdit(m))
	require.NoError(t, v.Delete(ctx, m))
	assert.Equal(t, []string{"a"}, feed.deletes)
	assert.False(t, v.Item(m).EditMode)
}

func TestView_WithoutLogger(t *testing.T) {
	ctx := context.Background()
	hook := test.NewGlobal()
	defer hook.Reset()

	cause := errors.New("permission denied")
	m := message("a", "hello", alice)
	v := &View{
		Feed: &fakeFeed{err: cause},
		User: alice,
	}

	v.SetDraft("hi")
	assert.Equal(t, cause, v.Submit(ctx))
	assert.Empty(t, v.Draft())

	require.NoError(t, v.ToggleEdit(m))
	assert.True(t, v.Item(m).EditMode)
	assert.Equal(t, cause, v.Save(ctx, m))
	assert.Equal(t, cause, v.Delete(ctx, m))

	require.Len(t, hook.AllEntries(), 3)
	assert.Equal(t, "unable to delete message", hook.LastEntry().Message)
}

func TestView_Sync(t *testing.T) {
	a := message("a", "a", alice)
	b := message("b", "b", alice)

	v, _ := newTestView(&fakeFeed{}, alice)
	require.NoError(t, v.ToggleEdit(a))
	require.NoError(t, v.ToggleEdit(b))

	v.Sync(livefeed.State{
		Status:   livefeed.StatusReady,
		Messages: []model.Message{b},
	})
	assert.False(t, v.Item(a).EditMode)
	assert.True(t, v.Item(b).EditMode)
}

func TestView_Render(t *testing.T) {
	render := func(v *View, state livefeed.State) string {
		var buf bytes.Buffer
		require.NoError(t, v.Render(&buf, state))
		return buf.String()
	}

	v, _ := newTestView(&fakeFeed{}, alice)

	assert.Contains(t, render(v, livefeed.State{Status: livefeed.StatusLoading}), "Loading ...")
	assert.Contains(t, render(v, livefeed.State{Status: livefeed.StatusReady}), "There are no messages ...")

	edited := message("b", "second", bob)
	editedAt := model.Timestamp(2)
	edited.EditedAt = &editedAt
	state := livefeed.State{
		Status: livefeed.StatusReady,
		Messages: []model.Message{
			message("a", "first", alice),
			edited,
		},
	}

	out := render(v, state)
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "second")
	assert.Contains(t, out, "(Edited)")
	assert.NotContains(t, out, "Loading ...")

	require.NoError(t, v.ToggleEdit(state.Messages[0]))
	v.SetEditBuffer("a", "rewritten")
	assert.Contains(t, render(v, state), "[editing] rewritten")

	errored := state
	errored.Status = livefeed.StatusErrored
	errored.Err = errors.New("connection lost")
	out = render(v, errored)
	assert.Contains(t, out, "connection lost")
	assert.Contains(t, out, "second")
}
