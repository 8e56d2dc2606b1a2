// Package feedview holds the presentation state for a feed: the compose draft and the per-message
// edit state. None of it is synchronized; only saved edits reach the feed.
package feedview

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/livefeed"
	"github.com/ccbrown/livefeed/model"
)

// ErrNotAuthor is returned for edit and delete intents on a message the viewer didn't write.
var ErrNotAuthor = errors.New("only the author can modify this message")

// Feed is the subset of *livefeed.Feed that a view drives.
type Feed interface {
	State() livefeed.State
	Create(ctx context.Context, text string, author model.Identity) error
	Edit(ctx context.Context, message model.Message, newText string) error
	Delete(ctx context.Context, id string) error
}

// ItemState is the transient state of one rendered message.
type ItemState struct {
	EditMode   bool
	EditBuffer string
}

// View is not safe for concurrent use.
type View struct {
	Feed   Feed
	User   model.Identity
	Logger logrus.FieldLogger

	draft string
	items map[string]*ItemState
}

// New creates a view with an empty draft. If logger is nil, the standard logger is used.
func New(feed Feed, user model.Identity, logger logrus.FieldLogger) *View {
	return &View{
		Feed:   feed,
		User:   user,
		Logger: logger,
		items:  map[string]*ItemState{},
	}
}

func (v *View) logger() logrus.FieldLogger {
	if v.Logger == nil {
		return logrus.StandardLogger()
	}
	return v.Logger
}

// Draft returns the unsent compose text.
func (v *View) Draft() string {
	return v.draft
}

// SetDraft replaces the compose text.
func (v *View) SetDraft(text string) {
	v.draft = text
}

// Submit creates a message from the draft. The draft is cleared whether or not the write succeeds.
func (v *View) Submit(ctx context.Context) error {
	text := v.draft
	v.draft = ""
	if err := v.Feed.Create(ctx, text, v.User); err != nil {
		v.logger().WithField("error", err.Error()).Warn("unable to create message")
		return err
	}
	return nil
}

// CanModify reports whether edit and delete controls are available for the message.
func (v *View) CanModify(m model.Message) bool {
	return m.IsAuthoredBy(v.User)
}

// Item returns the transient state for the message.
func (v *View) Item(m model.Message) ItemState {
	if item, ok := v.items[m.Id]; ok {
		return *item
	}
	return ItemState{
		EditBuffer: m.Text,
	}
}

// ToggleEdit enters or leaves edit mode. Either way the buffer is reset to the message's text.
func (v *View) ToggleEdit(m model.Message) error {
	if !v.CanModify(m) {
		return ErrNotAuthor
	}
	item := v.Item(m)
	v.setItem(m.Id, ItemState{
		EditMode:   !item.EditMode,
		EditBuffer: m.Text,
	})
	return nil
}

// SetEditBuffer updates the unsaved text of a message in edit mode.
func (v *View) SetEditBuffer(id, text string) {
	if item, ok := v.items[id]; ok && item.EditMode {
		item.EditBuffer = text
	}
}

// Cancel leaves edit mode without saving.
func (v *View) Cancel(m model.Message) {
	delete(v.items, m.Id)
}

// Save writes the edit buffer to the feed and leaves edit mode. Like Submit, the view doesn't wait
// for the write to be reflected before resetting.
func (v *View) Save(ctx context.Context, m model.Message) error {
	if !v.CanModify(m) {
		return ErrNotAuthor
	}
	item := v.Item(m)
	if !item.EditMode {
		return nil
	}
	delete(v.items, m.Id)
	if err := v.Feed.Edit(ctx, m, item.EditBuffer); err != nil {
		v.logger().WithFields(logrus.Fields{
			"id":    m.Id,
			"error": err.Error(),
		}).Warn("unable to edit message")
		return err
	}
	return nil
}

// Delete removes the message immediately. There is no confirmation.
func (v *View) Delete(ctx context.Context, m model.Message) error {
	if !v.CanModify(m) {
		return ErrNotAuthor
	}
	delete(v.items, m.Id)
	if err := v.Feed.Delete(ctx, m.Id); err != nil {
		v.logger().WithFields(logrus.Fields{
			"id":    m.Id,
			"error": err.Error(),
		}).Warn("unable to delete message")
		return err
	}
	return nil
}

func (v *View) setItem(id string, item ItemState) {
	if v.items == nil {
		v.items = map[string]*ItemState{}
	}
	if !item.EditMode {
		delete(v.items, id)
		return
	}
	v.items[id] = &item
}

// Sync forgets the transient state of messages that are no longer in the feed.
func (v *View) Sync(state livefeed.State) {
	if len(v.items) == 0 {
		return
	}
	present := make(map[string]struct{}, len(state.Messages))
	for _, m := range state.Messages {
		present[m.Id] = struct{}{}
	}
	for id := range v.items {
		if _, ok := present[id]; !ok {
			delete(v.items, id)
		}
	}
}

var (
	authorStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

// Render writes the feed as text, one numbered line per message.
func (v *View) Render(w io.Writer, state livefeed.State) error {
	if state.Loading() {
		_, err := fmt.Fprintln(w, "Loading ...")
		return err
	}
	if state.Status == livefeed.StatusErrored && state.Err != nil {
		if _, err := fmt.Fprintln(w, mutedStyle.Render("Error: "+state.Err.Error())); err != nil {
			return err
		}
	}
	if state.Messages == nil {
		_, err := fmt.Fprintln(w, "There are no messages ...")
		return err
	}
	for i, m := range state.Messages {
		line := fmt.Sprintf("%d. %s ", i+1, authorStyle.Render(m.AuthorName))
		if item := v.Item(m); item.EditMode {
			line += "[editing] " + item.EditBuffer
		} else {
			line += m.Text
			if m.IsEdited() {
				line += " " + mutedStyle.Render("(Edited)")
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
