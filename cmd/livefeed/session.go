package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ccbrown/livefeed"
	"github.com/ccbrown/livefeed/feedview"
	"github.com/ccbrown/livefeed/model"
)

const usage = `commands:
  <text>          post a message
  /edit N         toggle edit mode for message N
  /text <text>    replace the edit buffer
  /save           save the edit
  /cancel         leave edit mode without saving
  /delete N       delete message N
  /quit           exit`

var errQuit = errors.New("quit")

// session ties terminal input to a view. Feed notifications and input lines arrive on different
// goroutines, so everything touching the view holds mu.
type session struct {
	view *feedview.View
	out  io.Writer

	mu      sync.Mutex
	editing string
}

func (s *session) render(state livefeed.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.Sync(state)
	if _, ok := find(state, s.editing); !ok {
		s.editing = ""
	}
	fmt.Fprintln(s.out)
	s.view.Render(s.out, state)
}

func find(state livefeed.State, id string) (model.Message, bool) {
	for _, m := range state.Messages {
		if m.Id == id {
			return m, true
		}
	}
	return model.Message{}, false
}

func nth(state livefeed.State, arg string) (model.Message, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 || n > len(state.Messages) {
		return model.Message{}, errors.Errorf("no message %q", arg)
	}
	return state.Messages[n-1], nil
}

// handleLine applies one line of input. It returns errQuit when the user asks to exit.
func (s *session) handleLine(ctx context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !strings.HasPrefix(line, "/") {
		s.view.SetDraft(line)
		return s.view.Submit(ctx)
	}

	command, arg := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		command, arg = line[:i], line[i+1:]
	}
	state := s.view.Feed.State()

	switch command {
	case "/quit":
		return errQuit
	case "/edit":
		m, err := nth(state, arg)
		if err != nil {
			return err
		} else if err := s.view.ToggleEdit(m); err != nil {
			return err
		}
		if s.view.Item(m).EditMode {
			s.editing = m.Id
		} else if s.editing == m.Id {
			s.editing = ""
		}
	case "/text":
		if s.editing == "" {
			return errors.New("not editing a message")
		}
		s.view.SetEditBuffer(s.editing, arg)
	case "/save", "/cancel":
		m, ok := find(state, s.editing)
		if !ok {
			return errors.New("not editing a message")
		}
		s.editing = ""
		if command == "/cancel" {
			s.view.Cancel(m)
			return nil
		}
		return s.view.Save(ctx, m)
	case "/delete":
		m, err := nth(state, arg)
		if err != nil {
			return err
		}
		return s.view.Delete(ctx, m)
	default:
		return errors.New(usage)
	}
	return nil
}
