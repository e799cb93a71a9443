package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/recetas/chat-app/internal/chat"
)

// Theme colors.
var (
	ColorBg        = tcell.NewRGBColor(0, 0, 128)
	ColorFg        = tcell.NewRGBColor(192, 192, 192)
	ColorBorder    = tcell.NewRGBColor(0, 255, 255)
	ColorTitle     = tcell.NewRGBColor(255, 255, 255)
	ColorHighlight = tcell.NewRGBColor(0, 255, 255)
	ColorStatusBg  = tcell.NewRGBColor(0, 128, 128)
)

const helpText = " Enter:Send | Tab:Scroll | F5:Reload | F8:Delete last own | Esc:Quit "

// App renders one chat session in the terminal.
type App struct {
	app     *tview.Application
	session *chat.Session
	self    chat.User
	timeout time.Duration

	chatView     *tview.TextView
	typingView   *tview.TextView
	messageInput *tview.InputField
	statusBar    *tview.TextView
	restoring    bool // set while a failed draft is put back

	dirty chan struct{}
	done  chan struct{}
}

// NewApp creates the UI for session. timeout bounds each send, delete and
// reload.
func NewApp(session *chat.Session, self chat.User, timeout time.Duration) *App {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &App{
		session: session,
		self:    self,
		timeout: timeout,
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Run starts the session and blocks until the user quits.
func (a *App) Run() error {
	a.app = tview.NewApplication()
	root := a.createChatPage()

	// Updates only mark the view dirty; the refresher reads the session
	// state from its own goroutine.
	stop := a.session.Watch(func(chat.Update) {
		select {
		case a.dirty <- struct{}{}:
		default:
		}
	})
	defer stop()

	go a.refresher()
	defer close(a.done)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.session.Start(ctx); err != nil {
			a.setStatus(fmt.Sprintf(" [red]%v[-] ", err))
			return
		}
		a.markDirty()
	}()

	return a.app.SetRoot(root, true).EnableMouse(false).Run()
}

func (a *App) createChatPage() tview.Primitive {
	a.chatView = tview.NewTextView()
	a.chatView.SetBorder(true)
	a.chatView.SetBorderColor(ColorBorder)
	a.chatView.SetBackgroundColor(ColorBg)
	a.chatView.SetTitle(chatTitle(a.selfLabel(), false))
	a.chatView.SetTitleColor(ColorTitle)
	a.chatView.SetTextColor(ColorFg)
	a.chatView.SetDynamicColors(true)
	a.chatView.SetScrollable(true)
	a.chatView.ScrollToEnd()

	a.typingView = tview.NewTextView()
	a.typingView.SetBackgroundColor(ColorBg)
	a.typingView.SetTextColor(ColorHighlight)

	a.messageInput = tview.NewInputField()
	a.messageInput.SetLabel("> ")
	a.messageInput.SetFieldWidth(0)
	a.messageInput.SetBackgroundColor(ColorBg)
	a.messageInput.SetFieldBackgroundColor(tcell.NewRGBColor(0, 0, 64))
	a.messageInput.SetFieldTextColor(ColorFg)
	a.messageInput.SetLabelColor(ColorHighlight)
	a.messageInput.SetBorder(true)
	a.messageInput.SetBorderColor(ColorBorder)
	a.messageInput.SetTitle(" Message ")
	a.messageInput.SetTitleColor(ColorTitle)
	a.messageInput.SetChangedFunc(func(text string) {
		if text == "" || a.restoring {
			return
		}
		go a.session.NotifyTyping()
	})
	a.messageInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := a.messageInput.GetText()
		if strings.TrimSpace(text) == "" {
			return
		}
		a.messageInput.SetText("")
		go a.send(text)
	})

	a.statusBar = tview.NewTextView()
	a.statusBar.SetBackgroundColor(ColorStatusBg)
	a.statusBar.SetTextColor(ColorTitle)
	a.statusBar.SetTextAlign(tview.AlignCenter)
	a.statusBar.SetDynamicColors(true)
	a.statusBar.SetText(helpText)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.chatView, 0, 1, false).
		AddItem(a.typingView, 1, 0, false).
		AddItem(a.messageInput, 3, 0, true).
		AddItem(a.statusBar, 1, 0, false)
	mainFlex.SetBackgroundColor(ColorBg)

	chatViewFocused := false
	mainFlex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc:
			if chatViewFocused {
				chatViewFocused = false
				a.app.SetFocus(a.messageInput)
				return nil
			}
			a.app.Stop()
			return nil
		case tcell.KeyTab:
			chatViewFocused = !chatViewFocused
			if chatViewFocused {
				a.app.SetFocus(a.chatView)
			} else {
				a.app.SetFocus(a.messageInput)
			}
			return nil
		case tcell.KeyF5:
			go a.reload()
			return nil
		case tcell.KeyF8:
			go a.deleteLastOwn()
			return nil
		case tcell.KeyPgUp:
			row, col := a.chatView.GetScrollOffset()
			a.chatView.ScrollTo(row-10, col)
			return nil
		case tcell.KeyPgDn:
			row, col := a.chatView.GetScrollOffset()
			a.chatView.ScrollTo(row+10, col)
			return nil
		}
		return event
	})

	return mainFlex
}

// send submits text. On failure the draft goes back into an empty input.
func (a *App) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	err := a.session.Send(ctx, text)
	if err == nil {
		a.setStatus(helpText)
		return
	}
	a.app.QueueUpdateDraw(func() {
		if a.messageInput.GetText() == "" {
			a.restoring = true
			a.messageInput.SetText(text)
			a.restoring = false
		}
		a.statusBar.SetText(fmt.Sprintf(" [red]%s[-] ", sendError(err)))
	})
}

func (a *App) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.session.Reload(ctx); err != nil {
		a.setStatus(fmt.Sprintf(" [red]reload: %v[-] ", err))
	}
}

func (a *App) deleteLastOwn() {
	id, ok := lastOwn(a.session.Messages(), a.self)
	if !ok {
		a.setStatus(" no message of yours to delete ")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.session.Delete(ctx, id); err != nil {
		a.setStatus(fmt.Sprintf(" [red]delete: %v[-] ", err))
	}
}

func (a *App) refresher() {
	for {
		select {
		case <-a.done:
			return
		case <-a.dirty:
		}
		messages := a.session.Messages()
		typing := a.session.TypingUsers()
		loading := a.session.Loading()
		sending := a.session.Sending()

		text := renderMessages(messages, a.self)
		if loading && len(messages) == 0 {
			text = "[gray]loading…[-]"
		}
		line := chat.TypingLine(typing)

		a.app.QueueUpdateDraw(func() {
			a.chatView.SetTitle(chatTitle(a.selfLabel(), sending))
			a.chatView.SetText(text)
			a.chatView.ScrollToEnd()
			a.typingView.SetText(" " + line)
		})
	}
}

func (a *App) markDirty() {
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

func (a *App) setStatus(text string) {
	a.app.QueueUpdateDraw(func() { a.statusBar.SetText(text) })
}

func (a *App) selfLabel() string {
	if a.self.Email != "" {
		return a.self.Email
	}
	return a.self.ID
}

func chatTitle(label string, sending bool) string {
	if sending {
		return fmt.Sprintf(" Chat ─ %s ─ sending… ", label)
	}
	return fmt.Sprintf(" Chat ─ %s ", label)
}

// renderMessages formats the list oldest first, one line per message.
func renderMessages(messages []chat.Message, self chat.User) string {
	var sb strings.Builder
	for _, m := range messages {
		color := "aqua"
		if m.IsOwn(self) {
			color = "yellow"
		}
		fmt.Fprintf(&sb, "[gray]%s[-] [%s]%s[-]: %s\n",
			m.CreatedAt.Local().Format("15:04"),
			color,
			tview.Escape(m.DisplayName(self)),
			tview.Escape(m.Content))
	}
	return sb.String()
}

// lastOwn returns the id of self's newest message.
func lastOwn(messages []chat.Message, self chat.User) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].IsOwn(self) {
			return messages[i].ID, true
		}
	}
	return "", false
}

func sendError(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong), errors.Is(err, chat.ErrInvalidMessage):
		return err.Error()
	case errors.Is(err, chat.ErrRateLimited):
		return "slow down, sending too fast"
	default:
		return "send failed: " + err.Error()
	}
}
