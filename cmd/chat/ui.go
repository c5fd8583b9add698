package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/npezzotti/go-chatclient/internal/client"
	"github.com/npezzotti/go-chatclient/internal/types"
)

// termUI is a minimal presentation adapter: it renders RoomState snapshots
// to a writer and forwards user input into the session.
type termUI struct {
	mu         sync.Mutex
	out        io.Writer
	sess       *client.Session
	seen       int
	lastState  client.SessionState
	lastTyping string
}

func newTermUI(out io.Writer, sess *client.Session) *termUI {
	return &termUI{out: out, sess: sess, lastState: client.StateIdle}
}

func (ui *termUI) onChange() {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	if state := ui.sess.State(); state != ui.lastState {
		ui.lastState = state
		fmt.Fprintf(ui.out, "-- %s --\n", state)
		if state == client.StateClosedTerminal {
			if reason := ui.sess.TerminalReason(); reason != "" {
				fmt.Fprintln(ui.out, reason)
			}
			if ui.sess.NeedCredential() {
				fmt.Fprintln(ui.out, "Provide an access token with --token and reconnect.")
			}
		}
	}

	snap := ui.sess.Room().Snapshot()
	for _, msg := range snap.Messages[ui.seen:] {
		ui.printMessage(msg)
	}
	ui.seen = len(snap.Messages)

	if typing := strings.Join(snap.TypingUsers, ", "); typing != ui.lastTyping {
		ui.lastTyping = typing
		if typing != "" {
			fmt.Fprintf(ui.out, "(%s typing...)\n", typing)
		}
	}

	if ok, reason := ui.sess.Room().CanSend(); !ok {
		fmt.Fprintf(ui.out, "(sending disabled: %s)\n", reason)
	}
}

func (ui *termUI) printMessage(msg types.Message) {
	switch {
	case msg.System:
		fmt.Fprintf(ui.out, "* %s\n", msg.Content)
	case msg.Deletion == types.DeletedForEveryone:
		if msg.DeletedByAdmin != "" {
			fmt.Fprintf(ui.out, "[%s] (message removed by %s)\n", msg.Id, msg.DeletedByAdmin)
		} else {
			fmt.Fprintf(ui.out, "[%s] (message deleted)\n", msg.Id)
		}
	case msg.Deletion == types.DeletedForSelf:
		// hidden locally
	default:
		if msg.Parent != nil {
			fmt.Fprintf(ui.out, "[%s] %s %s (re %s: %q): %s\n",
				msg.Id, msg.Timestamp, msg.Username, msg.Parent.Author, msg.Parent.Content, msg.Content)
		} else {
			fmt.Fprintf(ui.out, "[%s] %s %s: %s\n", msg.Id, msg.Timestamp, msg.Username, msg.Content)
		}
	}
}

func (ui *termUI) inputLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if ui.command(line) {
				return
			}
			continue
		}
		ui.sess.InputActivity()
		ui.sess.SendMessage(line)
	}
}

// command handles one slash command and reports whether the loop should
// exit.
func (ui *termUI) command(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/reply":
		if len(fields) == 2 {
			ui.sess.SetReplyTarget(fields[1])
		}
	case "/cancel":
		ui.sess.ClearReplyTarget()
	case "/delete":
		if len(fields) < 2 {
			break
		}
		scope := client.DeleteForEveryone
		if len(fields) == 3 {
			scope = client.DeleteScope(fields[2])
		}
		ui.sess.DeleteMessage(fields[1], scope)
	case "/admin":
		if len(fields) < 2 {
			break
		}
		var target string
		if len(fields) == 3 {
			target = fields[2]
		}
		ui.sess.AdminAction(client.AdminAction(fields[1]), target)
	case "/settings":
		if len(fields) != 3 {
			break
		}
		limit, err := strconv.Atoi(fields[2])
		if err != nil {
			fmt.Fprintln(ui.out, "invalid user limit:", fields[2])
			break
		}
		ui.sess.UpdateSettings(fields[1], limit)
	case "/who":
		for _, m := range ui.sess.Room().Snapshot().Roster {
			status := "online"
			if !m.IsOnline {
				status = "seen " + m.LastSeen
			}
			fmt.Fprintf(ui.out, "%s (%s)\n", m.Username, status)
		}
	default:
		fmt.Fprintln(ui.out, "commands: /reply <id>, /cancel, /delete <id> [scope], /admin <action> [target], /settings <name> <limit>, /who, /quit")
	}
	return false
}
