package router

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	kit "countbot/internal/transport"
	logx "countbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatRef, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{ChannelID: to.ChannelID}, nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func msgUpdate(text string, moderator bool) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:          "m1",
		ChannelID:   "c1",
		GuildID:     "g1",
		FromID:      "u1",
		FromName:    "alice",
		Text:        text,
		IsModerator: moderator,
	}}
}

func startManager(t *testing.T, fa *fakeAdapter, owners []string, cmds []Command) (*Manager, chan kit.Update) {
	t.Helper()
	m := NewManager(logx.Nop(), fa, owners)
	m.SetRegistry(cmds)

	updates := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatch loop did not stop")
		}
	})
	return m, updates
}

func waitSignal(t *testing.T, ch <-chan *Request) *Request {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
		return nil
	}
}

func waitReply(t *testing.T, fa *fakeAdapter, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range fa.texts() {
			if s == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("reply %q never sent; got %v", want, fa.texts())
}

func TestDispatchInvokesHandlerWithArgs(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	got := make(chan *Request, 1)
	_, updates := startManager(t, fa, nil, []Command{{
		Name:   "allow",
		Access: AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			got <- req
			return nil
		},
	}})

	updates <- msgUpdate(`/Allow@countbot "general chat" extra`, false)
	req := waitSignal(t, got)

	if req.Command != "allow" {
		t.Fatalf("Command = %q, want allow", req.Command)
	}
	if want := []string{"general chat", "extra"}; !reflect.DeepEqual(req.Args, want) {
		t.Fatalf("Args = %v, want %v", req.Args, want)
	}
}

func TestModeratorCommandDeniedForRegularUser(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	invoked := make(chan *Request, 1)
	_, updates := startManager(t, fa, nil, []Command{{
		Name:   "halt",
		Access: AccessModerator,
		Handle: func(ctx context.Context, req *Request) error {
			invoked <- req
			return nil
		},
	}})

	updates <- msgUpdate("/halt", false)
	waitReply(t, fa, "You are not allowed to do that.")
	select {
	case <-invoked:
		t.Fatal("handler must not run for a non-moderator")
	default:
	}

	updates <- msgUpdate("/halt", true)
	waitSignal(t, invoked)
}

func TestOwnerBypassesModeratorGate(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	invoked := make(chan *Request, 1)
	_, updates := startManager(t, fa, []string{"u1"}, []Command{{
		Name:   "halt",
		Access: AccessModerator,
		Handle: func(ctx context.Context, req *Request) error {
			invoked <- req
			return nil
		},
	}})

	updates <- msgUpdate("/halt", false)
	req := waitSignal(t, invoked)
	if !req.IsOwner() {
		t.Fatal("request should report owner")
	}
}

func TestOwnerOnlyCommandSilentForOthers(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	invoked := make(chan *Request, 1)
	_, updates := startManager(t, fa, []string{"boss"}, []Command{{
		Name:   "shutdown",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			invoked <- req
			return nil
		},
	}})

	updates <- msgUpdate("/shutdown", true)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-invoked:
		t.Fatal("owner-only handler ran for a non-owner")
	default:
	}
	if got := fa.texts(); len(got) != 0 {
		t.Fatalf("owner-only denial must be silent, got %v", got)
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	_, updates := startManager(t, fa, nil, []Command{{
		Name:   "start",
		Access: AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error { return nil },
	}})

	updates <- msgUpdate("/giphy dancing cat", false)
	updates <- msgUpdate("plain chatter", false)
	time.Sleep(50 * time.Millisecond)
	if got := fa.texts(); len(got) != 0 {
		t.Fatalf("unknown commands must be ignored silently, got %v", got)
	}
}

func TestAliasResolvesToCommand(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	invoked := make(chan *Request, 1)
	_, updates := startManager(t, fa, nil, []Command{{
		Name:    "help",
		Aliases: []string{"h"},
		Access:  AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			invoked <- req
			return nil
		},
	}})

	updates <- msgUpdate("/h", false)
	req := waitSignal(t, invoked)
	if req.Command != "help" {
		t.Fatalf("Command = %q, want canonical name help", req.Command)
	}
}

func TestSetOwnersHotSwap(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	invoked := make(chan *Request, 1)
	m, updates := startManager(t, fa, nil, []Command{{
		Name:   "halt",
		Access: AccessModerator,
		Handle: func(ctx context.Context, req *Request) error {
			invoked <- req
			return nil
		},
	}})

	updates <- msgUpdate("/halt", false)
	waitReply(t, fa, "You are not allowed to do that.")

	m.SetOwners([]string{"u1"})
	updates <- msgUpdate("/halt", false)
	waitSignal(t, invoked)
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/start", []string{"/start"}},
		{"/start 10", []string{"/start", "10"}},
		{`/allow "general chat"`, []string{"/allow", "general chat"}},
		{"/allow 'general chat'", []string{"/allow", "general chat"}},
		{`/allow it\'s`, []string{"/allow", "it's"}},
		{"  /start \t 5 ", []string{"/start", "5"}},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenizeCommandLine(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
