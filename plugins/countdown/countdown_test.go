package countdown

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	core "countbot/internal/countdown"
	"countbot/internal/plugin"
	kit "countbot/internal/transport"
	"countbot/internal/transport/router"
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

func (f *fakeAdapter) lastText(t *testing.T) string {
	t.Helper()
	got := f.texts()
	if len(got) == 0 {
		t.Fatal("no message was sent")
	}
	return got[len(got)-1]
}

func newTestPlugin(t *testing.T) (*Plugin, *fakeAdapter) {
	t.Helper()
	fa := &fakeAdapter{}
	p := New()
	raw := json.RawMessage(`{"min":1,"max":60,"default_start":10,"tick":"5ms","max_starts":2,"window":"1h"}`)
	if err := p.Init(context.Background(), plugin.Deps{Adapter: fa}, raw); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p, fa
}

func newReq(fa *fakeAdapter, channelID string, moderator bool, args ...string) *router.Request {
	return &router.Request{
		Msg: &kit.Message{
			ID:          "m1",
			ChannelID:   channelID,
			GuildID:     "g1",
			FromID:      "u1",
			FromName:    "alice",
			IsModerator: moderator,
		},
		Chat:    kit.ChatRef{ChannelID: channelID},
		Args:    args,
		Adapter: fa,
	}
}

func openGuild(t *testing.T, p *Plugin) {
	t.Helper()
	if err := p.perms.SetMode(context.Background(), "g1", core.ModeOpen); err != nil {
		t.Fatal(err)
	}
}

func TestStartDeniedWhenUnconfigured(t *testing.T) {
	t.Parallel()
	p, fa := newTestPlugin(t)

	if err := p.cmdStart(context.Background(), newReq(fa, "c1", false)); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "I'm not allowed to count here." {
		t.Fatalf("reply = %q", got)
	}
}

func TestStartBoundsMessages(t *testing.T) {
	t.Parallel()
	p, fa := newTestPlugin(t)
	ctx := context.Background()

	if err := p.cmdStart(ctx, newReq(fa, "c1", false, "999")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "999 is too damn high. 60 is the maximum." {
		t.Fatalf("high reply = %q", got)
	}

	if err := p.cmdStart(ctx, newReq(fa, "c1", false, "0")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "0 is too damn low. 1 is the minimum." {
		t.Fatalf("low reply = %q", got)
	}

	if err := p.cmdStart(ctx, newReq(fa, "c1", false, "soon")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "Couldn't interpret soon as a number..." {
		t.Fatalf("non-numeric reply = %q", got)
	}
}

func TestStartRateLimitMessage(t *testing.T) {
	t.Parallel()
	p, fa := newTestPlugin(t)
	openGuild(t, p)
	ctx := context.Background()

	// Budget is two starts; use separate channels so the lock stays out of
	// the way.
	if err := p.cmdStart(ctx, newReq(fa, "c1", false, "1")); err != nil {
		t.Fatal(err)
	}
	if err := p.cmdStart(ctx, newReq(fa, "c2", false, "1")); err != nil {
		t.Fatal(err)
	}
	if err := p.cmdStart(ctx, newReq(fa, "c3", false, "1")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "Why you need so many counters \U0001f914" {
		t.Fatalf("rate limit reply = %q", got)
	}
}

func TestStartBusyMessage(t *testing.T) {
	t.Parallel()
	p, fa := newTestPlugin(t)
	openGuild(t, p)
	ctx := context.Background()

	if err := p.cmdStart(ctx, newReq(fa, "c1", false, "2")); err != nil {
		t.Fatal(err)
	}
	if err := p.cmdStart(ctx, newReq(fa, "c1", false, "2")); err != nil {
		t.Fatal(err)
	}
	got := fa.lastText(t)
	if !strings.HasPrefix(got, "I'm already counting here. Try again in ") {
		t.Fatalf("busy reply = %q", got)
	}
}

func TestAllowDisallowListCycle(t *testing.T) {
	t.Parallel()
	p, fa := newTestPlugin(t)
	ctx := context.Background()

	// No channel directory on the fake adapter, so targets are accepted as
	// opaque ids.
	if err := p.cmdAllow(ctx, newReq(fa, "c1", true, "#general")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "Successfully added `general`." {
		t.Fatalf("allow reply = %q", got)
	}

	if err := p.cmdAllow(ctx, newReq(fa, "c1", true, "general")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "I'm already allowed in general." {
		t.Fatalf("repeat allow reply = %q", got)
	}

	// First allow flips the guild into list mode.
	if mode := p.perms.GuildMode("g1"); mode != core.ModeAllowList {
		t.Fatalf("mode = %v, want allow-list", mode)
	}

	if err := p.cmdAllow(ctx, newReq(fa, "c1", true, "zone2")); err != nil {
		t.Fatal(err)
	}
	if err := p.cmdListChannels(ctx, newReq(fa, "c1", true)); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "I'm allowed to run in general and zone2." {
		t.Fatalf("list reply = %q", got)
	}

	if err := p.cmdDisallow(ctx, newReq(fa, "c1", true, "general")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "Successfully removed `general`." {
		t.Fatalf("disallow reply = %q", got)
	}

	if err := p.cmdDisallow(ctx, newReq(fa, "c1", true, "general")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "I'm already not allowed in `general`." {
		t.Fatalf("repeat disallow reply = %q", got)
	}

	if err := p.cmdPurge(ctx, newReq(fa, "c1", true)); err != nil {
		t.Fatal(err)
	}
	if err := p.cmdListChannels(ctx, newReq(fa, "c1", true)); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "I'm not allowed to run in any channels here." {
		t.Fatalf("post-purge list reply = %q", got)
	}
}

func TestSetModeAndRole(t *testing.T) {
	t.Parallel()
	p, fa := newTestPlugin(t)
	ctx := context.Background()

	if err := p.cmdSetMode(ctx, newReq(fa, "c1", true, "role")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "Permission mode set to `role`." {
		t.Fatalf("set_mode reply = %q", got)
	}
	if err := p.cmdSetMode(ctx, newReq(fa, "c1", true, "anarchy")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "`anarchy` is not a mode I know. Try open, role or list." {
		t.Fatalf("bad mode reply = %q", got)
	}

	if err := p.cmdSetRole(ctx, newReq(fa, "c1", true, "r42")); err != nil {
		t.Fatal(err)
	}
	if got := fa.lastText(t); got != "Counting role updated." {
		t.Fatalf("set_role reply = %q", got)
	}
}

func TestHelpSections(t *testing.T) {
	t.Parallel()
	p, fa := newTestPlugin(t)
	ctx := context.Background()

	if err := p.cmdHelp(ctx, newReq(fa, "c1", false)); err != nil {
		t.Fatal(err)
	}
	plain := fa.lastText(t)
	if !strings.Contains(plain, "/start") || !strings.Contains(plain, "2 countdowns every 1h") {
		t.Fatalf("user help missing basics: %q", plain)
	}
	if strings.Contains(plain, "Moderator commands:") {
		t.Fatalf("user help must not list moderator commands: %q", plain)
	}

	if err := p.cmdHelp(ctx, newReq(fa, "c1", true)); err != nil {
		t.Fatal(err)
	}
	mod := fa.lastText(t)
	if !strings.Contains(mod, "Moderator commands:") || !strings.Contains(mod, "/purge_channel_list") {
		t.Fatalf("moderator help incomplete: %q", mod)
	}
}

func TestParseConfigRejections(t *testing.T) {
	t.Parallel()
	if _, err := parseConfig(json.RawMessage(`{"maax":1}`)); err == nil {
		t.Fatal("unknown field should be rejected")
	}
	if _, err := parseConfig(json.RawMessage(`{"digit_emoji":["a","b"]}`)); err == nil {
		t.Fatal("short digit set should be rejected")
	}
	c, err := parseConfig(nil)
	if err != nil {
		t.Fatalf("empty blob: %v", err)
	}
	if c.Max != 0 {
		t.Fatalf("empty blob should yield zero config, got %+v", c)
	}
}

func TestHumanJoin(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"a"}, "a"},
		{[]string{"a", "b"}, "a and b"},
		{[]string{"a", "b", "c"}, "a, b and c"},
	}
	for _, tc := range cases {
		if got := humanJoin(tc.in); got != tc.want {
			t.Errorf("humanJoin(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHumanDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   time.Duration
		want string
	}{
		{6 * time.Hour, "6h"},
		{90 * time.Minute, "1h30m"},
		{30 * time.Minute, "30m"},
		{45 * time.Second, "45s"},
		{2*time.Hour + 5*time.Second, "2h0m5s"},
	}
	for _, tc := range cases {
		if got := humanDuration(tc.in); got != tc.want {
			t.Errorf("humanDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
