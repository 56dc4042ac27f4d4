package countdown

import (
	"context"
	"errors"
	"sync"
	"testing"

	"countbot/internal/storage"
	logx "countbot/pkg/logx"
)

type fakeStore struct {
	mu     sync.Mutex
	guilds map[string]storage.GuildRecord
	audits []storage.AuditEntry
	fail   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{guilds: map[string]storage.GuildRecord{}}
}

func (f *fakeStore) LoadGuilds(ctx context.Context) ([]storage.GuildRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.GuildRecord, 0, len(f.guilds))
	for _, rec := range f.guilds {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) SaveGuild(ctx context.Context, rec storage.GuildRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.guilds[rec.GuildID] = rec
	return nil
}

func (f *fakeStore) DeleteGuild(ctx context.Context, guildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.guilds, guildID)
	return nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) Close() error { return nil }

type fakeLister struct {
	channels map[string][]Channel
}

func (f *fakeLister) ListChannels(ctx context.Context, guildID string) ([]Channel, error) {
	return f.channels[guildID], nil
}

func testLister() *fakeLister {
	return &fakeLister{channels: map[string][]Channel{
		"g1": {
			{ID: "100", Name: "general"},
			{ID: "101", Name: "countdowns"},
		},
	}}
}

func TestPermissionModes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	withRole := Requester{ID: "u1", Roles: []string{"r-count"}}
	withoutRole := Requester{ID: "u2", Roles: []string{"r-other"}}

	tests := []struct {
		name    string
		prepare func(p *PermissionStore)
		req     Requester
		channel string
		want    bool
	}{
		{name: "unconfigured denies everyone", prepare: func(p *PermissionStore) {}, req: withRole, channel: "100", want: false},
		{name: "open allows anyone", prepare: func(p *PermissionStore) {
			p.SetMode(ctx, "g1", ModeOpen)
		}, req: withoutRole, channel: "100", want: true},
		{name: "role gated allows role holder", prepare: func(p *PermissionStore) {
			p.SetRole(ctx, "g1", "r-count")
		}, req: withRole, channel: "100", want: true},
		{name: "role gated denies others", prepare: func(p *PermissionStore) {
			p.SetRole(ctx, "g1", "r-count")
		}, req: withoutRole, channel: "100", want: false},
		{name: "allow list allows listed channel", prepare: func(p *PermissionStore) {
			if _, err := p.Allow(ctx, "g1", "general"); err != nil {
				t.Fatalf("Allow: %v", err)
			}
		}, req: withoutRole, channel: "100", want: true},
		{name: "allow list denies unlisted channel", prepare: func(p *PermissionStore) {
			if _, err := p.Allow(ctx, "g1", "general"); err != nil {
				t.Fatalf("Allow: %v", err)
			}
		}, req: withoutRole, channel: "101", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := NewPermissionStore(newFakeStore(), testLister(), logx.Nop())
			tt.prepare(p)
			if got := p.IsAllowed("g1", tt.channel, tt.req); got != tt.want {
				t.Fatalf("IsAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowPersistsWriteThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	p := NewPermissionStore(store, testLister(), logx.Nop())

	ch, err := p.Allow(ctx, "g1", "general")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ch.ID != "100" || ch.Name != "general" {
		t.Fatalf("resolved channel = %+v", ch)
	}

	rec, ok := store.guilds["g1"]
	if !ok {
		t.Fatal("guild record not persisted")
	}
	if rec.Mode != "list" {
		t.Fatalf("persisted mode = %q, want list", rec.Mode)
	}
	if len(rec.Channels) != 1 || rec.Channels[0].ID != "100" {
		t.Fatalf("persisted channels = %+v", rec.Channels)
	}

	// Reload into a fresh store and verify the state survives.
	p2 := NewPermissionStore(store, testLister(), logx.Nop())
	if err := p2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p2.IsAllowed("g1", "100", Requester{ID: "u"}) {
		t.Fatal("allow list not restored after reload")
	}
}

func TestAllowUnknownChannelNoMutation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	p := NewPermissionStore(store, testLister(), logx.Nop())

	_, err := p.Allow(ctx, "g1", "nope")
	var unknown *UnknownChannelError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownChannelError, got %v", err)
	}
	if len(store.guilds) != 0 {
		t.Fatal("failed allow must not persist anything")
	}
	if got := p.ListAllowed("g1"); len(got) != 0 {
		t.Fatalf("allow list mutated: %+v", got)
	}
}

func TestAllowTwiceReportsAlreadyAllowed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := NewPermissionStore(newFakeStore(), testLister(), logx.Nop())

	if _, err := p.Allow(ctx, "g1", "general"); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if _, err := p.Allow(ctx, "g1", "#general"); !errors.Is(err, ErrAlreadyAllowed) {
		t.Fatalf("expected ErrAlreadyAllowed, got %v", err)
	}
	if got := p.ListAllowed("g1"); len(got) != 1 {
		t.Fatalf("list = %+v, want one entry", got)
	}
}

func TestDisallow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	p := NewPermissionStore(store, testLister(), logx.Nop())

	p.Allow(ctx, "g1", "general")
	p.Allow(ctx, "g1", "countdowns")

	if _, err := p.Disallow(ctx, "g1", "general"); err != nil {
		t.Fatalf("Disallow: %v", err)
	}
	if got := p.ListAllowed("g1"); len(got) != 1 || got[0].Name != "countdowns" {
		t.Fatalf("list after disallow = %+v", got)
	}
	if got := store.guilds["g1"].Channels; len(got) != 1 {
		t.Fatalf("persisted channels = %+v, want one entry", got)
	}

	// Exists on the platform but not listed.
	if _, err := p.Disallow(ctx, "g1", "general"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}

	// Unknown to both the list and the platform.
	var unknown *UnknownChannelError
	if _, err := p.Disallow(ctx, "g1", "ghost"); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownChannelError, got %v", err)
	}
}

func TestPurgeResetsGuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	p := NewPermissionStore(store, testLister(), logx.Nop())

	p.Allow(ctx, "g1", "general")
	if err := p.Purge(ctx, "g1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if p.GuildMode("g1") != ModeUnconfigured {
		t.Fatalf("mode after purge = %v", p.GuildMode("g1"))
	}
	if p.IsAllowed("g1", "100", Requester{ID: "u"}) {
		t.Fatal("purged guild must default-deny")
	}
	if _, ok := store.guilds["g1"]; ok {
		t.Fatal("persisted record should be deleted")
	}
}

func TestPersistFailureLeavesMemoryUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	p := NewPermissionStore(store, testLister(), logx.Nop())

	store.fail = errors.New("disk full")
	if _, err := p.Allow(ctx, "g1", "general"); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	if got := p.ListAllowed("g1"); len(got) != 0 {
		t.Fatalf("memory diverged from storage: %+v", got)
	}
}

func TestParseModeRoundTrip(t *testing.T) {
	t.Parallel()
	for _, m := range []Mode{ModeUnconfigured, ModeOpen, ModeRoleGated, ModeAllowList} {
		got, err := ParseMode(m.String())
		if err != nil {
			t.Fatalf("ParseMode(%q): %v", m.String(), err)
		}
		if got != m {
			t.Fatalf("ParseMode(%q) = %v, want %v", m.String(), got, m)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
