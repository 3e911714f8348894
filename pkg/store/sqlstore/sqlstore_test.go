package sqlstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/codeGROOVE-dev/xlink/pkg/store/sqlstore"
	"github.com/google/go-cmp/cmp"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func open(t *testing.T) *sqlstore.Store {
	t.Helper()
	st, err := sqlstore.Open("sqlite://"+filepath.Join(t.TempDir(), "xlink.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return st
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	for _, dsn := range []string{"xlink.db", "oracle://x"} {
		if _, err := sqlstore.Open(dsn, nil); err == nil {
			t.Errorf("Open(%q) should fail", dsn)
		}
	}
}

func TestLinkRegistry(t *testing.T) {
	ctx := context.Background()
	reg := link.New(open(t), link.WithClock(func() time.Time { return now }))

	first, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-A")
	if err != nil || first.Outcome != link.Created {
		t.Fatalf("CreateOrGet() = %+v, %v", first, err)
	}
	second, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-B")
	if err != nil || second.Outcome != link.Collision || second.Link.Owner != "voter-A" {
		t.Errorf("CreateOrGet() = %+v, %v, want collision", second, err)
	}
	third, err := reg.CreateOrGet(ctx, identity.Voter, 43, "voter-A")
	if err != nil || third.Outcome != link.OwnerLinked {
		t.Errorf("CreateOrGet() = %+v, %v, want owner_linked", third, err)
	}

	got, ok, err := reg.BySecret(ctx, first.Link.Secret)
	if err != nil || !ok {
		t.Fatalf("BySecret() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(first.Link, got); diff != "" {
		t.Errorf("BySecret() mismatch (-want +got):\n%s", diff)
	}

	moved, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-C", link.Force())
	if err != nil || moved.Outcome != link.Reassigned || moved.Previous != "voter-A" {
		t.Errorf("forced CreateOrGet() = %+v, %v", moved, err)
	}

	id, ok, err := reg.Delete(ctx, identity.Voter, "voter-C")
	if err != nil || !ok || id != 42 {
		t.Errorf("Delete() = %d, %v, %v", id, ok, err)
	}
	if _, ok, _ := reg.ByExternalID(ctx, identity.Voter, 42); ok {
		t.Error("link should be gone after Delete")
	}
}

func TestInsertLinkDuplicate(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	if err := st.InsertLink(ctx, identity.Link{Kind: identity.Organization, Owner: "org-1", ExternalID: 7, Secret: "s1", UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		l    identity.Link
	}{
		{"same account", identity.Link{Kind: identity.Organization, Owner: "org-2", ExternalID: 7, Secret: "s2"}},
		{"same owner", identity.Link{Kind: identity.Organization, Owner: "org-1", ExternalID: 8, Secret: "s3"}},
		{"same secret", identity.Link{Kind: identity.Voter, Owner: "v", ExternalID: 9, Secret: "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := st.InsertLink(ctx, tt.l); !errors.Is(err, link.ErrDuplicate) {
				t.Errorf("InsertLink() error = %v, want ErrDuplicate", err)
			}
		})
	}
	if err := st.InsertLink(ctx, identity.Link{Kind: identity.Voter, Owner: "org-1", ExternalID: 7, Secret: "s4"}); err != nil {
		t.Errorf("a different kind should not collide: %v", err)
	}
}

func TestEntities(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	offset := -18000
	want := identity.Entity{
		Kind: identity.Candidate, Key: "cand-1", First: "Jane", Last: "Doe", State: "CA",
		Office: "State Senate", UTCOffset: &offset, ExternalID: 42,
		Display: identity.Display{Handle: "JaneDoe", ImageURL: "https://img/l"},
	}
	if err := st.PutEntity(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.Entity(ctx, identity.Candidate, "cand-1")
	if err != nil || !ok {
		t.Fatalf("Entity() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Entity() mismatch (-want +got):\n%s", diff)
	}

	if e, ok, _ := st.EntityByHandle(ctx, identity.Candidate, "janedoe"); !ok || e.Key != "cand-1" {
		t.Errorf("EntityByHandle() = %+v, %v", e, ok)
	}

	if err := st.UpdateLinkage(ctx, identity.Candidate, "cand-1", 0, identity.Display{}); err != nil {
		t.Fatal(err)
	}
	got, _, _ = st.Entity(ctx, identity.Candidate, "cand-1")
	if got.ExternalID != 0 || got.Display != (identity.Display{}) || got.First != "Jane" {
		t.Errorf("after clearing linkage = %+v", got)
	}
	if ents, _ := st.EntitiesByExternalID(ctx, identity.Candidate, 42); len(ents) != 0 {
		t.Errorf("EntitiesByExternalID() = %+v, want none", ents)
	}
}

func TestSelectUnmatched(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	for _, e := range []identity.Entity{
		{Kind: identity.Organization, Key: "a"},
		{Kind: identity.Organization, Key: "b", Display: identity.Display{Handle: "bee"}},
		{Kind: identity.Organization, Key: "c"},
		{Kind: identity.Organization, Key: "d"},
		{Kind: identity.Organization, Key: "e"},
		{Kind: identity.Organization, Key: "f"},
		{Kind: identity.Voter, Key: "g"},
	} {
		if err := st.PutEntity(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpsertCandidates(ctx, []identity.MatchCandidate{
		{Kind: identity.Organization, EntityKey: "c", ExternalID: 1},
		{Kind: identity.Organization, EntityKey: "f", ExternalID: 2, Rejected: true},
	}); err != nil {
		t.Fatal(err)
	}
	since := now.Add(-30 * 24 * time.Hour)
	for key, at := range map[string]time.Time{"d": now.Add(-time.Hour), "e": since.Add(-time.Hour)} {
		if err := st.AppendLedger(ctx, identity.LedgerEntry{EntityKey: key, Kind: identity.Organization, Action: identity.ActionMatch, Outcome: "no_candidates", At: at}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.SelectUnmatched(ctx, identity.Organization, since, 10)
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, e := range got {
		keys = append(keys, e.Key)
	}
	if diff := cmp.Diff([]string{"a", "e", "f"}, keys); diff != "" {
		t.Errorf("SelectUnmatched() mismatch (-want +got):\n%s", diff)
	}

	limited, err := st.SelectUnmatched(ctx, identity.Organization, since, 1)
	if err != nil || len(limited) != 1 || limited[0].Key != "a" {
		t.Errorf("SelectUnmatched(limit 1) = %+v, %v", limited, err)
	}

	refresh, err := st.SelectForRefresh(ctx, identity.Organization, since, 10)
	if err != nil || len(refresh) != 1 || refresh[0].Key != "b" {
		t.Errorf("SelectForRefresh() = %+v, %v", refresh, err)
	}
}

func TestCandidatesUpsertKeepsFlags(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	c := identity.MatchCandidate{Kind: identity.Candidate, EntityKey: "cand-1", ExternalID: 1, Handle: "one", Score: 10, CreatedAt: now}
	if err := st.UpsertCandidates(ctx, []identity.MatchCandidate{c, {Kind: identity.Candidate, EntityKey: "cand-1", ExternalID: 2, Score: 50, CreatedAt: now}}); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.MarkCandidate(ctx, identity.Candidate, "cand-1", 1, false, true); err != nil || !ok {
		t.Fatalf("MarkCandidate() = %v, %v", ok, err)
	}
	if ok, _ := st.MarkCandidate(ctx, identity.Candidate, "cand-1", 3, true, false); ok {
		t.Error("MarkCandidate() on a missing candidate should report false")
	}

	c.Score = 70
	c.Handle = "one_renamed"
	if err := st.UpsertCandidates(ctx, []identity.MatchCandidate{c}); err != nil {
		t.Fatal(err)
	}
	got, err := st.Candidates(ctx, identity.Candidate, "cand-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ExternalID != 1 || got[0].Handle != "one_renamed" || !got[0].Rejected {
		t.Errorf("Candidates() = %+v", got)
	}

	n, err := st.DeleteCandidates(ctx, identity.Candidate, "cand-1")
	if err != nil || n != 2 {
		t.Errorf("DeleteCandidates() = %d, %v", n, err)
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	older := identity.Session{ID: "s1", DeviceID: "dev", VoterKey: "v", State: identity.RequestTokenIssued, RequestToken: "rt1", CreatedAt: now, UpdatedAt: now}
	newer := identity.Session{ID: "s2", DeviceID: "dev", VoterKey: "v", State: identity.RequestTokenIssued, RequestToken: "rt2", CreatedAt: now, UpdatedAt: now}
	for _, s := range []identity.Session{older, newer} {
		if err := st.CreateSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	got, ok, err := st.LatestSession(ctx, "dev")
	if err != nil || !ok || got.ID != "s2" {
		t.Fatalf("LatestSession() = %+v, %v, %v", got, ok, err)
	}
	if _, ok, _ := st.LatestLinkedSession(ctx, "dev"); ok {
		t.Error("no linked session expected")
	}

	older.State = identity.Linked
	older.ExternalID = 42
	older.AccessToken = "at"
	older.UpdatedAt = now.Add(time.Minute)
	if err := st.UpdateSession(ctx, older); err != nil {
		t.Fatal(err)
	}
	linked, ok, err := st.LatestLinkedSession(ctx, "dev")
	if err != nil || !ok {
		t.Fatalf("LatestLinkedSession() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(older, linked); diff != "" {
		t.Errorf("LatestLinkedSession() mismatch (-want +got):\n%s", diff)
	}
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	posted := now.Add(-time.Hour)
	offset := 3600
	want := profile.Profile{
		ID: 42, Handle: "JaneDoe", Name: "Jane Doe", Bio: "Running for office", Followers: 100,
		ExpandedURLs: []string{"https://janedoe.example"},
		Cached:       profile.Images{Large: "https://img/l", Tiny: "https://img/t"},
		UTCOffset:    &offset, LastPostAt: &posted, FetchedAt: now,
	}
	if err := st.SaveProfile(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.Profile(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("Profile() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Profile() mismatch (-want +got):\n%s", diff)
	}

	got.MarkStale(profile.StaleSuspended, now.Add(time.Hour))
	if err := st.SaveProfile(ctx, got); err != nil {
		t.Fatal(err)
	}
	byHandle, ok, err := st.ProfileByHandle(ctx, "janedoe")
	if err != nil || !ok || !byHandle.Stale || byHandle.StaleReason != profile.StaleSuspended {
		t.Errorf("ProfileByHandle() = %+v, %v, %v", byHandle, ok, err)
	}

	if err := st.SaveProfile(ctx, profile.Profile{Handle: "noid"}); !errors.Is(err, profile.ErrMalformedInput) {
		t.Errorf("SaveProfile() without id error = %v, want ErrMalformedInput", err)
	}
}

func TestDevices(t *testing.T) {
	ctx := context.Background()
	st := open(t)
	if err := st.PutDevice(ctx, "dev", "voter-1"); err != nil {
		t.Fatal(err)
	}
	if err := st.PutDevice(ctx, "dev", "voter-2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := st.VoterForDevice(ctx, "dev")
	if err != nil || !ok || v != "voter-2" {
		t.Errorf("VoterForDevice() = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := st.VoterForDevice(ctx, "other"); ok {
		t.Error("unknown device should not resolve")
	}
}
