package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/profile"
	"github.com/google/go-cmp/cmp"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestInsertLinkUniqueness(t *testing.T) {
	ctx := context.Background()
	st := New()
	if err := st.InsertLink(ctx, identity.Link{Kind: identity.Voter, Owner: "v1", ExternalID: 42, Secret: "s1"}); err != nil {
		t.Fatalf("InsertLink failed: %v", err)
	}

	tests := []struct {
		name string
		l    identity.Link
		want error
	}{
		{"same account", identity.Link{Kind: identity.Voter, Owner: "v2", ExternalID: 42, Secret: "s2"}, link.ErrDuplicate},
		{"same owner", identity.Link{Kind: identity.Voter, Owner: "v1", ExternalID: 43, Secret: "s3"}, link.ErrDuplicate},
		{"same secret", identity.Link{Kind: identity.Organization, Owner: "o1", ExternalID: 44, Secret: "s1"}, link.ErrDuplicate},
		{"other kind", identity.Link{Kind: identity.Organization, Owner: "v1", ExternalID: 42, Secret: "s4"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := st.InsertLink(ctx, tt.l); !errors.Is(err, tt.want) {
				t.Errorf("InsertLink() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLegacyDuplicates(t *testing.T) {
	ctx := context.Background()
	st := New()
	st.ForceInsertLink(identity.Link{Kind: identity.Voter, Owner: "v1", ExternalID: 42, Secret: "a"})
	st.ForceInsertLink(identity.Link{Kind: identity.Voter, Owner: "v2", ExternalID: 42, Secret: "b"})

	got, err := st.LinksByExternalID(ctx, identity.Voter, 42)
	if err != nil || len(got) != 2 {
		t.Fatalf("LinksByExternalID() = %v, %v, want 2 links", got, err)
	}
	if err := st.ReassignLink(ctx, identity.Voter, 42, "v3", now); err != nil {
		t.Fatalf("ReassignLink failed: %v", err)
	}
	got, _ = st.LinksByExternalID(ctx, identity.Voter, 42)
	for _, l := range got {
		if l.Owner != "v3" || !l.UpdatedAt.Equal(now) {
			t.Errorf("after reassign: %+v", l)
		}
	}

	removed, ok, err := st.DeleteLink(ctx, identity.Voter, "v3")
	if err != nil || !ok || removed.Secret != "a" {
		t.Errorf("DeleteLink() = %+v, %v, %v", removed, ok, err)
	}
	if _, ok, _ := st.LinkBySecret(ctx, "b"); !ok {
		t.Error("second legacy record should survive a single delete")
	}
}

func TestSelection(t *testing.T) {
	ctx := context.Background()
	st := New()
	for _, e := range []identity.Entity{
		{Kind: identity.Organization, Key: "o3"},
		{Kind: identity.Organization, Key: "o1"},
		{Kind: identity.Organization, Key: "o2", Display: identity.Display{Handle: "orgtwo"}},
		{Kind: identity.Organization, Key: "o4"},
		{Kind: identity.Organization, Key: "o5"},
		{Kind: identity.Voter, Key: "v1"},
	} {
		if err := st.PutEntity(ctx, e); err != nil {
			t.Fatalf("PutEntity failed: %v", err)
		}
	}
	if err := st.UpsertCandidates(ctx, []identity.MatchCandidate{{Kind: identity.Organization, EntityKey: "o4", ExternalID: 7, Score: 30}}); err != nil {
		t.Fatalf("UpsertCandidates failed: %v", err)
	}
	since := now.Add(-time.Hour)
	for _, l := range []identity.LedgerEntry{
		{Kind: identity.Organization, EntityKey: "o5", Action: identity.ActionMatch, At: now},
		{Kind: identity.Organization, EntityKey: "o3", Action: identity.ActionMatch, At: since.Add(-time.Minute)},
		{Kind: identity.Organization, EntityKey: "o2", Action: identity.ActionRefresh, At: now},
	} {
		if err := st.AppendLedger(ctx, l); err != nil {
			t.Fatalf("AppendLedger failed: %v", err)
		}
	}

	keys := func(es []identity.Entity) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.Key)
		}
		return out
	}

	unmatched, err := st.SelectUnmatched(ctx, identity.Organization, since, 10)
	if err != nil {
		t.Fatalf("SelectUnmatched failed: %v", err)
	}
	if diff := cmp.Diff([]string{"o1", "o3"}, keys(unmatched)); diff != "" {
		t.Errorf("SelectUnmatched mismatch (-want +got):\n%s", diff)
	}
	limited, _ := st.SelectUnmatched(ctx, identity.Organization, since, 1)
	if diff := cmp.Diff([]string{"o1"}, keys(limited)); diff != "" {
		t.Errorf("SelectUnmatched limit mismatch (-want +got):\n%s", diff)
	}

	// A rejected candidate no longer blocks selection.
	if ok, err := st.MarkCandidate(ctx, identity.Organization, "o4", 7, false, true); err != nil || !ok {
		t.Fatalf("MarkCandidate() = %v, %v", ok, err)
	}
	unmatched, _ = st.SelectUnmatched(ctx, identity.Organization, since, 10)
	if diff := cmp.Diff([]string{"o1", "o3", "o4"}, keys(unmatched)); diff != "" {
		t.Errorf("SelectUnmatched after reject mismatch (-want +got):\n%s", diff)
	}

	refresh, _ := st.SelectForRefresh(ctx, identity.Organization, since, 10)
	if len(refresh) != 0 {
		t.Errorf("SelectForRefresh() = %v, want none inside cooldown", keys(refresh))
	}
	refresh, _ = st.SelectForRefresh(ctx, identity.Organization, now.Add(time.Minute), 10)
	if diff := cmp.Diff([]string{"o2"}, keys(refresh)); diff != "" {
		t.Errorf("SelectForRefresh mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkageAndLookup(t *testing.T) {
	ctx := context.Background()
	st := New()
	for _, key := range []string{"v2", "v1"} {
		if err := st.PutEntity(ctx, identity.Entity{Kind: identity.Voter, Key: key}); err != nil {
			t.Fatalf("PutEntity failed: %v", err)
		}
	}
	d := identity.Display{Handle: "JaneDoe", ImageURL: "https://img/a.jpg"}
	for _, key := range []string{"v1", "v2"} {
		if err := st.UpdateLinkage(ctx, identity.Voter, key, 42, d); err != nil {
			t.Fatalf("UpdateLinkage failed: %v", err)
		}
	}
	if err := st.UpdateLinkage(ctx, identity.Voter, "missing", 42, d); err != nil {
		t.Errorf("UpdateLinkage on a missing entity = %v, want nil", err)
	}

	e, ok, err := st.EntityByHandle(ctx, identity.Voter, "janedoe")
	if err != nil || !ok || e.Key != "v1" {
		t.Errorf("EntityByHandle() = %+v, %v, %v, want v1", e, ok, err)
	}
	es, err := st.EntitiesByExternalID(ctx, identity.Voter, 42)
	if err != nil || len(es) != 2 {
		t.Errorf("EntitiesByExternalID() = %v, %v, want 2", es, err)
	}
	if _, ok, _ := st.Entity(ctx, identity.Organization, "v1"); ok {
		t.Error("Entity should not match across kinds")
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	st := New()
	if err := st.PutDevice(ctx, "dev", "v1"); err != nil {
		t.Fatalf("PutDevice failed: %v", err)
	}
	if v, ok, _ := st.VoterForDevice(ctx, "dev"); !ok || v != "v1" {
		t.Errorf("VoterForDevice() = %q, %v", v, ok)
	}

	linked := identity.Session{ID: "s1", DeviceID: "dev", State: identity.RequestTokenIssued, CreatedAt: now}
	if err := st.CreateSession(ctx, linked); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	linked.State = identity.Linked
	if err := st.UpdateSession(ctx, linked); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	if err := st.CreateSession(ctx, identity.Session{ID: "s2", DeviceID: "dev", State: identity.Unstarted, CreatedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	latest, ok, _ := st.LatestSession(ctx, "dev")
	if !ok || latest.ID != "s2" {
		t.Errorf("LatestSession() = %+v, want s2", latest)
	}
	got, ok, _ := st.LatestLinkedSession(ctx, "dev")
	if !ok || got.ID != "s1" {
		t.Errorf("LatestLinkedSession() = %+v, want s1", got)
	}
	if _, ok, _ := st.LatestSession(ctx, "other"); ok {
		t.Error("LatestSession for an unknown device should miss")
	}
}

func TestCandidates(t *testing.T) {
	ctx := context.Background()
	st := New()
	cs := []identity.MatchCandidate{
		{Kind: identity.Candidate, EntityKey: "c1", ExternalID: 1, Score: 20},
		{Kind: identity.Candidate, EntityKey: "c1", ExternalID: 2, Score: 50},
		{Kind: identity.Candidate, EntityKey: "c2", ExternalID: 3, Score: 40},
	}
	if err := st.UpsertCandidates(ctx, cs); err != nil {
		t.Fatalf("UpsertCandidates failed: %v", err)
	}
	if _, err := st.MarkCandidate(ctx, identity.Candidate, "c1", 1, false, true); err != nil {
		t.Fatalf("MarkCandidate failed: %v", err)
	}
	// A re-proposal keeps the review flag and takes the new score.
	if err := st.UpsertCandidates(ctx, []identity.MatchCandidate{{Kind: identity.Candidate, EntityKey: "c1", ExternalID: 1, Score: 60}}); err != nil {
		t.Fatalf("UpsertCandidates failed: %v", err)
	}

	got, err := st.Candidates(ctx, identity.Candidate, "c1")
	if err != nil {
		t.Fatalf("Candidates failed: %v", err)
	}
	want := []identity.MatchCandidate{
		{Kind: identity.Candidate, EntityKey: "c1", ExternalID: 1, Score: 60, Rejected: true},
		{Kind: identity.Candidate, EntityKey: "c1", ExternalID: 2, Score: 50},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Candidates mismatch (-want +got):\n%s", diff)
	}

	if ok, _ := st.MarkCandidate(ctx, identity.Candidate, "c1", 99, true, false); ok {
		t.Error("MarkCandidate on an unknown candidate should report false")
	}
	n, err := st.DeleteCandidates(ctx, identity.Candidate, "c1")
	if err != nil || n != 2 {
		t.Errorf("DeleteCandidates() = %d, %v, want 2", n, err)
	}
	if rest, _ := st.Candidates(ctx, identity.Candidate, "c2"); len(rest) != 1 {
		t.Errorf("Candidates(c2) = %v, want untouched", rest)
	}
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	st := New()
	for _, p := range []profile.Profile{
		{ID: 1, Handle: "JaneDoe", FetchedAt: now},
		{ID: 2, Handle: "janedoe", FetchedAt: now.Add(time.Hour)},
	} {
		if err := st.SaveProfile(ctx, p); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}
	}
	if p, ok, _ := st.Profile(ctx, 1); !ok || p.Handle != "JaneDoe" {
		t.Errorf("Profile(1) = %+v, %v", p, ok)
	}
	p, ok, err := st.ProfileByHandle(ctx, "JANEDOE")
	if err != nil || !ok || p.ID != 2 {
		t.Errorf("ProfileByHandle() = %+v, %v, %v, want the newest fetch", p, ok, err)
	}
	if _, ok, _ := st.ProfileByHandle(ctx, "nobody"); ok {
		t.Error("ProfileByHandle should miss an unknown handle")
	}
}
