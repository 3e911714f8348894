package link_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/xlink/pkg/identity"
	"github.com/codeGROOVE-dev/xlink/pkg/link"
	"github.com/codeGROOVE-dev/xlink/pkg/store/memstore"
	"github.com/google/go-cmp/cmp"
)

var fixed = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func newRegistry(s link.Store) *link.Registry {
	return link.New(s, link.WithClock(func() time.Time { return fixed }))
}

func TestCreateOrGetCollision(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	first, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-A")
	if err != nil {
		t.Fatalf("CreateOrGet failed: %v", err)
	}
	if first.Outcome != link.Created {
		t.Fatalf("first outcome = %s, want created", first.Outcome)
	}

	second, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-B")
	if err != nil {
		t.Fatalf("CreateOrGet failed: %v", err)
	}
	if second.Outcome != link.Collision {
		t.Errorf("second outcome = %s, want collision", second.Outcome)
	}
	if second.OK() {
		t.Error("collision should not report OK")
	}

	l, ok, err := reg.ByExternalID(ctx, identity.Voter, 42)
	if err != nil || !ok {
		t.Fatalf("ByExternalID() = %v, %v", ok, err)
	}
	if l.Owner != "voter-A" {
		t.Errorf("owner = %q, want voter-A", l.Owner)
	}
}

func TestCreateOrGetIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	first, err := reg.CreateOrGet(ctx, identity.Organization, 7, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := reg.CreateOrGet(ctx, identity.Organization, 7, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != link.Existing {
		t.Errorf("second outcome = %s, want existing", second.Outcome)
	}
	if diff := cmp.Diff(first.Link, second.Link); diff != "" {
		t.Errorf("second call changed the record (-first +second):\n%s", diff)
	}
	if first.Link.Secret == "" {
		t.Error("new link should carry a secret")
	}
}

func TestCreateOrGetKindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	if r, err := reg.CreateOrGet(ctx, identity.Voter, 42, "shared-key"); err != nil || r.Outcome != link.Created {
		t.Fatalf("voter link = %+v, %v", r, err)
	}
	if r, err := reg.CreateOrGet(ctx, identity.Organization, 42, "org-9"); err != nil || r.Outcome != link.Created {
		t.Fatalf("organization link = %+v, %v", r, err)
	}
}

func TestCreateOrGetOwnerAlreadyLinked(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	if _, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-A"); err != nil {
		t.Fatal(err)
	}
	r, err := reg.CreateOrGet(ctx, identity.Voter, 43, "voter-A")
	if err != nil {
		t.Fatal(err)
	}
	if r.Outcome != link.OwnerLinked || r.Link.ExternalID != 42 {
		t.Errorf("CreateOrGet() = %+v, want owner_linked to 42", r)
	}
	if _, ok, _ := reg.ByExternalID(ctx, identity.Voter, 43); ok {
		t.Error("no record should exist for 43")
	}
}

func TestCreateOrGetForce(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	if _, err := reg.CreateOrGet(ctx, identity.Organization, 42, "org-A"); err != nil {
		t.Fatal(err)
	}
	r, err := reg.CreateOrGet(ctx, identity.Organization, 42, "org-B", link.Force())
	if err != nil {
		t.Fatal(err)
	}
	if r.Outcome != link.Reassigned || r.Previous != "org-A" || r.Link.Owner != "org-B" {
		t.Errorf("CreateOrGet(force) = %+v", r)
	}

	recs, err := reg.Records(ctx, identity.Organization, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Owner != "org-B" {
		t.Errorf("Records() = %+v, want one record owned by org-B", recs)
	}
	if _, ok, _ := reg.ByOwner(ctx, identity.Organization, "org-A"); ok {
		t.Error("org-A should no longer hold a link")
	}
}

func TestCreateOrGetForceRefusesSecondAccount(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	for id, owner := range map[int64]string{42: "org-A", 43: "org-B"} {
		if _, err := reg.CreateOrGet(ctx, identity.Organization, id, owner); err != nil {
			t.Fatal(err)
		}
	}
	r, err := reg.CreateOrGet(ctx, identity.Organization, 42, "org-B", link.Force())
	if err != nil {
		t.Fatal(err)
	}
	if r.Outcome != link.OwnerLinked {
		t.Errorf("outcome = %s, want owner_linked", r.Outcome)
	}
}

func TestCreateOrGetInvalid(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	tests := []struct {
		name  string
		kind  identity.Kind
		id    int64
		owner string
	}{
		{"candidate kind", identity.Candidate, 1, "c"},
		{"zero id", identity.Voter, 0, "v"},
		{"empty owner", identity.Voter, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.CreateOrGet(ctx, tt.kind, tt.id, tt.owner); !errors.Is(err, link.ErrInvalid) {
				t.Errorf("CreateOrGet() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLookupsAbsent(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	if _, ok, err := reg.ByExternalID(ctx, identity.Voter, 1); ok || err != nil {
		t.Errorf("ByExternalID() = %v, %v", ok, err)
	}
	if _, ok, err := reg.ByOwner(ctx, identity.Voter, "nobody"); ok || err != nil {
		t.Errorf("ByOwner() = %v, %v", ok, err)
	}
	if _, ok, err := reg.BySecret(ctx, ""); ok || err != nil {
		t.Errorf("BySecret(\"\") = %v, %v", ok, err)
	}
}

func TestBySecretAndDelete(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	r, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-A")
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := reg.BySecret(ctx, r.Link.Secret)
	if err != nil || !ok || got.Owner != "voter-A" {
		t.Errorf("BySecret() = %+v, %v, %v", got, ok, err)
	}

	freed, ok, err := reg.Delete(ctx, identity.Voter, "voter-A")
	if err != nil || !ok || freed != 42 {
		t.Errorf("Delete() = %d, %v, %v", freed, ok, err)
	}
	if _, ok, err := reg.Delete(ctx, identity.Voter, "voter-A"); ok || err != nil {
		t.Errorf("second Delete() = %v, %v", ok, err)
	}

	// A deleted link never blocks a new owner.
	r, err = reg.CreateOrGet(ctx, identity.Voter, 42, "voter-B")
	if err != nil || r.Outcome != link.Created {
		t.Errorf("relink after delete = %+v, %v", r, err)
	}
}

// racyStore hides the winning record from the first read, as a concurrent writer would.
type racyStore struct {
	*memstore.Store
	once sync.Once
}

func (s *racyStore) LinkByExternalID(ctx context.Context, kind identity.Kind, id int64) (identity.Link, bool, error) {
	hidden := false
	s.once.Do(func() { hidden = true })
	if hidden {
		return identity.Link{}, false, nil
	}
	return s.Store.LinkByExternalID(ctx, kind, id)
}

func TestCreateOrGetLostRace(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	if err := mem.InsertLink(ctx, identity.Link{Kind: identity.Voter, ExternalID: 42, Owner: "voter-A", Secret: "s"}); err != nil {
		t.Fatal(err)
	}

	reg := newRegistry(&racyStore{Store: mem})
	r, err := reg.CreateOrGet(ctx, identity.Voter, 42, "voter-B")
	if err != nil {
		t.Fatalf("CreateOrGet failed: %v", err)
	}
	if r.Outcome != link.Collision || r.Link.Owner != "voter-A" {
		t.Errorf("CreateOrGet() = %+v, want collision with voter-A", r)
	}
}

func TestConcurrentCreateOrGetSingleOwner(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(memstore.New())

	var wg sync.WaitGroup
	results := make([]link.Result, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := reg.CreateOrGet(ctx, identity.Voter, 42, fmt.Sprintf("voter-%d", i))
			if err != nil {
				t.Errorf("CreateOrGet failed: %v", err)
			}
			results[i] = r
		}()
	}
	wg.Wait()

	var created int
	for _, r := range results {
		switch r.Outcome {
		case link.Created:
			created++
		case link.Collision:
		default:
			t.Errorf("unexpected outcome %s", r.Outcome)
		}
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	recs, err := reg.Records(ctx, identity.Voter, 42)
	if err != nil || len(recs) != 1 {
		t.Errorf("Records() = %d records, %v", len(recs), err)
	}
}
