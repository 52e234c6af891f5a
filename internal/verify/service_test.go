package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"provenance.org/internal/cache"
	"provenance.org/internal/custody"
	"provenance.org/internal/issuance"
	"provenance.org/internal/ledger"
	"provenance.org/internal/revocation"
)

func seed(t *testing.T, store ledger.Store) ledger.Record {
	t.Helper()
	rec, err := issuance.New(store).Issue(context.Background(), issuance.IssueCommand{
		OrderID:           "ORD-1",
		Metadata:          ledger.Metadata{"origin": "Fes", "fabric": "silk", "artisan": "A. Benali"},
		ManufacturerActor: "atelier-fes",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return rec
}

// tamperingStore rewrites records on the way out, standing in for edits made
// directly in the database.
type tamperingStore struct {
	ledger.Store
	mutate func(*ledger.Record)
}

func (s tamperingStore) GetByToken(ctx context.Context, token string) (ledger.Record, error) {
	rec, err := s.Store.GetByToken(ctx, token)
	if err == nil {
		s.mutate(&rec)
	}
	return rec, err
}

type failingStore struct{ ledger.Store }

func (failingStore) GetByToken(context.Context, string) (ledger.Record, error) {
	return ledger.Record{}, ledger.ErrStoreUnavailable
}

func TestVerifyLifecycle(t *testing.T) {
	store := ledger.NewInMemory()
	rec := seed(t, store)
	ctx := context.Background()
	var outcomes []string
	svc := New(store, WithBaseURL("https://passport.example/"), WithObserver(func(o string) { outcomes = append(outcomes, o) }))

	res, err := svc.Verify(ctx, rec.Passport.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Passport == nil || len(res.Passport.OwnershipLog) != 1 {
		t.Fatalf("fresh passport should verify with genesis only: %+v", res)
	}
	if res.Passport.Origin != "Fes" || res.Passport.Fabric != "silk" {
		t.Fatalf("metadata not projected: %+v", res.Passport)
	}

	if _, err := custody.New(store).Transfer(ctx, custody.TransferCommand{
		Ref:            ledger.Ref{Token: rec.Passport.Token},
		ActorReference: "cust-42",
		Kind:           ledger.KindTransferredToCustomer,
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	res, err = svc.Verify(ctx, ledger.FormatToken(strings.ToLower(rec.Passport.Token)))
	if err != nil {
		t.Fatalf("Verify grouped token: %v", err)
	}
	if !res.Valid || res.Integrity != ledger.Intact || len(res.Passport.OwnershipLog) != 2 {
		t.Fatalf("expected intact log of two: %+v", res)
	}
	if got := res.Passport.OwnershipLog[1].Actor; got != "cust-42" {
		t.Fatalf("log actor = %q", got)
	}

	if _, _, err := store.Revoke(ctx, rec.Passport.ID, ledger.Revocation{
		Reason: ledger.ReasonLost, Actor: "admin", At: time.Now(),
	}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	res, err = svc.Verify(ctx, rec.Passport.Token)
	if err != nil {
		t.Fatalf("Verify revoked: %v", err)
	}
	if res.Valid || res.Reason != ReasonRevoked || res.RevokedAt == nil || res.Passport != nil {
		t.Fatalf("revoked passport must not verify: %+v", res)
	}

	insp, err := svc.Inspect(ctx, rec.Passport.ID)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(insp.Record.Events) != 2 || !insp.Chain.Intact() {
		t.Fatalf("history must survive revocation: %+v", insp)
	}

	want := []string{"valid", "valid", "revoked"}
	if strings.Join(outcomes, ",") != strings.Join(want, ",") {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
}

func TestVerifyUnknownToken(t *testing.T) {
	svc := New(ledger.NewInMemory())
	res, err := svc.Verify(context.Background(), "AAAABBBBCCCCDDDDEEEEFFFFGGGGHHHH")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.Reason != ReasonNotFound || res.Code != CodeNotFound || res.Message != MessageNotFound {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	svc := New(ledger.NewInMemory())
	for _, tok := range []string{"", "  - ", strings.Repeat("A", MaxTokenLen+1)} {
		if _, err := svc.Verify(context.Background(), tok); !errors.Is(err, ledger.ErrInvalidInput) {
			t.Fatalf("Verify(%q) err = %v, want invalid input", tok, err)
		}
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	base := ledger.NewInMemory()
	rec := seed(t, base)
	if _, err := custody.New(base).Transfer(context.Background(), custody.TransferCommand{
		Ref:            ledger.Ref{Token: rec.Passport.Token},
		ActorReference: "cust-42",
		Kind:           ledger.KindTransferredToCustomer,
	}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	store := tamperingStore{Store: base, mutate: func(r *ledger.Record) {
		r.Events[0].ActorReference = "someone-else"
	}}
	res, err := New(store).Verify(context.Background(), rec.Passport.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.Reason != ReasonIntegrityCompromised || res.Warning == "" {
		t.Fatalf("tampered chain must not verify: %+v", res)
	}
	if res.Passport == nil || res.Passport.ChainIntegrity != ledger.Compromised {
		t.Fatalf("compromised view should still be returned: %+v", res.Passport)
	}
}

func TestVerifyPropagatesStoreFailure(t *testing.T) {
	var outcome string
	svc := New(failingStore{ledger.NewInMemory()}, WithObserver(func(o string) { outcome = o }))
	_, err := svc.Verify(context.Background(), "AAAABBBBCCCCDDDDEEEEFFFFGGGGHHHH")
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want store unavailable", err)
	}
	if outcome != "error" {
		t.Fatalf("outcome = %q", outcome)
	}
}

func TestViewOmitsInternalFields(t *testing.T) {
	store := ledger.NewInMemory()
	rec := seed(t, store)
	res, err := New(store).Verify(context.Background(), rec.Passport.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	body, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, leak := range []string{rec.Passport.ID, "ORD-1", `"order_id"`} {
		if bytes.Contains(body, []byte(leak)) {
			t.Fatalf("public view leaks %q: %s", leak, body)
		}
	}
}

type mapCache struct {
	recs      map[string]ledger.Record
	gets, set int
	fail      bool
}

func (c *mapCache) Get(_ context.Context, tok string) (ledger.Record, bool, uint64, error) {
	c.gets++
	if c.fail {
		return ledger.Record{}, false, 0, errors.New("cache down")
	}
	rec, ok := c.recs[tok]
	return rec, ok, 0, nil
}

func (c *mapCache) Set(_ context.Context, tok string, rec ledger.Record, _ uint64) error {
	c.set++
	c.recs[tok] = rec
	return nil
}

func TestVerifyUsesCache(t *testing.T) {
	store := ledger.NewInMemory()
	rec := seed(t, store)
	cache := &mapCache{recs: map[string]ledger.Record{}}
	svc := New(store, WithCache(cache))

	for i := 0; i < 3; i++ {
		if res, err := svc.Verify(context.Background(), rec.Passport.Token); err != nil || !res.Valid {
			t.Fatalf("Verify #%d: %+v %v", i, res, err)
		}
	}
	if cache.set != 1 || cache.gets != 3 {
		t.Fatalf("expected one fill and three lookups, got set=%d gets=%d", cache.set, cache.gets)
	}

	cache.fail = true
	var logged string
	svc = New(store, WithCache(cache), WithLogger(func(msg string, _ map[string]any) { logged = msg }))
	if res, err := svc.Verify(context.Background(), rec.Passport.Token); err != nil || !res.Valid {
		t.Fatalf("cache failure must fall back to the store: %+v %v", res, err)
	}
	if logged == "" {
		t.Fatal("cache failure not logged")
	}
}

// revokingReader commits a revocation right after its first read returns,
// so the caller holds a record that is already superseded.
type revokingReader struct {
	ledger.Store
	revoke func()
	once   bool
}

func (r *revokingReader) GetByToken(ctx context.Context, tok string) (ledger.Record, error) {
	rec, err := r.Store.GetByToken(ctx, tok)
	if err == nil && !r.once {
		r.once = true
		r.revoke()
	}
	return rec, err
}

func TestVerifyCacheDoesNotResurrectRevoked(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewInMemory()
	rec := seed(t, store)

	mem := cache.NewMemory(time.Minute, 100)
	mgr := revocation.New(store, revocation.WithNotifier(mem))
	reader := &revokingReader{Store: store, revoke: func() {
		if _, err := mgr.Revoke(ctx, revocation.RevokeCommand{
			PassportID: rec.Passport.ID,
			Reason:     ledger.ReasonCounterfeitConfirmed,
			Actor:      "ops-1",
		}); err != nil {
			t.Errorf("Revoke: %v", err)
		}
	}}
	svc := New(reader, WithCache(mem))

	// The first answer was computed before the revocation landed.
	if _, err := svc.Verify(ctx, rec.Passport.Token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n := mem.Len(); n != 0 {
		t.Fatalf("superseded record was cached (len=%d)", n)
	}

	res, err := svc.Verify(ctx, rec.Passport.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.Reason != ReasonRevoked {
		t.Fatalf("revoked passport still verifies: %+v", res)
	}
}

func TestQRPayload(t *testing.T) {
	qr := BuildQR("https://passport.example/", "ABCD2345")
	if qr.URL != "https://passport.example/v1/verify/ABCD2345" || qr.Payload != "PP1:ABCD2345" {
		t.Fatalf("unexpected QR: %+v", qr)
	}
	for _, raw := range []string{qr.URL, qr.Payload, "pp1:abcd-2345"} {
		tok, ok := ParseQRPayload(raw)
		if !ok || tok != "ABCD2345" {
			t.Fatalf("ParseQRPayload(%q) = %q, %v", raw, tok, ok)
		}
	}
	if _, ok := ParseQRPayload("https://elsewhere.example/about"); ok {
		t.Fatal("unrelated URL accepted")
	}

	png, err := RenderQR("https://passport.example", "ABCD2345", 128)
	if err != nil {
		t.Fatalf("RenderQR: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("RenderQR did not produce a PNG")
	}
}
