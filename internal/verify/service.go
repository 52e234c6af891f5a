// Package verify answers public "is this genuine?" lookups. It only reads the
// ledger and always recomputes the hash chain before reporting success.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provenance.org/internal/ledger"
)

// Reasons reported for a negative verification.
const (
	ReasonNotFound             = ledger.KindNotFound
	ReasonRevoked              = ledger.KindRevoked
	ReasonIntegrityCompromised = ledger.KindIntegrityCompromised
)

// Public error codes, stable across transports.
const (
	CodeNotFound    = "PASSPORT_NOT_FOUND"
	CodeRevoked     = "PASSPORT_REVOKED"
	CodeCompromised = "INTEGRITY_COMPROMISED"
	CodeUnavailable = "VERIFICATION_UNAVAILABLE"
	CodeFailed      = "VERIFICATION_FAILED"
)

// Human-readable messages shown next to a result.
const (
	MessageValid       = "This item's passport is genuine and its custody history is intact."
	MessageNotFound    = "No passport matches this code."
	MessageRevoked     = "This passport has been revoked and no longer certifies the item."
	MessageCompromised = "This passport's custody history failed verification."
)

// MaxTokenLen bounds what is accepted from the public surface before lookup.
const MaxTokenLen = 64

// Result is the public answer for one token.
type Result struct {
	Valid     bool             `json:"valid"`
	Reason    string           `json:"reason,omitempty"`
	Code      string           `json:"code,omitempty"`
	Integrity ledger.Integrity `json:"chain_integrity,omitempty"`
	Warning   string           `json:"warning,omitempty"`
	Message   string           `json:"message"`
	RevokedAt *time.Time       `json:"revoked_at,omitempty"`
	Passport  *View            `json:"passport,omitempty"`
}

// Cache holds recently verified records by token. Misses and failures fall back
// to the store.
//
// Get also returns the token's invalidation generation, taken before the store
// is read. Set receives it back and must drop rec if the token was invalidated
// since, otherwise a read that raced a commit would cache the superseded record.
type Cache interface {
	Get(ctx context.Context, token string) (rec ledger.Record, hit bool, gen uint64, err error)
	Set(ctx context.Context, token string, rec ledger.Record, gen uint64) error
}

// Reader is the slice of the ledger store this package needs.
type Reader interface {
	GetByToken(ctx context.Context, token string) (ledger.Record, error)
	GetByID(ctx context.Context, id string) (ledger.Record, error)
}

// Service performs verification against a ledger reader.
type Service struct {
	store   Reader
	cache   Cache
	baseURL string
	observe func(outcome string)
	logf    func(msg string, fields map[string]any)
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the read-through cache.
func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

// WithBaseURL sets the public origin used in QR payloads.
func WithBaseURL(u string) Option { return func(s *Service) { s.baseURL = u } }

// WithObserver receives one outcome label per verification.
func WithObserver(fn func(outcome string)) Option { return func(s *Service) { s.observe = fn } }

// WithLogger receives non-fatal problems such as cache failures.
func WithLogger(fn func(msg string, fields map[string]any)) Option {
	return func(s *Service) { s.logf = fn }
}

// New constructs a verification service.
func New(store Reader, opts ...Option) *Service {
	s := &Service{store: store, baseURL: "http://localhost:8080"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BaseURL returns the public origin used for QR payloads.
func (s *Service) BaseURL() string { return s.baseURL }

// Verify resolves token and reports whether it names an active, untampered
// passport. Negative outcomes are Results; only lookup failures are errors.
func (s *Service) Verify(ctx context.Context, token string) (Result, error) {
	tok := ledger.NormalizeToken(token)
	if tok == "" {
		return Result{}, ledger.Invalid("token", "required")
	}
	if len(tok) > MaxTokenLen {
		return Result{}, ledger.Invalid("token", fmt.Sprintf("must be at most %d characters", MaxTokenLen))
	}

	rec, err := s.lookup(ctx, tok)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.record("not_found")
		return Result{Reason: ReasonNotFound, Code: CodeNotFound, Message: MessageNotFound}, nil
	case err != nil:
		s.record("error")
		return Result{}, err
	}

	report := ledger.VerifyChain(rec.Passport.Token, rec.Events)
	if rec.Passport.Revoked() {
		s.record("revoked")
		return Result{
			Reason:    ReasonRevoked,
			Code:      CodeRevoked,
			Integrity: report.Integrity,
			Message:   MessageRevoked,
			RevokedAt: rec.Passport.RevokedAt,
		}, nil
	}
	view := redact(rec, report, s.baseURL)
	if !report.Intact() {
		s.record("compromised")
		s.log("chain_integrity_failure", map[string]any{
			"token_suffix": suffix(tok),
			"problem":      report.Problem,
		})
		return Result{
			Reason:    ReasonIntegrityCompromised,
			Code:      CodeCompromised,
			Integrity: report.Integrity,
			Warning:   "custody history failed verification; treat this item as unverified",
			Message:   MessageCompromised,
			Passport:  view,
		}, nil
	}
	s.record("valid")
	return Result{Valid: true, Integrity: ledger.Intact, Message: MessageValid, Passport: view}, nil
}

// Inspection is the privileged view of a passport used by operators.
type Inspection struct {
	Record ledger.Record      `json:"record"`
	Chain  ledger.ChainReport `json:"chain"`
}

// Inspect loads the full record by internal id, including revoked passports,
// and recomputes its chain.
func (s *Service) Inspect(ctx context.Context, id string) (Inspection, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return Inspection{}, err
	}
	return Inspection{Record: rec, Chain: ledger.VerifyChain(rec.Passport.Token, rec.Events)}, nil
}

func (s *Service) lookup(ctx context.Context, tok string) (ledger.Record, error) {
	var (
		gen  uint64
		fill bool
	)
	if s.cache != nil {
		rec, ok, g, err := s.cache.Get(ctx, tok)
		switch {
		case err != nil:
			s.log("verify_cache_get_failed", map[string]any{"error": err.Error()})
		case ok:
			return rec, nil
		default:
			gen, fill = g, true
		}
	}
	rec, err := s.store.GetByToken(ctx, tok)
	if err != nil {
		return ledger.Record{}, err
	}
	if fill {
		if err := s.cache.Set(ctx, tok, rec, gen); err != nil {
			s.log("verify_cache_set_failed", map[string]any{"error": err.Error()})
		}
	}
	return rec, nil
}

func (s *Service) record(outcome string) {
	if s.observe != nil {
		s.observe(outcome)
	}
}

func (s *Service) log(msg string, fields map[string]any) {
	if s.logf != nil {
		s.logf(msg, fields)
	}
}

// suffix keeps logs from carrying whole tokens.
func suffix(tok string) string {
	if len(tok) <= 4 {
		return tok
	}
	return tok[len(tok)-4:]
}
