package ledger

import "context"

// ChangeKind names a committed ledger mutation.
type ChangeKind string

const (
	ChangeIssued      ChangeKind = "issued"
	ChangeTransferred ChangeKind = "transferred"
	ChangeRevoked     ChangeKind = "revoked"
)

// Change describes a mutation after it was durably committed.
type Change struct {
	Kind     ChangeKind
	Passport Passport
	Event    *Event
}

// Notifier observes committed changes. Implementations must not block; a
// notifier failure never undoes a commit.
type Notifier interface {
	Committed(ctx context.Context, c Change)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, c Change)

func (f NotifierFunc) Committed(ctx context.Context, c Change) { f(ctx, c) }

// Notifiers fans a change out to every member.
type Notifiers []Notifier

func (ns Notifiers) Committed(ctx context.Context, c Change) {
	for _, n := range ns {
		if n != nil {
			n.Committed(ctx, c)
		}
	}
}
