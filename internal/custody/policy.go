package custody

import "provenance.org/internal/ledger"

// CheckTransition decides whether an event of kind, held by actor, may follow tail.
//
// Issued only ever appears at genesis. Transfers are legal from any state of an
// active passport. Returned must follow a transfer to the same actor: the party
// handing the unit back is the one who last received it.
func CheckTransition(tail ledger.Event, kind ledger.EventKind, actor string) error {
	switch {
	case kind == ledger.KindIssued:
		return &ledger.TransitionError{From: tail.Kind, To: kind, Reason: "issuance only occurs at genesis"}
	case kind.IsTransfer():
		return nil
	case kind == ledger.KindReturned:
		if !tail.Kind.IsTransfer() {
			return &ledger.TransitionError{From: tail.Kind, To: kind, Reason: "return must follow a transfer"}
		}
		if tail.ActorReference != actor {
			return &ledger.TransitionError{From: tail.Kind, To: kind, Reason: "return must come from the actor the unit was transferred to"}
		}
		return nil
	default:
		return ledger.Invalid("kind", "unknown event kind")
	}
}
