package domain

// ConfirmationKind distinguishes the two mutating actions that require a
// yes/no gate before they run.
type ConfirmationKind string

const (
	ConfirmCreate    ConfirmationKind = "create"
	ConfirmTerminate ConfirmationKind = "terminate"
)

// PendingConfirmation is a recorded yes/no gate for one session. It is
// created when a mutating intent is recognized and consumed on the next
// inbound message regardless of what that message says. TargetName is set
// only for terminations and names the instance tag to match.
type PendingConfirmation struct {
	Kind       ConfirmationKind
	Region     string
	TargetName string
}
