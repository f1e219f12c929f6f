package reconciler

// State is the reconciler's position in the session lifecycle.
type State string

const (
	StateUninitialized         State = "uninitialized"
	StateInitializing          State = "initializing"
	StateAuthenticated         State = "authenticated"
	StateAuthenticatedDegraded State = "authenticated_degraded"
	StateUnauthenticated       State = "unauthenticated"
)

// Authenticated reports whether the state carries a live session.
func (s State) Authenticated() bool {
	return s == StateAuthenticated || s == StateAuthenticatedDegraded
}

// Outcome tags what a reconciliation pass did to local state.
type Outcome string

const (
	// OutcomeNoneNeeded: local and remote state already agreed.
	OutcomeNoneNeeded Outcome = "none_needed"
	// OutcomeCleanedStaleTokens: persisted tokens had no matching remote
	// session and could not be refreshed, so they were purged.
	OutcomeCleanedStaleTokens Outcome = "cleaned_stale_tokens"
	// OutcomeRefreshedSession: the session was recovered via a refresh.
	OutcomeRefreshedSession Outcome = "refreshed_session"
	// OutcomeCleanedInvalidSession: the gateway rejected the session and the
	// refresh failed, so everything was purged.
	OutcomeCleanedInvalidSession Outcome = "cleaned_invalid_session"
	// OutcomePreventiveCleanup: keys were purged unconditionally as part of
	// an explicit sign-out.
	OutcomePreventiveCleanup Outcome = "preventive_cleanup"
)
