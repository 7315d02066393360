package domain

type State string

const (
	StateIdle               State = "idle"
	StateQuotaCheck         State = "quota_check"
	StateNormalizing        State = "normalizing"
	StateAttemptingPrimary  State = "attempting_primary"
	StateAttemptingFallback State = "attempting_fallback"
	StateCompositing        State = "compositing"
	StateCommitted          State = "committed"
	StateBlocked            State = "blocked"
	StateFailed             State = "failed"
)

const (
	BackendWebhook = "webhook"
	BackendGenAI   = "genai"
)

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateBlocked || s == StateFailed
}
