package bus

import "fmt"

// Intent is what a signal asks its listeners to do.
type Intent string

const (
	// IntentPull asks listeners to pull from the authority now.
	IntentPull Intent = "pull"
	// IntentPush asks listeners to push their pending writes now.
	IntentPush Intent = "push"
)

// ParseIntent validates an intent name.
func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case IntentPull, IntentPush:
		return Intent(s), nil
	default:
		return "", fmt.Errorf("unknown intent %q (want pull or push)", s)
	}
}

// Signal is one broadcast intent.
type Signal struct {
	Intent   Intent `json:"intent"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`

	// Origin identifies the emitting bus; SkipSelf compares against it.
	Origin string `json:"origin"`

	// Nonce is unique per emit. The same nonce arriving through several
	// adapters is the same logical signal.
	Nonce string `json:"nonce"`

	// At is the emit time in ms since epoch.
	At int64 `json:"at"`
}

// Handler receives signals. Handlers may run more than once per emit and
// concurrently with each other; they must be idempotent.
type Handler func(Signal)
