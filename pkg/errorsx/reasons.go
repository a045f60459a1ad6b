package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Upstream speech service.
	ReasonCredentialFetch ReasonCode = "credential_fetch"
	ReasonSTTConnect      ReasonCode = "stt_connect"
	ReasonSTTSend         ReasonCode = "stt_send"
	ReasonSTTReceive      ReasonCode = "stt_receive"

	// Media path.
	ReasonAudioDecode ReasonCode = "audio_decode"

	// Durable store.
	ReasonPersistence    ReasonCode = "persistence"
	ReasonCallResolution ReasonCode = "call_resolution"

	// Downstream collaborators.
	ReasonSuggestionGenerate ReasonCode = "suggestion_generate"
	ReasonNotifyPublish      ReasonCode = "notify_publish"

	// Telephony webhooks.
	ReasonWebhookInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonDialFailed              ReasonCode = "dial_failed"
)
