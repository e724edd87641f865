package types

import "encoding/json"

// MessageKind tags the payload carried by a BrokerMessage.
type MessageKind string

const (
	MessageKindJobRequest          MessageKind = "JobRequest"
	MessageKindJobCancellation     MessageKind = "JobCancellation"
	MessageKindRunnerRefreshConfig MessageKind = "RunnerRefreshConfig"
)

// BrokerMessage is one entry in the orchestration service's long-poll
// message queue. Body is decoded according to MessageType: a JobMessage for
// MessageKindJobRequest, a JobCancellationBody for MessageKindJobCancellation,
// or a RunnerSettings for MessageKindRunnerRefreshConfig.
type BrokerMessage struct {
	MessageID   int64           `json:"messageId"`
	MessageType MessageKind     `json:"messageType"`
	Body        json.RawMessage `json:"body"`
	// Signature is an optional base64 ed25519 signature over Body, present
	// only when the orchestration service is configured to sign messages.
	Signature string `json:"signature,omitempty"`
}

// JobCancellationBody identifies the job a JobCancellation message targets.
type JobCancellationBody struct {
	JobID string `json:"jobId"`
}

// RunnerSettings is the settings payload of a RunnerRefreshConfig message.
// RequiresRestart is the only setting the core itself acts on; the payload
// as a whole is passed to the external settings store, and the core does
// not read PollIntervalMS.
type RunnerSettings struct {
	RunnerName        string          `json:"runnerName"`
	PollIntervalMS    int64           `json:"pollIntervalMs"`
	RequiresRestart   bool            `json:"requiresRestart"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}
