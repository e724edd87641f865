// Package types defines the wire-level job description shared between the
// Listener, Dispatcher, and Worker: the JobMessage received from the
// orchestration service and handed to a Worker process verbatim over IPC.
package types

import "encoding/json"

// Variable is a single entry in a job's variable store. Name comparisons
// against a Variables map are case-insensitive by convention of the caller;
// the map itself is keyed however the sender chose.
type Variable struct {
	Value      string `json:"value"`
	IsSecret   bool   `json:"isSecret"`
	IsReadOnly bool   `json:"isReadOnly"`
}

// EndpointAuthorization carries the scheme-specific parameters for an
// Endpoint, e.g. the OAuth access token under the "AccessToken" key.
type EndpointAuthorization struct {
	Scheme     string            `json:"scheme"`
	Parameters map[string]string `json:"parameters"`
}

// Endpoint describes one resource the job may need to call back into, most
// importantly the SystemVssConnection the Run Service client uses to
// report completion.
type Endpoint struct {
	Name          string                `json:"name"`
	URL           string                `json:"url"`
	Authorization EndpointAuthorization `json:"authorization"`
}

// AccessToken returns the endpoint's "AccessToken" authorization parameter,
// or "" if absent.
func (e Endpoint) AccessToken() string {
	return e.Authorization.Parameters["AccessToken"]
}

// HandlerType selects which Handler executes a StepDefinition.
type HandlerType string

const (
	HandlerScript    HandlerType = "script"
	HandlerNode      HandlerType = "node"
	HandlerContainer HandlerType = "container"
	HandlerComposite HandlerType = "composite"
)

// StepDefinition is one ordered entry in a job's step list.
type StepDefinition struct {
	ID                  string                 `json:"id"`
	DisplayName         string                 `json:"displayName"`
	ConditionExpression string                 `json:"conditionExpression"`
	TimeoutMinutes      int                    `json:"timeoutMinutes"`
	ContinueOnError     bool                   `json:"continueOnError"`
	HandlerType         HandlerType            `json:"handlerType"`
	HandlerInputs       map[string]string      `json:"handlerInputs"`
	HandlerEnv          map[string]string      `json:"handlerEnv"`
	Steps               []StepDefinition       `json:"steps,omitempty"` // composite handlers only
}

// Condition returns the step's condition expression, defaulting to
// success() when unset.
func (s StepDefinition) Condition() string {
	if s.ConditionExpression == "" {
		return "success()"
	}
	return s.ConditionExpression
}

// ContainerDescription describes a job container or service container.
type ContainerDescription struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Env     map[string]string `json:"env"`
	Ports   []string          `json:"ports"`
	Options string            `json:"options"`
}

// JobMessage is the complete, opaque-to-Listener description of one job.
type JobMessage struct {
	JobID                string                          `json:"jobId"`
	RequestID            int64                           `json:"requestId"`
	PlanID               string                          `json:"planId"`
	TimelineID           string                          `json:"timelineId"`
	Variables            map[string]Variable             `json:"variables"`
	Environment          map[string]string               `json:"environment"`
	Steps                []StepDefinition                `json:"steps"`
	ResourceEndpoints     []Endpoint                      `json:"resourceEndpoints"`
	JobContainer         *ContainerDescription           `json:"jobContainer,omitempty"`
	JobServiceContainers []ContainerDescription          `json:"jobServiceContainers,omitempty"`
	ContextData          json.RawMessage                 `json:"contextData,omitempty"`
	TraceParent          string                          `json:"traceParent,omitempty"`
}

// SystemVssConnection returns the job's required SystemVssConnection
// endpoint, and whether it was found.
func (j JobMessage) SystemVssConnection() (Endpoint, bool) {
	for _, ep := range j.ResourceEndpoints {
		if ep.Name == "SystemVssConnection" {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Validate checks the invariants a JobMessage must satisfy before a Worker
// starts executing it.
func (j JobMessage) Validate() error {
	if j.JobID == "" {
		return errJobMessage("job_id is required")
	}
	vssCount := 0
	for _, ep := range j.ResourceEndpoints {
		if ep.Name == "SystemVssConnection" {
			vssCount++
		}
	}
	if vssCount != 1 {
		return errJobMessage("exactly one SystemVssConnection resource endpoint is required")
	}
	seen := make(map[string]struct{}, len(j.Steps))
	for _, step := range j.Steps {
		if _, dup := seen[step.ID]; dup {
			return errJobMessage("duplicate step id: " + step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

type jobMessageError string

func (e jobMessageError) Error() string { return string(e) }

func errJobMessage(msg string) error { return jobMessageError(msg) }
