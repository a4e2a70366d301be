package bus

// Pipeline event topics.
const (
	TopicInboundAccepted = "inbound.accepted"
	TopicInboundBlocked  = "inbound.blocked"
	TopicOutboundSent    = "outbound.sent"
	TopicOutboundDropped = "outbound.dropped"
	TopicJobStateChanged = "job.state_changed"
	TopicTriggerConsumed = "trigger.consumed"
	TopicLeaseLost       = "lease.lost"
)

// InboundEvent is published when an update clears (or fails) authorization.
type InboundEvent struct {
	UpdateID  int64
	ChatID    int64
	UserID    int64
	MessageID int
	Reason    string // empty when accepted
}

// OutboundEvent is published after a send attempt settles.
type OutboundEvent struct {
	ChatID   int64
	Chunks   int
	Attempts int
	Reason   string // drop reason, empty on success
}

// JobStateEvent is published on every job status transition.
type JobStateEvent struct {
	JobID     string
	ChatID    int64
	OldStatus string
	NewStatus string
}

// TriggerEvent is published when a check trigger is consumed.
type TriggerEvent struct {
	Source       string
	RequesterPID int
}
