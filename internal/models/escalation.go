package models

import "time"

// Bucket is the escalation step a non-compliant patient occupies.
type Bucket int

// BucketSequence is the fixed, ordered escalation cadence.
var BucketSequence = []Bucket{1, 2, 3, 5}

// LastBucket is the final escalation step; cycle days past it are exhausted.
const LastBucket Bucket = 5

// BucketForCycleDay maps a 1-based cycle day (day 1 is the day non-compliance
// was first found) to the largest bucket not exceeding it. ok is false once the
// cycle day is past the last bucket, which means the cycle is exhausted.
// Cycle days below 1 map to the first bucket.
func BucketForCycleDay(cycleDay int) (b Bucket, ok bool) {
	if cycleDay > int(LastBucket) {
		return 0, false
	}
	b = BucketSequence[0]
	for _, candidate := range BucketSequence {
		if int(candidate) <= cycleDay {
			b = candidate
		}
	}
	return b, true
}

// ChannelsForBucket returns the delivery channels used at a bucket.
// Buckets 1–2 use push only; later buckets add WhatsApp.
func ChannelsForBucket(b Bucket) []Channel {
	if b >= 3 {
		return []Channel{ChannelPush, ChannelWhatsApp}
	}
	return []Channel{ChannelPush}
}

// EscalationPhase is the externally visible state of a patient.
type EscalationPhase string

const (
	PhaseCompliant  EscalationPhase = "compliant"
	PhaseEscalating EscalationPhase = "escalating"
	PhaseExhausted  EscalationPhase = "exhausted"
)

// EscalationState is the persisted cursor of one patient's escalation cycle.
type EscalationState struct {
	PatientID       string              `json:"patient_id"`
	CycleStartDate  string              `json:"cycle_start_date"`
	CurrentBucket   Bucket              `json:"current_day_bucket"`
	LastSentAt      *time.Time          `json:"last_sent_at,omitempty"`
	Acknowledged    bool                `json:"acknowledged"`
	AckAction       string              `json:"ack_action,omitempty"`
	AcknowledgedAt  *time.Time          `json:"acknowledged_at,omitempty"`
	ExhaustedAt     *time.Time          `json:"exhausted_at,omitempty"`
	ChannelAttempts map[Channel]Outcome `json:"channel_attempts,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Phase reports the state machine phase for the row. A nil state is compliant.
func (s *EscalationState) Phase() EscalationPhase {
	if s == nil {
		return PhaseCompliant
	}
	if s.ExhaustedAt != nil {
		return PhaseExhausted
	}
	return PhaseEscalating
}

// AckAction is the user's response to a delivered reminder.
type AckAction string

const (
	AckActionLog  AckAction = "log"
	AckActionSkip AckAction = "skip"
	AckActionOpen AckAction = "open"
)

// IsValid reports whether a is a known acknowledgment action.
func (a AckAction) IsValid() bool {
	switch a {
	case AckActionLog, AckActionSkip, AckActionOpen:
		return true
	}
	return false
}

// PushData is the data section of a push payload.
type PushData struct {
	Token string  `json:"token"`
	Value *string `json:"value,omitempty"`
}

// PushPayload is the wire shape delivered to the client's background handler.
type PushPayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tag   string   `json:"tag"`
	Data  PushData `json:"data"`
}
