package models

import "time"

type Status string

const (
	StatusCreate   Status = "create"
	StatusOngoing  Status = "ongoing"
	StatusFinished Status = "finished"
)

type AllocationMethod string

const (
	MethodEven   AllocationMethod = "even"
	MethodRandom AllocationMethod = "random"
)

// 红包参数上下限
const (
	MinPoints = 2
	MaxPoints = 666
	MinSlots  = 2
	MaxSlots  = 66
)

// Counter tracks a declared total split into distributed and remaining.
// Distributed + Remaining == Total always holds.
type Counter struct {
	Total       int `json:"total"`
	Distributed int `json:"distributed"`
	Remaining   int `json:"remaining"`
}

func NewCounter(total int) Counter {
	return Counter{Total: total, Remaining: total}
}

func (c Counter) Valid() bool {
	return c.Distributed+c.Remaining == c.Total && c.Distributed >= 0 && c.Remaining >= 0
}

type Sender struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

type ClaimOutcome struct {
	ReceiverID   int64  `json:"receiver_id"`
	ReceiverName string `json:"receiver_name"`
	Approved     bool   `json:"approved"`
	ReactionMS   int64  `json:"reaction_ms"`
	Points       int    `json:"points"`
	SettlementID string `json:"settlement_id,omitempty"`
}

type Envelope struct {
	Serial            int64            `json:"serial"`
	ChatID            int64            `json:"chat_id"`
	TopicID           int              `json:"topic_id"`
	Status            Status           `json:"status"`
	DisplayMessageID  int              `json:"display_message_id"`
	RequestMessageID  int              `json:"request_message_id"`
	CreatedAt         time.Time        `json:"created_at"`
	Method            AllocationMethod `json:"method"`
	Budget            Counter          `json:"budget"`
	Slots             Counter          `json:"slots"`
	Sender            Sender           `json:"sender"`
	Claims            []ClaimOutcome   `json:"claims"`
	MessageText       string           `json:"message_text"`
	CoverFlag         bool             `json:"cover_flag"`
	CoverFileID       string           `json:"cover_file_id,omitempty"`
	CaptionText       string           `json:"caption_text"`
	Dirty             bool             `json:"-"`
	ConfiscatedPoints int              `json:"confiscated_points"`
}

// Clone returns a copy that shares no slices with e.
func (e Envelope) Clone() Envelope {
	out := e
	out.Claims = append([]ClaimOutcome(nil), e.Claims...)
	return out
}

func (e Envelope) HasReceiver(userID int64) bool {
	for _, c := range e.Claims {
		if c.ReceiverID == userID {
			return true
		}
	}
	return false
}

func (e Envelope) ApprovedPoints() int {
	sum := 0
	for _, c := range e.Claims {
		if c.Approved {
			sum += c.Points
		}
	}
	return sum
}

// ClaimAttempt is one queued button click waiting for its envelope's handler.
type ClaimAttempt struct {
	RequesterID   int64     `json:"requester_id"`
	RequesterName string    `json:"requester_name"`
	Serial        int64     `json:"serial"`
	ClickedAt     time.Time `json:"clicked_at"`
	CallbackID    string    `json:"callback_id,omitempty"`
}

type Cover struct {
	ID        int64     `json:"id"`
	FileID    string    `json:"file_id"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Caption struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Group struct {
	ChatID    int64     `json:"chat_id"`
	TopicID   int       `json:"topic_id"`
	CreatedAt time.Time `json:"created_at"`
}
