package model

// ReplyRequest is an admin reply to an existing message.
type ReplyRequest struct {
	TargetID  string        `json:"-"`
	Body      string        `json:"message"`
	Status    MessageStatus `json:"status"`
	AdminName string        `json:"-"`
}

// ReplyResult reports the persisted reply and how delivery went. Delivery
// problems never turn into an error for the caller.
type ReplyResult struct {
	Reply         *Message `json:"reply"`
	DeliveredTo   string   `json:"deliveredTo"`
	Delivered     bool     `json:"delivered"`
	DeliveryError string   `json:"deliveryError,omitempty"`
}

// DeliveryRetryEvent is published on the retry stream when an outbound reply
// could not be delivered inline.
type DeliveryRetryEvent struct {
	ReplyID string `json:"reply_id"`
	Reason  string `json:"reason"`
}
