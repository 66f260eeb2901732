package notify

import "context"

// DeliveryResult reports per-channel success. Any true value counts as a
// delivered notification; partial delivery is still delivery.
type DeliveryResult struct {
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	Push  bool `json:"push"`
}

func (r DeliveryResult) Delivered() bool {
	return r.Email || r.SMS || r.Push
}

// Channels lists the channels that delivered, for outcome metadata.
func (r DeliveryResult) Channels() []string {
	var out []string
	if r.Email {
		out = append(out, "email")
	}
	if r.SMS {
		out = append(out, "sms")
	}
	if r.Push {
		out = append(out, "push")
	}
	return out
}

// ChannelDispatcher attempts delivery of a payload to one recipient over the
// channels the recipient accepts. The concrete transports and preference
// lookup live behind this contract.
type ChannelDispatcher interface {
	Dispatch(ctx context.Context, recipientID string, p Payload) (DeliveryResult, error)
}

// DispatcherFunc adapts a function to the ChannelDispatcher interface.
type DispatcherFunc func(ctx context.Context, recipientID string, p Payload) (DeliveryResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, recipientID string, p Payload) (DeliveryResult, error) {
	return f(ctx, recipientID, p)
}
