package sse

// ConnectEvent is the first event on every stream. Its payload names the
// client id subscriptions are bound to.
const ConnectEvent = "hub.connect"

type connectPayload struct {
	ClientID string `json:"clientId"`
}

type subscribePayload struct {
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
}
