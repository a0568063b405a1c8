package counthub

import "hubstream/payload"

// CountRequest is one item streamed by a client.
type CountRequest struct {
	payload.Meta
	Count int `json:"count"`
}

func (CountRequest) PayloadType() string { return "counthub.CountRequest" }

// CountResponse is pushed back for every processed request.
type CountResponse struct {
	payload.Meta
	Count int `json:"count"`
}

func (CountResponse) PayloadType() string { return "counthub.CountResponse" }

func init() {
	payload.MustRegister(CountRequest{}, CountResponse{})
}
