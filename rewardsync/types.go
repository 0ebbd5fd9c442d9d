package rewardsync

import "encoding/json"

// Outbox kinds understood by the reward ledger.
const (
	KindAward = "award"
	KindOffer = "offer"
)

// AwardRequest mirrors a local credit award on the external ledger.
type AwardRequest struct {
	UserId string `json:"userId"`
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

type AwardResponse struct {
	Balance *int   `json:"balance"`
	TxHash  string `json:"txHash,omitempty"`
}

// OfferRequest announces a new catalog offer.
type OfferRequest struct {
	Name     string `json:"name"`
	Cost     int    `json:"cost"`
	Quantity int    `json:"quantity"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func EncodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
