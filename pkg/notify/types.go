// Package notify defines the notification sink contract and the webhook
// implementation the chat front end consumes.
package notify

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/menagerie-labs/chainwatch/pkg/scan"
)

// EntityDetail is the hydrated companion detail attached to a card.
type EntityDetail struct {
	ID      uint64 `json:"id"`
	Species uint32 `json:"species"`
	Level   uint8  `json:"level"`
	Name    string `json:"name,omitempty"`
}

// CardPayload is one fully hydrated notification.
type CardPayload struct {
	SubscriberID string       `json:"subscriberId"`
	Family       scan.Family  `json:"family"`
	Entity       EntityDetail `json:"entity"`
	ActorID      uint64       `json:"actorId,omitempty"`
	ActorName    string       `json:"actorName,omitempty"`
	Attributed   bool         `json:"attributed"`
	Block        uint64       `json:"block"`
	TxHash       common.Hash  `json:"txHash"`
	Action       string       `json:"action,omitempty"`
	ObservedAt   time.Time    `json:"observedAt"`
}
