package plan

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"time"
)

// ApprovalTicket is a signed record of a force-insert sent to the approval
// chain. The signature lets the downstream approval system verify the
// submission came from this scheduling plane.
type ApprovalTicket struct {
	TicketID  string `json:"ticket_id"`
	FactoryID string `json:"factory_id"`
	SlotID    string `json:"slot_id"`
	OrderID   string `json:"order_id"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// ApprovalChain receives force-insert decisions that bypassed the normal
// select-confirm path.
type ApprovalChain interface {
	Submit(factoryID, slotID, orderID, actorID, reason string) (*ApprovalTicket, error)
}

// HMACApprovalChain signs tickets with a shared secret and records them.
// Delivery to the external approval system happens out of band; this side
// only has to produce a verifiable submission.
type HMACApprovalChain struct {
	secret []byte
}

func NewHMACApprovalChain(secret string) *HMACApprovalChain {
	return &HMACApprovalChain{secret: []byte(secret)}
}

func (c *HMACApprovalChain) Submit(factoryID, slotID, orderID, actorID, reason string) (*ApprovalTicket, error) {
	if len(c.secret) == 0 {
		return nil, fmt.Errorf("approval chain secret not configured")
	}

	ticketID := NewID("ticket")
	timestamp := time.Now().Unix()

	message := fmt.Sprintf("%s:%s:%s:%s:%d",
		factoryID,
		slotID,
		orderID,
		actorID,
		timestamp,
	)

	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	ticket := &ApprovalTicket{
		TicketID:  ticketID,
		FactoryID: factoryID,
		SlotID:    slotID,
		OrderID:   orderID,
		ActorID:   actorID,
		Reason:    reason,
		Signature: signature,
		Timestamp: timestamp,
	}

	log.Printf("ApprovalChain: submitted ticket %s for slot %s (actor %s)", ticketID, slotID, actorID)
	return ticket, nil
}

// Verify checks a ticket signature against the shared secret.
func (c *HMACApprovalChain) Verify(t *ApprovalTicket) bool {
	message := fmt.Sprintf("%s:%s:%s:%s:%d",
		t.FactoryID,
		t.SlotID,
		t.OrderID,
		t.ActorID,
		t.Timestamp,
	)
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(message))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(t.Signature))
}
