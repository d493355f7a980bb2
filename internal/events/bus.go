package events

import (
	"sync"
	"time"
)

// EventType names a ledger event
type EventType string

const (
	EventAccountRegistered       EventType = "ACCOUNT_REGISTERED"
	EventDepositApplied          EventType = "DEPOSIT_APPLIED"
	EventWithdrawalApplied       EventType = "WITHDRAWAL_APPLIED"
	EventReferralBonusCredited   EventType = "REFERRAL_BONUS_CREDITED"
	EventEarningsSettled         EventType = "EARNINGS_SETTLED"
	EventTierChanged             EventType = "TIER_CHANGED"
	EventAutoCompoundToggled     EventType = "AUTO_COMPOUND_TOGGLED"
	EventBatchSettlementComplete EventType = "BATCH_SETTLEMENT_COMPLETED"
)

// Event is published after the change it describes has committed
type Event struct {
	Type      EventType              `json:"type"`
	AccountID string                 `json:"account_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events. It runs on its own goroutine.
type Subscriber func(Event)

// EventBus fans events out to subscribers
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	wg          sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all matching subscribers without blocking
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	targets := make([]Subscriber, 0, len(eb.subscribers[event.Type])+len(eb.allSubs))
	targets = append(targets, eb.subscribers[event.Type]...)
	targets = append(targets, eb.allSubs...)
	eb.mu.RUnlock()

	for _, sub := range targets {
		eb.wg.Add(1)
		go func(s Subscriber) {
			defer eb.wg.Done()
			s(event)
		}(sub)
	}
}

// Wait blocks until every delivered event has been handled
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// PublishDeposit publishes a deposit applied event
func (eb *EventBus) PublishDeposit(accountID, amount, principal, tier string) {
	eb.Publish(Event{
		Type:      EventDepositApplied,
		AccountID: accountID,
		Data: map[string]interface{}{
			"amount":    amount,
			"principal": principal,
			"tier":      tier,
		},
	})
}

// PublishWithdrawal publishes a withdrawal applied event
func (eb *EventBus) PublishWithdrawal(accountID, amount, fee, principal, earnings, tier string) {
	eb.Publish(Event{
		Type:      EventWithdrawalApplied,
		AccountID: accountID,
		Data: map[string]interface{}{
			"amount":    amount,
			"fee":       fee,
			"principal": principal,
			"earnings":  earnings,
			"tier":      tier,
		},
	})
}

// PublishReferralBonus publishes a referral bonus event for the referrer
func (eb *EventBus) PublishReferralBonus(referrerID, referredID, bonus string) {
	eb.Publish(Event{
		Type:      EventReferralBonusCredited,
		AccountID: referrerID,
		Data: map[string]interface{}{
			"referred_id": referredID,
			"bonus":       bonus,
		},
	})
}

// PublishSettled publishes an earnings settled event
func (eb *EventBus) PublishSettled(accountID, accrued, earnings string, elapsed time.Duration) {
	eb.Publish(Event{
		Type:      EventEarningsSettled,
		AccountID: accountID,
		Data: map[string]interface{}{
			"accrued":  accrued,
			"earnings": earnings,
			"elapsed":  elapsed.String(),
		},
	})
}

// PublishTierChanged publishes a tier transition
func (eb *EventBus) PublishTierChanged(accountID, from, to string) {
	eb.Publish(Event{
		Type:      EventTierChanged,
		AccountID: accountID,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishBatchComplete publishes the summary of a batch settlement run
func (eb *EventBus) PublishBatchComplete(runID string, scanned, settled, failed int, duration time.Duration) {
	eb.Publish(Event{
		Type: EventBatchSettlementComplete,
		Data: map[string]interface{}{
			"run_id":   runID,
			"scanned":  scanned,
			"settled":  settled,
			"failed":   failed,
			"duration": duration.String(),
		},
	})
}
