package engine

import (
	"sync"

	"chat-sync/internal/models"
)

type receiptKey struct {
	messageID string
	userID    string
}

type receiptState int

const (
	receiptInFlight receiptState = iota
	receiptPersisted
	receiptFailed
)

// ReceiptLog is the append-only record of read receipts produced locally,
// with the persistence state of each.
type ReceiptLog struct {
	mu      sync.Mutex
	entries []models.ReadReceipt
	state   map[receiptKey]receiptState
}

// NewReceiptLog creates an empty log.
func NewReceiptLog() *ReceiptLog {
	return &ReceiptLog{state: make(map[receiptKey]receiptState)}
}

// Append adds r unless the same (message, user) pair was already recorded.
func (l *ReceiptLog) Append(r models.ReadReceipt) bool {
	key := receiptKey{messageID: r.MessageID, userID: r.UserID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.state[key]; dup {
		return false
	}
	l.state[key] = receiptInFlight
	l.entries = append(l.entries, r)
	return true
}

// Has reports whether a receipt exists.
func (l *ReceiptLog) Has(messageID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.state[receiptKey{messageID: messageID, userID: userID}]
	return ok
}

// Reclaim marks a receipt whose last persist attempt failed as in flight
// again and reports whether the caller should persist it.
func (l *ReceiptLog) Reclaim(messageID, userID string) bool {
	key := receiptKey{messageID: messageID, userID: userID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.state[key]; !ok || st != receiptFailed {
		return false
	}
	l.state[key] = receiptInFlight
	return true
}

// Settle records the outcome of a persist attempt.
func (l *ReceiptLog) Settle(messageID, userID string, err error) {
	key := receiptKey{messageID: messageID, userID: userID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state[key]; !ok {
		return
	}
	if err != nil {
		l.state[key] = receiptFailed
		return
	}
	l.state[key] = receiptPersisted
}
