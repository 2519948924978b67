package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
)

// TransactionReference is the gateway reference of group index within a
// session. It is stable across reloads and retries of the same group.
func TransactionReference(sessionID string, index int) string {
	return fmt.Sprintf("chk_%s_%d", sessionID, index)
}

// ParseTransactionReference splits a reference built by TransactionReference
func ParseTransactionReference(reference string) (string, int, bool) {
	rest, ok := strings.CutPrefix(reference, "chk_")
	if !ok {
		return "", 0, false
	}
	cut := strings.LastIndex(rest, "_")
	if cut <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(rest[cut+1:])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return rest[:cut], index, true
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
