package flow

import (
	"crypto/sha256"
	"encoding/hex"
)

// TurnKey derives the idempotency key for one turn against one step.
// Re-delivering the same input to the same step produces the same key, so
// duplicate deliveries are suppressed before any side effect fires.
func TurnKey(workflowID, stepID, input string) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0x1f})
	h.Write([]byte(stepID))
	h.Write([]byte{0x1f})
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}
