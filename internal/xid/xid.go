package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// BillNumber formats a ledger sequence so that string order matches
// creation order.
func BillNumber(prefix string, seq int64) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = "BILL"
	}
	return fmt.Sprintf("%s-%010d", prefix, seq)
}
