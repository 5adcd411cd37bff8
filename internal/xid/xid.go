package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a collision-resistant identifier with a readable type prefix,
// e.g. "sale-1b4e28ba-2fa1-11d2-883f-0016d3cca427".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
