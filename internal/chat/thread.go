package chat

import "fmt"

// ThreadKey derives the canonical chat id for a pair of users. The lower id
// always comes first, so both participants compute the same key regardless
// of who opens the thread.
func ThreadKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d_%d", a, b)
}
