package triggers

import "errors"

// ErrInvalidRule marks a stored rule whose fields do not fit its trigger type.
// Such rules are skipped, never evaluated.
var ErrInvalidRule = errors.New("invalid trigger rule")
