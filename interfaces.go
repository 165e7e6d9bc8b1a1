package shonin

import "context"

// BreachNotifier receives limit-breach notifications for safety limits
// configured with the notify action. Register with WithBreachNotifier.
//
// Notifications are fire-and-forget: implementations must not block for
// long, and failures are the notifier's problem — the admission that
// triggered the breach has already been decided.
type BreachNotifier interface {
	NotifyLimitBreach(ctx context.Context, breach LimitBreach)
}
