package enum

type SubscriptionState string

const (
	SubscriptionUnregistered SubscriptionState = "unregistered"
	SubscriptionPending      SubscriptionState = "pending"
	SubscriptionActive       SubscriptionState = "active"
	SubscriptionRenewalDue   SubscriptionState = "renewal_due"
	SubscriptionExpired      SubscriptionState = "expired"
	SubscriptionRevoked      SubscriptionState = "revoked"
)

func (s SubscriptionState) String() string {
	return string(s)
}

var subscriptionTransitions = map[SubscriptionState][]SubscriptionState{
	SubscriptionUnregistered: {SubscriptionPending},
	SubscriptionPending:      {SubscriptionActive, SubscriptionUnregistered},
	SubscriptionActive:       {SubscriptionRenewalDue, SubscriptionRevoked},
	SubscriptionRenewalDue:   {SubscriptionActive, SubscriptionExpired},
	SubscriptionExpired:      {SubscriptionPending, SubscriptionRevoked},
	SubscriptionRevoked:      {SubscriptionPending},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s SubscriptionState) CanTransition(next SubscriptionState) bool {
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
