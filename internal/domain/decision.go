package domain

// Decision reasons surfaced to the request path. Denial is a normal outcome,
// not an error; storage trouble fails closed with a retryable reason.
const (
	ReasonQuotaExhausted         = "quota_exhausted"
	ReasonTemporarilyUnavailable = "temporarily_unavailable"
)

// Decision is the synchronous answer to "may this user consume one unit now".
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	FreeRemaining int    `json:"free_remaining"`
	PaidRemaining int    `json:"paid_remaining"`
}
