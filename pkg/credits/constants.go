package credits

const (
	operationGrant   = "grant"
	operationConsume = "consume"
	operationRefund  = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	reasonCodeInsufficientCredits = "insufficient_credits"
	reasonCodeMemberNotFound      = "member_not_found"
)
