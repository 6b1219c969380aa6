package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrNotFound         = "not found"
	ErrInvalidSignature = "invalid signature"
	ErrPayloadTooLarge  = "payload too large"
	ErrRateLimited      = "rate limited"
	ErrUnknownProfile   = "unknown source profile"
	ErrUnauthorized     = "unauthorized"
	ErrForbidden        = "forbidden"
	ErrInvalidCursor    = "invalid cursor"
	ErrInvalidParameter = "invalid parameter"
	ErrTenantExists     = "tenant already exists"
	ErrResolverRefresh  = "binding refresh failed"
	ErrStoreUnavailable = "store unavailable, retry"
	ErrMalformedPayload = "malformed payload"
	ErrMissingField     = "missing required field"
	ErrInvalidAmount    = "amount must be a positive decimal with at most 4 places"
)
