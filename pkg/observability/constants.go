package observability

// Span and attribute names.
const (
	AttrIdentityKind = "identity.kind"
	AttrWindow       = "ratelimit.window"
	AttrOutcome      = "outcome"
	AttrDegraded     = "ratelimit.degraded"
	AttrHTTPMethod   = "http.method"
	AttrHTTPRoute    = "http.route"
	AttrStatusCode   = "http.status_code"
	AttrErrorType    = "error.type"

	SpanHTTPRequest     = "http.request"
	SpanRateLimitCheck  = "ratelimit.check"
	SpanVerifyCheck     = "verification.check"
	SpanVerifyChallenge = "verification.verify"
	SpanVerifyAttempt   = "verification.attempt"

	DefaultServiceName = "chatgate"
)

// Decision outcomes.
const (
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeDegraded = "degraded"
	OutcomeExcluded = "excluded"
)

// Challenge outcomes.
const (
	ChallengeRequired = "required"
	ChallengePassed   = "passed"
	ChallengeFailed   = "failed"
	ChallengeError    = "error"
)
