package model

// Authorization reasons. They are surfaced only in debug mode.
const (
	ReasonSecFetchSite    = "Sec-Fetch-Site"
	ReasonSameOrigin      = "Same-origin Referer"
	ReasonAllowedReferrer = "Allowed Referer"
	ReasonSignedURL       = "Signed URL"
	ReasonSignedCookie    = "Signed cookie"
	ReasonAuthDisabled    = "Authentication disabled"
	ReasonUntrustedOrigin = "Untrusted origin"
	ReasonInvalidToken    = "Invalid token"
)

// Verdict is the outcome of the authorization step.
type Verdict struct {
	Admitted bool
	Reason   string
	// AllowAll tells the URL checker to skip its positive allow-list.
	AllowAll bool
}

// Admit returns an admitting verdict.
func Admit(reason string, allowAll bool) Verdict {
	return Verdict{Admitted: true, Reason: reason, AllowAll: allowAll}
}

// Deny returns a denying verdict.
func Deny(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Outcome is the final state a request reaches in the gateway.
type Outcome int

const (
	// OutcomeAdmitted hands the request to the rewriting engine.
	OutcomeAdmitted Outcome = iota
	// OutcomeDenied responds 401.
	OutcomeDenied
	// OutcomeBlocked redirects to the block page.
	OutcomeBlocked
	// OutcomeBadURL responds 400.
	OutcomeBadURL
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeDenied:
		return "denied"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeBadURL:
		return "bad_url"
	default:
		return "unknown"
	}
}

// OutcomeKey is the echo context key the admission step stores the
// outcome under for request logging.
const OutcomeKey = "viahtml.outcome"
