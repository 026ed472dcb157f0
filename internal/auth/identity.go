package auth

// authKeyPrefix namespaces external subjects in the user record's
// external_auth_key column.
const authKeyPrefix = "openauth:"

// Identity is a verified external identity: the provider's stable subject
// identifier plus the scalar profile claims from the userinfo document.
// Produced once per successful token exchange and never persisted as-is.
type Identity struct {
	Subject string            `json:"subject"`
	Claims  map[string]string `json:"claims"`
}

// NewIdentity builds an Identity from userinfo claims. The "sub" claim
// becomes the subject; callers must verify it is non-empty before use.
func NewIdentity(claims map[string]string) Identity {
	return Identity{
		Subject: claims["sub"],
		Claims:  claims,
	}
}

// AuthKey returns the unique key under which this identity is bound to a
// local account.
func (i Identity) AuthKey() string {
	return authKeyPrefix + i.Subject
}

// Claim returns the named claim, or "" when absent.
func (i Identity) Claim(name string) string {
	return i.Claims[name]
}
