package domain

// Identity is the user a control connection is bound to.
type Identity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Token       string `json:"token"`
}

// Same reports whether two identities refer to the same credentials.
func (i Identity) Same(other Identity) bool {
	return i.UserID == other.UserID && i.Token == other.Token
}
