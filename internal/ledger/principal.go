package ledger

// Principal is the authenticated identity the auth gate binds to a request:
// an account name, optionally with admin authority.
type Principal struct {
	Name  string
	Admin bool
}

// May reports whether the principal can act on behalf of the given account.
func (p Principal) May(account string) bool {
	return p.Admin || (p.Name != "" && p.Name == account)
}

// Anonymous reports whether no identity was bound.
func (p Principal) Anonymous() bool {
	return p.Name == "" && !p.Admin
}
