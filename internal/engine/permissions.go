package engine

import (
	"recordapi/internal/metadata"
)

// aclAllows checks the ACL bitmask for op. Access rules are evaluated
// separately and only after this passes.
func aclAllows(api *metadata.RecordAPI, user *metadata.UserContext, op metadata.Operation) bool {
	return permissionsFor(api, user).Has(op.Permission())
}

// permissionsFor returns the effective ACL of user on api. The world mask
// applies to every requester, the authenticated mask only to requests
// carrying a user id.
func permissionsFor(api *metadata.RecordAPI, user *metadata.UserContext) metadata.Permission {
	p := api.Config.ACLWorld
	if user.IsAuthenticated() {
		p |= api.Config.ACLAuthenticated
	}
	return p
}
