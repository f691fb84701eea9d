package record

// CustodyAuthorized is the single custody gate shared by every gated
// mutation (transfer, observable-attribute update, delete, direct-append
// deposit). The caller is authorized when it is the creator while custody
// is still unassigned, or when it is the current custodian. Callers must
// evaluate it while holding the record's row lock so the check and the
// mutation commit as one unit.
func CustodyAuthorized(creatorID string, custodianID *string, callerID string) bool {
	if callerID == "" {
		return false
	}
	if custodianID == nil {
		return creatorID == callerID
	}
	return *custodianID == callerID
}
