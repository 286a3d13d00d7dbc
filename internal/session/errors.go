package session

import "fmt"

// ContractViolation is raised (as a panic) when the controller observes a
// sequence that breaks the pairing contract: a second peer while one is
// connected, a token from a peer that is not the connected one, an
// undecodable token, a missing local token, or an unknown removal reason.
// Continuing would risk mixing two peers' ranging data, so the controller
// stops instead of recovering.
type ContractViolation struct {
	Op     string
	Detail string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("session: contract violation in %s: %s", e.Op, e.Detail)
}

// contract panics with a *ContractViolation when ok is false.
func contract(ok bool, op, format string, args ...any) {
	if ok {
		return
	}
	v := &ContractViolation{Op: op, Detail: fmt.Sprintf(format, args...)}
	log.Errorf("%v", v)
	panic(v)
}
