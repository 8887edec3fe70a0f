package domain

import "fmt"

// Commit-reveal subject keys. The server and clients must agree on these
// byte for byte, since they are hashed into every commitment digest.

// ApprovalSubjectPrefix matches every level subject of a request.
func ApprovalSubjectPrefix(requestID uint64) string {
	return fmt.Sprintf("request:%d:level:", requestID)
}

func ApprovalSubject(requestID uint64, l Level) string {
	return ApprovalSubjectPrefix(requestID) + string(l)
}

func ClosureSubject(closureID uint64) string { return fmt.Sprintf("closure:%d", closureID) }

// RoleChangeSubject keys a grant or revoke of role for account.
func RoleChangeSubject(op, role, account string) string {
	return fmt.Sprintf("role:%s:%s:%s", op, role, account)
}
