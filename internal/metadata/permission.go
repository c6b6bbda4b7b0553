package metadata

import (
	"fmt"
	"strings"
)

// Permission is an ACL bitmask over record operations.
type Permission uint8

const (
	PermCreate Permission = 1 << iota
	PermRead
	PermUpdate
	PermDelete
	PermSchema
)

const PermAll = PermCreate | PermRead | PermUpdate | PermDelete | PermSchema

var permissionNames = []struct {
	name string
	bit  Permission
}{
	{"create", PermCreate},
	{"read", PermRead},
	{"update", PermUpdate},
	{"delete", PermDelete},
	{"schema", PermSchema},
}

func (p Permission) Has(bit Permission) bool {
	return bit != 0 && p&bit == bit
}

func (p Permission) String() string {
	var parts []string
	for _, n := range permissionNames {
		if p.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParsePermission combines named permissions ("read", "CREATE", "all").
func ParsePermission(names []string) (Permission, error) {
	var p Permission
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if name == "all" {
			p |= PermAll
			continue
		}
		found := false
		for _, n := range permissionNames {
			if n.name == name {
				p |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown permission %q", raw)
		}
	}
	return p, nil
}

// Operation is a record API operation kind.
type Operation int

const (
	OpCreate Operation = iota
	OpRead
	OpUpdate
	OpDelete
	OpList
	OpSubscribe
	OpSchema
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpRead:
		return "read"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpList:
		return "list"
	case OpSubscribe:
		return "subscribe"
	case OpSchema:
		return "schema"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Permission returns the ACL bit guarding the operation. Listing and
// subscribing are reads.
func (o Operation) Permission() Permission {
	switch o {
	case OpCreate:
		return PermCreate
	case OpRead, OpList, OpSubscribe:
		return PermRead
	case OpUpdate:
		return PermUpdate
	case OpDelete:
		return PermDelete
	case OpSchema:
		return PermSchema
	default:
		return 0
	}
}

// RuleOperation folds operations sharing an access rule onto one key.
func (o Operation) RuleOperation() Operation {
	switch o {
	case OpList, OpSubscribe:
		return OpRead
	default:
		return o
	}
}
