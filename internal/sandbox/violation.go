package sandbox

import "fmt"

// ViolationKind categorizes a denied sandbox operation.
type ViolationKind string

const (
	ForbiddenImport     ViolationKind = "forbidden-import"
	ForbiddenEval       ViolationKind = "forbidden-eval"
	ForbiddenFileAccess ViolationKind = "forbidden-file-access"
	ResourceLimit       ViolationKind = "resource-limit"
)

// Violation is a denied operation attempted by isolated code. Given
// identical code and identical inputs the same violation is produced every
// time; the verdict never depends on host environment state.
type Violation struct {
	Kind   ViolationKind
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("sandbox violation (%s): %s", v.Kind, v.Detail)
}

func violationf(kind ViolationKind, format string, args ...any) *Violation {
	return &Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
