package typing

// Unit is the value-less result of side-effecting steps.
type Unit = struct{}
