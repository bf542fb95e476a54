package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error values; the core runs before (and underneath) the Go
// allocator so it cannot construct errors with errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
