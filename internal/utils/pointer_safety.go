package utils

func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

func Ptr[T any](v T) *T {
	return &v
}

// ValueOr dereferences v, falling back to def when v is nil or points at the
// zero value. Used for optional fields a backend may omit (rotated refresh
// tokens).
func ValueOr[T comparable](v *T, def T) T {
	if v == nil || *v == *new(T) {
		return def
	}
	return *v
}
