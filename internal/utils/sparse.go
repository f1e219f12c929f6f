package utils

// Ptr returns a pointer to v. Handy for building sparse update structs.
func Ptr[T any](v T) *T {
	return &v
}

// Override copies *src into *dst when src is set, the field-by-field building
// block for applying sparse updates.
func Override[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
