package types

// Identity is a resolved caller. Ref is the opaque reference presented by the
// caller (bearer token subject); ID is the stable identifier owner fields on
// records point at.
type Identity struct {
	ID    string
	Ref   string
	Email string
	Roles []string
}
