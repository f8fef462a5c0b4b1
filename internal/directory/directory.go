// Package directory captures the interface the lookup endpoint needs
// against a contact directory. Directory CRUD and any concrete backing
// store (LDAP or otherwise) are out of scope for this service; only the
// collaborator boundary is implemented here.
package directory

import "context"

// Lookup resolves a caller-id number to a display name.
type Lookup interface {
	Lookup(ctx context.Context, e164 string) (name string, ok bool, err error)
}

// NoopLookup never resolves a name. It satisfies Lookup so the HTTP
// surface has a collaborator to call even when no directory is wired in.
type NoopLookup struct{}

func (NoopLookup) Lookup(ctx context.Context, e164 string) (string, bool, error) {
	return "", false, nil
}

var _ Lookup = NoopLookup{}
