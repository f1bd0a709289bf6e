package registry

import (
	"context"
	"errors"
	"fmt"

	"ecobin/internal/services"
)

// LinkResult describes a completed credential rebind.
type LinkResult struct {
	UserID       string
	CredentialID string
	Previous     string
}

// Resolve maps a presented credential to its user. It returns an
// ErrCredentialUnknown-tagged error when no user holds the credential,
// including when the index points at a user that no longer exists.
func Resolve(ctx context.Context, reg Registry, credentialID string) (*User, error) {
	userID, err := reg.GetBinding(ctx, credentialID)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "registry", "get_binding", "lookup credential", err)
	}
	if userID == "" {
		return nil, services.Wrap(services.ErrCredentialUnknown, "registry", "resolve", fmt.Sprintf("credential %s not registered", credentialID), nil)
	}
	user, err := reg.GetUser(ctx, userID)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "registry", "get_user", "load bound user", err)
	}
	if user == nil {
		return nil, services.Wrap(services.ErrCredentialUnknown, "registry", "resolve", fmt.Sprintf("credential %s bound to missing user %s", credentialID, userID), nil)
	}
	return user, nil
}

// Link binds credentialID to userID. A credential bound to a different user
// fails with ErrCredentialConflict and leaves every binding untouched.
// Backends implementing CredentialLinker perform the rebind atomically;
// otherwise the individual collaborator calls are sequenced.
func Link(ctx context.Context, reg Registry, credentialID, userID string) (LinkResult, error) {
	if linker, ok := reg.(CredentialLinker); ok {
		previous, err := linker.LinkCredential(ctx, credentialID, userID)
		if err != nil {
			return LinkResult{}, classifyLinkError(err)
		}
		return LinkResult{UserID: userID, CredentialID: credentialID, Previous: previous}, nil
	}

	owner, err := reg.GetBinding(ctx, credentialID)
	if err != nil {
		return LinkResult{}, services.Wrap(services.ErrPersistence, "registry", "link", "lookup credential", err)
	}
	if owner != "" && owner != userID {
		return LinkResult{}, conflictError(credentialID, owner)
	}
	user, err := reg.GetUser(ctx, userID)
	if err != nil {
		return LinkResult{}, services.Wrap(services.ErrPersistence, "registry", "link", "load user", err)
	}
	if user == nil {
		return LinkResult{}, services.Wrap(services.ErrNotFound, "registry", "link", fmt.Sprintf("user %s", userID), nil)
	}

	previous := user.CredentialID
	if err := reg.SetUserCredential(ctx, userID, credentialID); err != nil {
		return LinkResult{}, services.Wrap(services.ErrPersistence, "registry", "link", "update user", err)
	}
	if previous != "" && previous != credentialID {
		if err := reg.DeleteBinding(ctx, previous); err != nil {
			return LinkResult{}, services.Wrap(services.ErrPersistence, "registry", "link", "remove previous binding", err)
		}
	}
	if err := reg.SetBinding(ctx, credentialID, userID); err != nil {
		return LinkResult{}, services.Wrap(services.ErrPersistence, "registry", "link", "install binding", err)
	}
	return LinkResult{UserID: userID, CredentialID: credentialID, Previous: previous}, nil
}

func conflictError(credentialID, owner string) error {
	return services.Wrap(services.ErrCredentialConflict, "registry", "link",
		fmt.Sprintf("credential %s already bound to user %s", credentialID, owner), nil)
}

func classifyLinkError(err error) error {
	switch {
	case errors.Is(err, services.ErrCredentialConflict), errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrPersistence):
		return err
	default:
		return services.Wrap(services.ErrPersistence, "registry", "link", "rebind credential", err)
	}
}
