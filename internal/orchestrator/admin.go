package orchestrator

import (
	"context"
	"log/slog"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
	"github.com/eumetnet/apikey-controlplane/internal/fanout"
	"github.com/eumetnet/apikey-controlplane/internal/identity"
)

// IdentityClient is the subset of the identity-provider client (C3) the
// admin orchestrator needs.
type IdentityClient interface {
	GetUser(ctx context.Context, id string) (*identity.User, error)
	UpdateUser(ctx context.Context, id string, u identity.User) error
	DeleteUser(ctx context.Context, id string) error
	ListGroups(ctx context.Context) ([]identity.Group, error)
	AddUserToGroup(ctx context.Context, userID, groupID string) error
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) error
}

// Admin implements C6: delete/disable/enable a user and modify group
// membership, sequencing identity-provider changes before/after
// key-lifecycle changes and rolling back on failure.
type Admin struct {
	Keys     *KeyLifecycle
	Identity IdentityClient
}

// NewAdmin builds an Admin orchestrator over the given key lifecycle and
// identity-provider client.
func NewAdmin(keys *KeyLifecycle, idp IdentityClient) *Admin {
	return &Admin{Keys: keys, Identity: idp}
}

// Delete removes the user's key state (if any) across every backend, then
// deletes the identity-provider user. On identity-provider failure, the
// key state is restored and the error is surfaced (spec §4.6 "Delete").
func (a *Admin) Delete(ctx context.Context, uuid string) error {
	return a.removeKeyStateThen(ctx, uuid, func(ctx context.Context) error {
		return a.Identity.DeleteUser(ctx, uuid)
	})
}

// Disable removes the user's key state (if any) across every backend,
// then disables the identity-provider user. On identity-provider failure,
// the key state is restored and the error is surfaced (spec §4.6
// "Delete/disable").
func (a *Admin) Disable(ctx context.Context, uuid string) error {
	return a.removeKeyStateThen(ctx, uuid, func(ctx context.Context) error {
		return a.setEnabled(ctx, uuid, false)
	})
}

// Enable flips the identity-provider user to enabled. No key state is
// touched (spec §4.6 "Enable").
func (a *Admin) Enable(ctx context.Context, uuid string) error {
	return a.setEnabled(ctx, uuid, true)
}

func (a *Admin) setEnabled(ctx context.Context, uuid string, enabled bool) error {
	u, err := a.Identity.GetUser(ctx, uuid)
	if err != nil {
		return err
	}
	if u == nil {
		return controlplane.ErrUserNotFound
	}
	u.Enabled = enabled
	return a.Identity.UpdateUser(ctx, uuid, *u)
}

// removeKeyStateThen reads the user's combined key state, deletes it (if
// any is present) across every backend, then runs identityOp. If
// identityOp fails, the just-deleted key state is restored before the
// error is surfaced.
func (a *Admin) removeKeyStateThen(ctx context.Context, uuid string, identityOp func(context.Context) error) error {
	compact := controlplane.CompactUUID(uuid)
	state, err := a.Keys.ReadCombined(ctx, compact)
	if err != nil {
		return err
	}
	hasState := state.HasAnySecretRecord() || state.HasAnyConsumer()
	if hasState {
		if err := a.Keys.DeleteCombined(ctx, compact, state); err != nil {
			return err
		}
	}

	if err := identityOp(ctx); err != nil {
		if hasState {
			a.Keys.RestoreState(ctx, state)
		}
		return err
	}
	return nil
}

// ModifyGroup resolves the named group, applies the membership change
// (add or remove) on the identity provider, and — for EUMETNET_USER only
// — recomputes and upserts the user's gateway group_id across every
// gateway instance. On gateway failure, both the membership change and
// the consumer upserts are reversed (spec §4.6 "Modify group").
func (a *Admin) ModifyGroup(ctx context.Context, uuid, groupName string, add bool) error {
	groups, err := a.Identity.ListGroups(ctx)
	if err != nil {
		return err
	}
	group := findGroup(groups, groupName)
	if group == nil {
		return controlplane.ErrGroupNotFound
	}

	u, err := a.Identity.GetUser(ctx, uuid)
	if err != nil {
		return err
	}
	if u == nil {
		return controlplane.ErrUserNotFound
	}

	if add {
		err = a.Identity.AddUserToGroup(ctx, uuid, group.ID)
	} else {
		err = a.Identity.RemoveUserFromGroup(ctx, uuid, group.ID)
	}
	if err != nil {
		return err
	}

	// Only EUMETNET_USER membership changes affect the gateway's group_id;
	// ADMIN/USER membership is identity-provider-only (spec §4.6 final
	// paragraph).
	if groupName != controlplane.GroupEumetnetUser {
		return nil
	}

	compact := controlplane.CompactUUID(uuid)
	state, err := a.Keys.ReadCombined(ctx, compact)
	if err != nil {
		return err
	}
	if !state.HasAnyConsumer() {
		return nil
	}

	desiredGroupID := ""
	if add {
		desiredGroupID = controlplane.GroupEumetnetUser
	}

	priorByName := map[string]*controlplane.Consumer{}
	for i, name := range a.Keys.GatewayNames() {
		priorByName[name] = state.Consumers[i]
	}

	outcomes := a.Keys.UpsertGroupAcrossGateways(ctx, compact, desiredGroupID)
	if gwErr := fanout.FirstErr(outcomes); gwErr != nil {
		// Reverse the membership change. Best-effort: the gateway error is
		// what the caller sees regardless of whether this reversal itself
		// succeeds.
		if add {
			if err := a.Identity.RemoveUserFromGroup(ctx, uuid, group.ID); err != nil {
				slog.WarnContext(ctx, "failed to reverse group membership change after gateway failure",
					"uuid", uuid, "group", groupName, "error", err)
			}
		} else {
			if err := a.Identity.AddUserToGroup(ctx, uuid, group.ID); err != nil {
				slog.WarnContext(ctx, "failed to reverse group membership change after gateway failure",
					"uuid", uuid, "group", groupName, "error", err)
			}
		}
		a.Keys.RollbackGroupUpsert(ctx, priorByName, outcomes)
		return gwErr
	}
	return nil
}

func findGroup(groups []identity.Group, name string) *identity.Group {
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i]
		}
	}
	return nil
}
