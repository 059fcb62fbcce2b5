// Package orchestrator implements the multi-backend transactional
// orchestrator: the key lifecycle (C5) that keeps the secret-store cluster
// and the gateway fleet in a consistent state for a given user across
// concurrent administrative operations, with best-effort compensating
// rollback on partial failure, and the admin orchestrator (C6) that
// sequences identity-provider changes around key-lifecycle changes.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	controlplane "github.com/eumetnet/apikey-controlplane/internal"
	"github.com/eumetnet/apikey-controlplane/internal/fanout"
	"github.com/eumetnet/apikey-controlplane/internal/telemetry"
)

// GatewayClient is the subset of the gateway-instance client (C1) the
// orchestrator needs.
type GatewayClient interface {
	GetConsumer(ctx context.Context, username string) (*controlplane.Consumer, error)
	UpsertConsumer(ctx context.Context, c controlplane.Consumer) (*controlplane.Consumer, error)
	DeleteConsumer(ctx context.Context, c controlplane.Consumer) (*controlplane.Consumer, error)
}

// SecretClient is the subset of the secret-store-instance client (C2) the
// orchestrator needs.
type SecretClient interface {
	PutUser(ctx context.Context, id string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error)
	GetUser(ctx context.Context, id string) (*controlplane.KeyRecord, error)
	DeleteUser(ctx context.Context, prior controlplane.KeyRecord) (controlplane.KeyRecord, error)
}

// GatewayInstance names one gateway-fleet member.
type GatewayInstance struct {
	Name   string
	Client GatewayClient
}

// SecretInstance names one secret-store-cluster member.
type SecretInstance struct {
	Name   string
	Client SecretClient
}

// CombinedState is the result of a read-combined fan-out: one slot per
// configured instance of each backend, aligned to declared instance order.
// A nil slot means the record/consumer is absent on that instance.
type CombinedState struct {
	SecretRecords []*controlplane.KeyRecord
	Consumers     []*controlplane.Consumer
}

// HasAnySecretRecord reports whether any secret-store instance holds a
// record for this user.
func (s CombinedState) HasAnySecretRecord() bool {
	for _, r := range s.SecretRecords {
		if r != nil {
			return true
		}
	}
	return false
}

// HasAnyConsumer reports whether any gateway instance holds a consumer for
// this user.
func (s CombinedState) HasAnyConsumer() bool {
	for _, c := range s.Consumers {
		if c != nil {
			return true
		}
	}
	return false
}

// KeyLifecycle implements C5: reading and mutating a user's state across
// every secret-store and gateway instance, with compensating rollback on
// partial failure (the best-effort protocol in spec §4.5.4).
type KeyLifecycle struct {
	gatewayNames []string
	gateways     map[string]GatewayClient
	secretNames  []string
	secrets      map[string]SecretClient

	keyPath      string
	keyName      string
	secretPhrase string

	metrics *telemetry.Metrics
}

// SetMetrics attaches Prometheus counters for compensating-rollback
// outcomes. Optional; nil (the default) disables instrumentation.
func (kl *KeyLifecycle) SetMetrics(m *telemetry.Metrics) { kl.metrics = m }

// NewKeyLifecycle builds a KeyLifecycle over the given gateway and
// secret-store instances. keyPath/keyName form the key-auth indirection
// reference "<keyPath><username>/<keyName>"; secretPhrase is the input to
// the deterministic auth_key hash.
func NewKeyLifecycle(gateways []GatewayInstance, secrets []SecretInstance, keyPath, keyName, secretPhrase string) *KeyLifecycle {
	kl := &KeyLifecycle{
		gateways:     make(map[string]GatewayClient, len(gateways)),
		secrets:      make(map[string]SecretClient, len(secrets)),
		keyPath:      keyPath,
		keyName:      keyName,
		secretPhrase: secretPhrase,
	}
	for _, g := range gateways {
		kl.gatewayNames = append(kl.gatewayNames, g.Name)
		kl.gateways[g.Name] = g.Client
	}
	for _, s := range secrets {
		kl.secretNames = append(kl.secretNames, s.Name)
		kl.secrets[s.Name] = s.Client
	}
	return kl
}

// ReadCombined fans GetUser out over every secret-store instance and
// GetConsumer out over every gateway instance in parallel (spec §4.5.1).
// The first SecretError or GatewayError encountered is raised; absences
// (nil) are never errors.
func (kl *KeyLifecycle) ReadCombined(ctx context.Context, compactID string) (CombinedState, error) {
	secretOutcomes := fanout.Run(ctx, kl.secretNames, func(ctx context.Context, instance string) (*controlplane.KeyRecord, error) {
		return kl.secrets[instance].GetUser(ctx, compactID)
	})
	gwOutcomes := fanout.Run(ctx, kl.gatewayNames, func(ctx context.Context, instance string) (*controlplane.Consumer, error) {
		return kl.gateways[instance].GetConsumer(ctx, compactID)
	})
	recordFanoutOutcomes(kl.metrics, "secretstore", "GetUser", secretOutcomes)
	recordFanoutOutcomes(kl.metrics, "gateway", "GetConsumer", gwOutcomes)

	if err := fanout.FirstErr(secretOutcomes); err != nil {
		return CombinedState{}, err
	}
	if err := fanout.FirstErr(gwOutcomes); err != nil {
		return CombinedState{}, err
	}

	records := make([]*controlplane.KeyRecord, len(secretOutcomes))
	for i, o := range secretOutcomes {
		records[i] = o.Value
	}
	consumers := make([]*controlplane.Consumer, len(gwOutcomes))
	for i, o := range gwOutcomes {
		consumers[i] = o.Value
	}
	return CombinedState{SecretRecords: records, Consumers: consumers}, nil
}

// canonicalRecord picks the canonical KeyRecord for id: the first non-nil
// secret-store response in declared instance order, reused verbatim
// (invariant I-K); if none exists, a fresh one is derived.
func (kl *KeyLifecycle) canonicalRecord(id string, records []*controlplane.KeyRecord) controlplane.KeyRecord {
	for _, r := range records {
		if r != nil {
			return controlplane.KeyRecord{ID: id, AuthKey: r.AuthKey, Date: r.Date}
		}
	}
	date := controlplane.Today(time.Now())
	return controlplane.KeyRecord{ID: id, AuthKey: controlplane.HashAuthKey(date, id, kl.secretPhrase), Date: date}
}

func (kl *KeyLifecycle) keyAuthPlugins(username string) map[string]any {
	return map[string]any{
		"key-auth": map[string]any{
			"key": kl.keyPath + username + "/" + kl.keyName,
		},
	}
}

// CreateCombined builds (or reuses) the canonical KeyRecord for id and
// brings every secret-store instance missing it, and every gateway
// instance missing the consumer or disagreeing on group_id, into the
// desired state, concurrently (spec §4.5.2). desiredGroupID is
// GroupEumetnetUser if the caller belongs to it, or "" otherwise. On
// partial failure, the writes that succeeded are rolled back and the
// first error is returned.
func (kl *KeyLifecycle) CreateCombined(ctx context.Context, compactID, desiredGroupID string, state CombinedState) (controlplane.KeyRecord, error) {
	canonical := kl.canonicalRecord(compactID, state.SecretRecords)

	secretArgs := map[string]controlplane.KeyRecord{}
	for i, name := range kl.secretNames {
		if state.SecretRecords[i] == nil {
			secretArgs[name] = canonical
		}
	}
	gwArgs := map[string]controlplane.Consumer{}
	for i, name := range kl.gatewayNames {
		c := state.Consumers[i]
		if c == nil || c.GroupID != desiredGroupID {
			gwArgs[name] = controlplane.Consumer{
				Username: compactID,
				Plugins:  kl.keyAuthPlugins(compactID),
				GroupID:  desiredGroupID,
			}
		}
	}

	secretOutcomes := fanout.RunSubset(ctx, secretArgs, func(ctx context.Context, instance string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error) {
		return kl.secrets[instance].PutUser(ctx, compactID, rec)
	})
	gwOutcomes := fanout.RunSubset(ctx, gwArgs, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].UpsertConsumer(ctx, c)
	})
	recordFanoutOutcomes(kl.metrics, "secretstore", "PutUser", secretOutcomes)
	recordFanoutOutcomes(kl.metrics, "gateway", "UpsertConsumer", gwOutcomes)

	err := fanout.FirstErr(secretOutcomes)
	if err == nil {
		err = fanout.FirstErr(gwOutcomes)
	}
	if err != nil {
		kl.rollbackCreate(ctx, secretOutcomes, gwOutcomes)
		return controlplane.KeyRecord{}, err
	}
	return canonical, nil
}

// rollbackCreate undoes the puts and upserts that succeeded in a partially
// failed CreateCombined: successful puts are deleted, successful upserts
// are deleted. Runs concurrently; its own failures are logged at WARN and
// never raised (spec §4.5.4).
func (kl *KeyLifecycle) rollbackCreate(ctx context.Context, secretOutcomes []fanout.Outcome[controlplane.KeyRecord], gwOutcomes []fanout.Outcome[*controlplane.Consumer]) {
	secretUndo := map[string]controlplane.KeyRecord{}
	for _, o := range secretOutcomes {
		if o.Err == nil {
			secretUndo[o.Instance] = o.Value
		}
	}
	gwUndo := map[string]controlplane.Consumer{}
	for _, o := range gwOutcomes {
		if o.Err == nil && o.Value != nil {
			gwUndo[o.Instance] = *o.Value
		}
	}

	results := fanout.RunSubset(ctx, secretUndo, func(ctx context.Context, instance string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error) {
		return kl.secrets[instance].DeleteUser(ctx, rec)
	})
	logRollbackFailures(ctx, kl.metrics, "secretstore", "CREATE", results)

	gwResults := fanout.RunSubset(ctx, gwUndo, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].DeleteConsumer(ctx, c)
	})
	logRollbackFailures(ctx, kl.metrics, "gateway", "CREATE", gwResults)
}

// DeleteCombined removes the record from every secret-store instance that
// has it, and the consumer from every gateway instance that has it,
// concurrently (spec §4.5.3). On partial failure, the deletions that
// succeeded are rolled back by re-upserting the prior state.
func (kl *KeyLifecycle) DeleteCombined(ctx context.Context, compactID string, state CombinedState) error {
	secretArgs := map[string]controlplane.KeyRecord{}
	for i, name := range kl.secretNames {
		if state.SecretRecords[i] != nil {
			secretArgs[name] = *state.SecretRecords[i]
		}
	}
	gwArgs := map[string]controlplane.Consumer{}
	for i, name := range kl.gatewayNames {
		if state.Consumers[i] != nil {
			gwArgs[name] = *state.Consumers[i]
		}
	}

	secretOutcomes := fanout.RunSubset(ctx, secretArgs, func(ctx context.Context, instance string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error) {
		return kl.secrets[instance].DeleteUser(ctx, rec)
	})
	gwOutcomes := fanout.RunSubset(ctx, gwArgs, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].DeleteConsumer(ctx, c)
	})
	recordFanoutOutcomes(kl.metrics, "secretstore", "DeleteUser", secretOutcomes)
	recordFanoutOutcomes(kl.metrics, "gateway", "DeleteConsumer", gwOutcomes)

	err := fanout.FirstErr(secretOutcomes)
	if err == nil {
		err = fanout.FirstErr(gwOutcomes)
	}
	if err != nil {
		kl.rollbackDelete(ctx, secretOutcomes, gwOutcomes)
		return err
	}
	return nil
}

// rollbackDelete undoes the deletions that succeeded in a partially failed
// DeleteCombined by re-putting/re-upserting the prior record each delete
// echoed back (spec §4.5.4: "which is why deletion ops return the full
// record they removed").
func (kl *KeyLifecycle) rollbackDelete(ctx context.Context, secretOutcomes []fanout.Outcome[controlplane.KeyRecord], gwOutcomes []fanout.Outcome[*controlplane.Consumer]) {
	secretRestore := map[string]controlplane.KeyRecord{}
	for _, o := range secretOutcomes {
		if o.Err == nil {
			secretRestore[o.Instance] = o.Value
		}
	}
	gwRestore := map[string]controlplane.Consumer{}
	for _, o := range gwOutcomes {
		if o.Err == nil && o.Value != nil {
			gwRestore[o.Instance] = *o.Value
		}
	}

	results := fanout.RunSubset(ctx, secretRestore, func(ctx context.Context, instance string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error) {
		return kl.secrets[instance].PutUser(ctx, rec.ID, rec)
	})
	logRollbackFailures(ctx, kl.metrics, "secretstore", "DELETE", results)

	gwResults := fanout.RunSubset(ctx, gwRestore, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].UpsertConsumer(ctx, c)
	})
	logRollbackFailures(ctx, kl.metrics, "gateway", "DELETE", gwResults)
}

// RestoreState re-puts every non-nil secret record and re-upserts every
// non-nil consumer in state, unconditionally. Used by the admin
// orchestrator (C6) to undo a fully-successful DeleteCombined when the
// subsequent identity-provider step fails (spec §4.6 "compensate by
// restoring the key state that step 1 removed"). Best-effort: failures
// are logged, not raised.
func (kl *KeyLifecycle) RestoreState(ctx context.Context, state CombinedState) {
	secretArgs := map[string]controlplane.KeyRecord{}
	for i, name := range kl.secretNames {
		if state.SecretRecords[i] != nil {
			secretArgs[name] = *state.SecretRecords[i]
		}
	}
	gwArgs := map[string]controlplane.Consumer{}
	for i, name := range kl.gatewayNames {
		if state.Consumers[i] != nil {
			gwArgs[name] = *state.Consumers[i]
		}
	}

	results := fanout.RunSubset(ctx, secretArgs, func(ctx context.Context, instance string, rec controlplane.KeyRecord) (controlplane.KeyRecord, error) {
		return kl.secrets[instance].PutUser(ctx, rec.ID, rec)
	})
	logRollbackFailures(ctx, kl.metrics, "secretstore", "DELETE", results)

	gwResults := fanout.RunSubset(ctx, gwArgs, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].UpsertConsumer(ctx, c)
	})
	logRollbackFailures(ctx, kl.metrics, "gateway", "DELETE", gwResults)
}

// UpsertGroupAcrossGateways upserts a consumer with the given desired
// group id onto every gateway instance (not just the ones that already
// have a consumer, so a skewed instance is brought into parity too). Used
// by the admin orchestrator's group-modification flow (spec §4.6 step 4).
func (kl *KeyLifecycle) UpsertGroupAcrossGateways(ctx context.Context, compactID, desiredGroupID string) []fanout.Outcome[*controlplane.Consumer] {
	args := map[string]controlplane.Consumer{}
	for _, name := range kl.gatewayNames {
		args[name] = controlplane.Consumer{
			Username: compactID,
			Plugins:  kl.keyAuthPlugins(compactID),
			GroupID:  desiredGroupID,
		}
	}
	return fanout.RunSubset(ctx, args, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].UpsertConsumer(ctx, c)
	})
}

// RollbackGroupUpsert reverses a partially failed UpsertGroupAcrossGateways:
// instances that succeeded where no prior consumer existed are deleted;
// instances that succeeded where a prior consumer existed are re-upserted
// to their prior state (spec §4.6 step 5). priorByName maps instance name
// to the consumer observed before the upsert (nil if none existed).
func (kl *KeyLifecycle) RollbackGroupUpsert(ctx context.Context, priorByName map[string]*controlplane.Consumer, outcomes []fanout.Outcome[*controlplane.Consumer]) {
	deleteArgs := map[string]controlplane.Consumer{}
	restoreArgs := map[string]controlplane.Consumer{}
	for _, o := range outcomes {
		if o.Err != nil || o.Value == nil {
			continue
		}
		if prior, ok := priorByName[o.Instance]; ok && prior != nil {
			restoreArgs[o.Instance] = *prior
		} else {
			deleteArgs[o.Instance] = *o.Value
		}
	}

	delResults := fanout.RunSubset(ctx, deleteArgs, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].DeleteConsumer(ctx, c)
	})
	logRollbackFailures(ctx, kl.metrics, "gateway", "GROUP", delResults)

	restoreResults := fanout.RunSubset(ctx, restoreArgs, func(ctx context.Context, instance string, c controlplane.Consumer) (*controlplane.Consumer, error) {
		return kl.gateways[instance].UpsertConsumer(ctx, c)
	})
	logRollbackFailures(ctx, kl.metrics, "gateway", "GROUP", restoreResults)
}

// GatewayNames returns the configured gateway instance names in declared
// order.
func (kl *KeyLifecycle) GatewayNames() []string { return kl.gatewayNames }

// recordFanoutOutcomes publishes the per-instance result of one fan-out
// round (spec §4.5.1/.2/.3) to the outcome counter, labeled by backend,
// operation and result.
func recordFanoutOutcomes[T any](metrics *telemetry.Metrics, backend, op string, outcomes []fanout.Outcome[T]) {
	if metrics == nil {
		return
	}
	for _, o := range outcomes {
		result := "ok"
		if o.Err != nil {
			result = "error"
		}
		metrics.FanoutOutcomes.WithLabelValues(backend, op, result).Inc()
	}
}

func logRollbackFailures[T any](ctx context.Context, metrics *telemetry.Metrics, backend, direction string, outcomes []fanout.Outcome[T]) {
	for _, o := range outcomes {
		if metrics != nil {
			metrics.RollbacksTotal.WithLabelValues(backend, direction).Inc()
		}
		if o.Err != nil {
			slog.WarnContext(ctx, "compensation failed, will converge on next successful call",
				"backend", backend, "direction", direction, "instance", o.Instance, "error", o.Err)
			if metrics != nil {
				metrics.RollbackFailures.WithLabelValues(backend, direction).Inc()
			}
		}
	}
}
