package emqx

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/austinmesh/bridger/internal/meshid"
	"github.com/austinmesh/bridger/internal/metrics"
)

// PasswordLength is the generated gateway credential length.
const PasswordLength = 10

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// gatewayUserPattern matches broker users provisioned by the bridge:
// "<owner_id>-<8 hex chars>". Anything else in the user database is not
// a gateway.
var gatewayUserPattern = regexp.MustCompile(`^([0-9]+)-([0-9a-fA-F]{8})$`)

// GatewayRecord identifies one provisioned gateway: its mesh node and
// the chat account that owns it.
type GatewayRecord struct {
	NodeID  uint32
	OwnerID uint64
}

// UserString is the broker username for the record.
func (g GatewayRecord) UserString() string {
	return fmt.Sprintf("%d-%s", g.OwnerID, meshid.HexWithoutBang(g.NodeID))
}

// HexID is the canonical "!xxxxxxxx" form of the node.
func (g GatewayRecord) HexID() string { return meshid.HexWithBang(g.NodeID) }

// GatewayError wraps a provisioning failure together with the derived
// record, so callers can still show which gateway was involved.
type GatewayError struct {
	Gateway GatewayRecord
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Gateway.HexID(), e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ErrGatewayNotFound is returned when no broker user matches the node.
var ErrGatewayNotFound = errors.New("gateway not found")

// Manager provisions gateway credentials and ACL rules on the broker.
type Manager struct {
	client    *Client
	baseTopic string
	log       *zap.Logger
}

// NewManager builds a manager scoped to baseTopic, the ingest
// subscription topic; a trailing "/#" wildcard is stripped before rules
// are derived from it.
func NewManager(client *Client, baseTopic string, log *zap.Logger) *Manager {
	return &Manager{
		client:    client,
		baseTopic: strings.TrimSuffix(baseTopic, "/#"),
		log:       log,
	}
}

// rulesFor builds the single ACL entry a gateway gets: full access to
// its own id under any channel of the base topic.
func (m *Manager) rulesFor(record GatewayRecord) UserRules {
	return UserRules{
		Username: record.UserString(),
		Rules: []Rule{{
			Action:     "all",
			Topic:      fmt.Sprintf("%s/+/%s", m.baseTopic, record.HexID()),
			Permission: "allow",
		}},
	}
}

// CreateGateway provisions a broker user and its ACL rule, returning
// the record and the generated password. A 400 from user creation means
// the gateway already exists.
func (m *Manager) CreateGateway(ctx context.Context, gatewayID string, ownerID uint64) (GatewayRecord, string, error) {
	nodeID, err := meshid.Parse(gatewayID)
	if err != nil {
		return GatewayRecord{}, "", err
	}
	record := GatewayRecord{NodeID: nodeID, OwnerID: ownerID}
	password, err := generatePassword()
	if err != nil {
		return record, "", err
	}

	if err := m.client.CreateUser(ctx, AuthenticationID, record.UserString(), password); err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues("create", "error").Inc()
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return record, "", &GatewayError{Gateway: record, Err: fmt.Errorf("already exists: %w", err)}
		}
		return record, "", &GatewayError{Gateway: record, Err: err}
	}
	if err := m.client.PutUserRules(ctx, m.rulesFor(record)); err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues("create", "error").Inc()
		return record, "", &GatewayError{Gateway: record, Err: err}
	}

	metrics.GatewayOperationsTotal.WithLabelValues("create", "ok").Inc()
	m.log.Info("created gateway user",
		zap.String("user", record.UserString()),
		zap.String("gateway", record.HexID()))
	return record, password, nil
}

// DeleteGateway removes a gateway's broker user and its ACL rules.
func (m *Manager) DeleteGateway(ctx context.Context, gatewayID string) error {
	record, err := m.GetGateway(ctx, gatewayID)
	if err != nil {
		return err
	}
	if err := m.client.DeleteUser(ctx, AuthenticationID, record.UserString()); err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues("delete", "error").Inc()
		return &GatewayError{Gateway: record, Err: err}
	}
	if err := m.client.DeleteUserRules(ctx, record.UserString()); err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues("delete", "error").Inc()
		return &GatewayError{Gateway: record, Err: err}
	}
	metrics.GatewayOperationsTotal.WithLabelValues("delete", "ok").Inc()
	m.log.Info("deleted gateway user", zap.String("user", record.UserString()))
	return nil
}

// ListGateways returns every broker user that matches the gateway
// naming pattern; other users are ignored.
func (m *Manager) ListGateways(ctx context.Context) ([]GatewayRecord, error) {
	users, err := m.client.ListUsers(ctx, AuthenticationID)
	if err != nil {
		return nil, err
	}
	var records []GatewayRecord
	for _, u := range users {
		match := gatewayUserPattern.FindStringSubmatch(u.UserID)
		if match == nil {
			continue
		}
		ownerID, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		nodeID, err := meshid.Parse(match[2])
		if err != nil {
			continue
		}
		records = append(records, GatewayRecord{NodeID: nodeID, OwnerID: ownerID})
	}
	return records, nil
}

// GetGateway finds the record for a node id among the broker's users.
func (m *Manager) GetGateway(ctx context.Context, gatewayID string) (GatewayRecord, error) {
	nodeID, err := meshid.Parse(gatewayID)
	if err != nil {
		return GatewayRecord{}, err
	}
	records, err := m.ListGateways(ctx)
	if err != nil {
		return GatewayRecord{}, err
	}
	for _, record := range records {
		if record.NodeID == nodeID {
			return record, nil
		}
	}
	return GatewayRecord{}, ErrGatewayNotFound
}

// ResetPassword generates a fresh credential for an existing gateway.
func (m *Manager) ResetPassword(ctx context.Context, gatewayID string) (GatewayRecord, string, error) {
	record, err := m.GetGateway(ctx, gatewayID)
	if err != nil {
		return GatewayRecord{}, "", err
	}
	password, err := generatePassword()
	if err != nil {
		return record, "", err
	}
	if err := m.client.UpdateUserPassword(ctx, AuthenticationID, record.UserString(), password); err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues("reset_password", "error").Inc()
		return record, "", &GatewayError{Gateway: record, Err: err}
	}
	metrics.GatewayOperationsTotal.WithLabelValues("reset_password", "ok").Inc()
	return record, password, nil
}

// UpdateRules rewrites a gateway's ACL rules from the current base
// topic, for when the topic layout changes after provisioning.
func (m *Manager) UpdateRules(ctx context.Context, gatewayID string) error {
	record, err := m.GetGateway(ctx, gatewayID)
	if err != nil {
		return err
	}
	if err := m.client.DeleteUserRules(ctx, record.UserString()); err != nil {
		// A gateway without rules is fine; recreate below.
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			metrics.GatewayOperationsTotal.WithLabelValues("update_rules", "error").Inc()
			return &GatewayError{Gateway: record, Err: err}
		}
	}
	if err := m.client.PutUserRules(ctx, m.rulesFor(record)); err != nil {
		metrics.GatewayOperationsTotal.WithLabelValues("update_rules", "error").Inc()
		return &GatewayError{Gateway: record, Err: err}
	}
	metrics.GatewayOperationsTotal.WithLabelValues("update_rules", "ok").Inc()
	return nil
}

func generatePassword() (string, error) {
	out := make([]byte, PasswordLength)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
