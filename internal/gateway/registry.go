package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/crypto/bcrypt"

	"github.com/minasoft/abdm-relay/internal/db"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

var (
	ErrInvalidCredentials = errors.New("invalid client credentials")
	ErrBridgeNotFound     = errors.New("bridge not found")
)

// Registry authenticates clients, issues session tokens and holds bridge
// registrations keyed by bridge ID.
type Registry struct {
	bridges   jetstream.KeyValue
	clients   jetstream.KeyValue
	jwtSecret []byte
	jwtExpiry time.Duration
}

func NewRegistry(ctx context.Context, js jetstream.JetStream, jwtSecret string, jwtExpiry time.Duration) (*Registry, error) {
	bridges, err := js.KeyValue(ctx, natsstore.BridgesBucket)
	if err != nil {
		return nil, fmt.Errorf("bridges KV could not be opened: %w", err)
	}
	clients, err := js.KeyValue(ctx, natsstore.ClientsBucket)
	if err != nil {
		return nil, fmt.Errorf("clients KV could not be opened: %w", err)
	}
	return &Registry{
		bridges:   bridges,
		clients:   clients,
		jwtSecret: []byte(jwtSecret),
		jwtExpiry: jwtExpiry,
	}, nil
}

// SeedClients stores bcrypt hashes for the configured client credentials.
// Existing entries are overwritten so secret rotation is a config change.
func (r *Registry) SeedClients(ctx context.Context, credentials map[string]string) error {
	for clientID, secret := range credentials {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("credential hash failed for %s: %w", clientID, err)
		}
		if _, err := r.clients.Put(ctx, clientID, hash); err != nil {
			return fmt.Errorf("client %s could not be stored: %w", clientID, err)
		}
	}
	slog.Info("Client credentials seeded", "count", len(credentials))
	return nil
}

type Session struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

// Authenticate validates the presented credentials against the stored hash
// and issues a short-lived bearer token. Renewal is the caller's job; the
// registry never refreshes silently.
func (r *Registry) Authenticate(ctx context.Context, clientID, clientSecret, cmID string) (*Session, error) {
	entry, err := r.clients.Get(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(entry.Value(), []byte(clientSecret)) != nil {
		return nil, ErrInvalidCredentials
	}

	expiry := r.jwtExpiry
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"clientId": clientID,
		"cmId":     cmID,
		"exp":      time.Now().Add(expiry).Unix(),
	})
	signed, err := token.SignedString(r.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("token could not be signed: %w", err)
	}

	return &Session{
		AccessToken: signed,
		ExpiresIn:   int(expiry.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

// VerifyToken parses and validates a bearer token, returning the client ID.
func (r *Registry) VerifyToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	clientID, _ := claims["clientId"].(string)
	return clientID, nil
}

// Register upserts a bridge registration keyed on bridge ID. Re-registering
// updates the mutable fields instead of creating a duplicate entry; the
// first registration seeds the bridge's service catalogue.
func (r *Registry) Register(ctx context.Context, bridgeID, role, name, callbackURL string) (*db.BridgeRegistration, error) {
	now := time.Now()

	existing, err := r.Lookup(ctx, bridgeID)
	if err == nil {
		if role != "" {
			existing.Role = role
		}
		if name != "" {
			existing.Name = name
		}
		if callbackURL != "" {
			existing.CallbackURL = callbackURL
		}
		existing.UpdatedAt = now
		if err := r.putBridge(ctx, existing); err != nil {
			return nil, err
		}
		slog.Info("Bridge registration updated", "bridgeId", bridgeID, "role", existing.Role)
		return existing, nil
	}

	reg := &db.BridgeRegistration{
		BridgeID:     bridgeID,
		Role:         role,
		Name:         name,
		CallbackURL:  callbackURL,
		RegisteredAt: now,
		UpdatedAt:    now,
		Services: []db.BridgeService{
			{ID: bridgeID + "-svc-1", Name: "Service-1", Active: true, Version: "v1"},
			{ID: bridgeID + "-svc-2", Name: "Service-2", Active: true, Version: "v1"},
		},
	}
	if err := r.putBridge(ctx, reg); err != nil {
		return nil, err
	}
	slog.Info("Bridge registered", "bridgeId", bridgeID, "role", role)
	return reg, nil
}

// UpdateURL changes the callback URL of an existing bridge.
func (r *Registry) UpdateURL(ctx context.Context, bridgeID, callbackURL string) (*db.BridgeRegistration, error) {
	reg, err := r.Lookup(ctx, bridgeID)
	if err != nil {
		return nil, err
	}
	reg.CallbackURL = callbackURL
	reg.UpdatedAt = time.Now()
	if err := r.putBridge(ctx, reg); err != nil {
		return nil, err
	}
	slog.Info("Bridge callback URL updated", "bridgeId", bridgeID, "callbackUrl", callbackURL)
	return reg, nil
}

// Lookup resolves a bridge registration. Pure read.
func (r *Registry) Lookup(ctx context.Context, bridgeID string) (*db.BridgeRegistration, error) {
	entry, err := r.bridges.Get(ctx, bridgeID)
	if err != nil {
		return nil, ErrBridgeNotFound
	}
	var reg db.BridgeRegistration
	if err := json.Unmarshal(entry.Value(), &reg); err != nil {
		return nil, fmt.Errorf("bridge entry could not be parsed: %w", err)
	}
	return &reg, nil
}

// Services returns the service catalogue of a bridge.
func (r *Registry) Services(ctx context.Context, bridgeID string) ([]db.BridgeService, error) {
	reg, err := r.Lookup(ctx, bridgeID)
	if err != nil {
		return nil, err
	}
	return reg.Services, nil
}

// AddService appends a service entry to an existing bridge.
func (r *Registry) AddService(ctx context.Context, bridgeID string, svc db.BridgeService) (*db.BridgeService, error) {
	reg, err := r.Lookup(ctx, bridgeID)
	if err != nil {
		return nil, err
	}
	if svc.ID == "" {
		svc.ID = fmt.Sprintf("%s-svc-%d", bridgeID, len(reg.Services)+1)
	}
	if svc.Version == "" {
		svc.Version = "v1"
	}
	svc.Active = true
	reg.Services = append(reg.Services, svc)
	reg.UpdatedAt = time.Now()
	if err := r.putBridge(ctx, reg); err != nil {
		return nil, err
	}
	return &svc, nil
}

// All lists every registered bridge.
func (r *Registry) All(ctx context.Context) ([]*db.BridgeRegistration, error) {
	keys, err := r.bridges.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	var regs []*db.BridgeRegistration
	for _, key := range keys {
		reg, err := r.Lookup(ctx, key)
		if err != nil {
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (r *Registry) putBridge(ctx context.Context, reg *db.BridgeRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("bridge entry could not be serialized: %w", err)
	}
	if _, err := r.bridges.Put(ctx, reg.BridgeID, data); err != nil {
		return fmt.Errorf("bridge entry could not be stored: %w", err)
	}
	return nil
}
