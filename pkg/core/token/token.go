// Package token mints room-join credentials for session participants.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// ErrIssuance marks a failed token mint.
var ErrIssuance = errors.New("token issuance failed")

// Grant describes one participant credential.
type Grant struct {
	Room     string
	Identity string
	Name     string
	// Agent participants may publish data but the flag is kept explicit.
	CanPublishData bool
	Metadata       string
}

// Issuer mints scoped room-join tokens.
type Issuer interface {
	Issue(ctx context.Context, g Grant) (string, error)
}

// LiveKitIssuer signs LiveKit access tokens with an API key and secret.
type LiveKitIssuer struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
}

func NewLiveKitIssuer(apiKey, apiSecret string, ttl time.Duration) *LiveKitIssuer {
	return &LiveKitIssuer{APIKey: apiKey, APISecret: apiSecret, TTL: ttl}
}

func (i *LiveKitIssuer) Issue(_ context.Context, g Grant) (string, error) {
	if i == nil || i.APIKey == "" || i.APISecret == "" {
		return "", fmt.Errorf("%w: livekit credentials are not configured", ErrIssuance)
	}
	if g.Room == "" || g.Identity == "" {
		return "", fmt.Errorf("%w: room and identity are required", ErrIssuance)
	}

	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     g.Room,
	}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)
	grant.SetCanPublishData(g.CanPublishData)

	at := auth.NewAccessToken(i.APIKey, i.APISecret).
		SetVideoGrant(grant).
		SetIdentity(g.Identity).
		SetName(g.Name)
	if g.Metadata != "" {
		at.SetMetadata(g.Metadata)
	}
	if i.TTL > 0 {
		at.SetValidFor(i.TTL)
	}

	jwt, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIssuance, err)
	}
	return jwt, nil
}

// Unconfigured always fails. It lets the gateway run without LiveKit
// credentials while keeping the degraded token path explicit.
type Unconfigured struct{}

func (Unconfigured) Issue(context.Context, Grant) (string, error) {
	return "", fmt.Errorf("%w: livekit credentials are not configured", ErrIssuance)
}
