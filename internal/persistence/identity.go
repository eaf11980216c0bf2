package persistence

import (
	"context"

	"github.com/supabase-community/supabase-go"

	"github.com/2lar/mapsync/internal/realtime"
	pkgerrors "github.com/2lar/mapsync/pkg/errors"
)

// SupabaseAuthenticator validates connection tokens against the hosted
// identity provider. Credential mechanics stay external: we only consume the
// opaque user ID and display name the provider returns.
type SupabaseAuthenticator struct {
	client *supabase.Client
}

// NewSupabaseAuthenticator creates an authenticator over the shared client.
func NewSupabaseAuthenticator(client *supabase.Client) *SupabaseAuthenticator {
	return &SupabaseAuthenticator{client: client}
}

// Authenticate implements realtime.Authenticator.
func (a *SupabaseAuthenticator) Authenticate(ctx context.Context, token string) (realtime.Identity, error) {
	user, err := a.client.Auth.WithToken(token).GetUser()
	if err != nil {
		return realtime.Identity{}, pkgerrors.NewValidation("invalid token")
	}

	name := metadataString(user.UserMetadata, "name")
	if name == "" {
		name = metadataString(user.UserMetadata, "full_name")
	}
	if name == "" {
		name = user.Email
	}

	return realtime.Identity{
		UserID:      user.ID.String(),
		DisplayName: name,
	}, nil
}

func metadataString(metadata map[string]interface{}, key string) string {
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}
