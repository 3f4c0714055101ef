package orchestrator

import (
	"context"

	"github.com/gymbro/garmin-sync/internal/ingest"
	"github.com/gymbro/garmin-sync/internal/provider"
)

// ProviderOpener adapts the provider client to SessionOpener.
type ProviderOpener struct {
	Client *provider.Client
	Creds  provider.CredentialSource
	Key    []byte
}

func (p *ProviderOpener) Open(ctx context.Context, userID string) (ingest.Session, error) {
	session, err := p.Client.OpenSession(ctx, userID, p.Creds, p.Key)
	if err != nil {
		return nil, err
	}
	if session == nil {
		// Keep the interface nil rather than a typed nil pointer.
		return nil, nil
	}
	return session, nil
}
