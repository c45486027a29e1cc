// Package gateway reaches the primary verification sources through a single
// aggregation service: practitioner identity, the NPI registry, state license
// boards, and federal exclusion lists.
package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

// Client is how workflows reach primary sources. Errors are transport-level;
// a source that answers "no match" is a successful call with a negative
// result, never an error.
type Client interface {
	// Search runs a registry-style lookup. Supported kinds are identity,
	// registry and sanctions; license lookups go through VerifyLicense.
	Search(ctx context.Context, req schemas.SearchRequest) (*schemas.GatewayResult, error)
	// VerifyLicense addresses one license on its issuing state board.
	VerifyLicense(ctx context.Context, q schemas.LicenseQuery) (*schemas.GatewayResult, error)
}

// New builds the client selected by the gateway mode.
func New(cfg config.GatewayConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Mode {
	case "live":
		return NewHTTPClient(cfg, logger)
	case "replay":
		return NewReplay(cfg, logger)
	default:
		return nil, fmt.Errorf("gateway: unknown mode %q", cfg.Mode)
	}
}
