package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/config"
)

//go:embed default_fixtures.yaml
var defaultFixtures []byte

// searchFixture answers Search calls. Empty fields match any request; the
// first fixture whose populated fields all match the request wins, so a
// kind-only fixture acts as a catch-all when listed last.
type searchFixture struct {
	Kind     schemas.ResultKind `yaml:"kind"`
	NPI      string             `yaml:"npi"`
	FullName string             `yaml:"full_name"`
	State    string             `yaml:"state"`
	Result   map[string]any     `yaml:"result"`
}

// licenseFixture answers VerifyLicense calls, matched the same way.
type licenseFixture struct {
	Number string         `yaml:"number"`
	State  string         `yaml:"state"`
	Result map[string]any `yaml:"result"`
}

type replayFixtures struct {
	Search   []searchFixture  `yaml:"search"`
	Licenses []licenseFixture `yaml:"licenses"`
}

// Replay serves canned gateway results from a YAML fixture file, standing in
// for the live aggregation service in demos and tests. A request no fixture
// matches is a transport error, the same failure surface a live outage has.
type Replay struct {
	fixtures replayFixtures
	logger   *zap.Logger
}

// NewReplay loads fixtures from cfg.FixturesPath. An empty path loads the
// embedded defaults.
func NewReplay(cfg config.GatewayConfig, logger *zap.Logger) (*Replay, error) {
	raw := defaultFixtures
	if cfg.FixturesPath != "" {
		var err error
		raw, err = os.ReadFile(cfg.FixturesPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: reading fixtures %s: %w", cfg.FixturesPath, err)
		}
	}

	var fixtures replayFixtures
	if err := yaml.Unmarshal(raw, &fixtures); err != nil {
		return nil, fmt.Errorf("gateway: decoding fixtures: %w", err)
	}

	return &Replay{
		fixtures: fixtures,
		logger:   logger.Named("gateway.replay"),
	}, nil
}

// Search implements Client.
func (r *Replay) Search(ctx context.Context, req schemas.SearchRequest) (*schemas.GatewayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, f := range r.fixtures.Search {
		if f.Kind != req.Kind {
			continue
		}
		if f.NPI != "" && f.NPI != req.NPI {
			continue
		}
		if f.FullName != "" && f.FullName != req.FullName {
			continue
		}
		if f.State != "" && f.State != req.State {
			continue
		}
		return r.materialize(req.Kind, f.Result)
	}

	return nil, fmt.Errorf("gateway: no %s fixture matches the request", req.Kind)
}

// VerifyLicense implements Client.
func (r *Replay) VerifyLicense(ctx context.Context, q schemas.LicenseQuery) (*schemas.GatewayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, f := range r.fixtures.Licenses {
		if f.Number != "" && f.Number != q.Number {
			continue
		}
		if f.State != "" && f.State != q.State {
			continue
		}
		return r.materialize(schemas.ResultLicense, f.Result)
	}

	return nil, fmt.Errorf("gateway: no license fixture matches %s %s", q.State, q.Number)
}

// materialize runs the fixture payload through the same decode path the live
// client uses, so replay results carry Raw bytes and typed payloads alike.
func (r *Replay) materialize(kind schemas.ResultKind, payload map[string]any) (*schemas.GatewayResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: fixture payload for %s does not serialize: %w", kind, err)
	}
	r.logger.Debug("Replaying fixture", zap.String("kind", string(kind)))
	return decodeResult(kind, body, r.logger), nil
}
