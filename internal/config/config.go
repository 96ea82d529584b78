package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stratafi/allocator/internal/types"
)

// AppConfig holds all application configuration loaded from environment
// variables. Populated at startup by LoadConfig.
var (
	// CycleCron is the keeper schedule in cron syntax (robfig/cron, with
	// @every shortcuts). The engine still enforces per-strategy minimum
	// intervals itself.
	CycleCron string

	// WebPort is the dashboard/ops API listen port.
	WebPort string

	// AdminToken authorizes mutating ops API calls. Read-only endpoints do
	// not require it.
	AdminToken string

	// Venues are the configured capital venues, parsed from ALLOC_VENUES.
	Venues []types.Venue

	// AssetWeights maps each registered asset to its ordered venue split,
	// parsed from ALLOC_ASSETS.
	AssetWeights map[types.Asset][]types.TargetWeight

	// HealthAddrs maps venues to their gRPC health-check addresses, parsed
	// from the optional VENUE_HEALTH_ADDRS. Venues without an entry are not
	// probed.
	HealthAddrs map[types.VenueID]string

	// VenueRisks maps venues to operator-assigned risk scores in [0, 1],
	// parsed from the optional VENUE_RISKS. Venues without an entry get
	// DefaultVenueRisk.
	VenueRisks map[types.VenueID]float64

	// DefaultVenueRisk is the risk score for venues without a VENUE_RISKS
	// entry, from the optional VENUE_RISK_DEFAULT.
	DefaultVenueRisk float64
)

// LoadConfig loads configuration from environment variables and sets the
// global config vars. ALLOC_VENUES and ALLOC_ASSETS are required.
func LoadConfig() error {
	log.Info().Msg("Loading application configuration from environment variables...")

	CycleCron = getEnvOrDefault("CYCLE_CRON", "@every 10m")
	WebPort = getEnvOrDefault("WEB_PORT", "8080")
	AdminToken = os.Getenv("ADMIN_TOKEN")

	venuesSpec, err := getEnv("ALLOC_VENUES")
	if err != nil {
		return err
	}
	Venues, err = parseVenues(venuesSpec)
	if err != nil {
		return err
	}

	assetsSpec, err := getEnv("ALLOC_ASSETS")
	if err != nil {
		return err
	}
	AssetWeights, err = parseAssetWeights(assetsSpec)
	if err != nil {
		return err
	}

	HealthAddrs, err = parseHealthAddrs(os.Getenv("VENUE_HEALTH_ADDRS"))
	if err != nil {
		return err
	}

	VenueRisks, err = parseVenueRisks(os.Getenv("VENUE_RISKS"))
	if err != nil {
		return err
	}
	DefaultVenueRisk, err = parseRiskScore(getEnvOrDefault("VENUE_RISK_DEFAULT", "0.5"))
	if err != nil {
		return fmt.Errorf("VENUE_RISK_DEFAULT: %w", err)
	}

	log.Debug().
		Int("venues", len(Venues)).
		Int("assets", len(AssetWeights)).
		Str("cycleCron", CycleCron).
		Msg("Configuration loaded successfully.")

	return nil
}

// parseVenues parses a venue list of the form
// "aave-v3:LENDING:http://aave-adapter:7101,uniswap:TRADING:http://uni-adapter:7102".
func parseVenues(spec string) ([]types.Venue, error) {
	var venues []types.Venue
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("venue entry %q must be id:kind:endpoint", entry)
		}
		kind := types.VenueKind(strings.ToUpper(parts[1]))
		switch kind {
		case types.VenueLending, types.VenueTrading, types.VenueVault, types.VenueStaking:
		default:
			return nil, fmt.Errorf("venue entry %q has unknown kind %q", entry, parts[1])
		}
		venues = append(venues, types.Venue{
			ID:       types.VenueID(parts[0]),
			Kind:     kind,
			Endpoint: parts[2],
		})
	}
	if len(venues) == 0 {
		return nil, errors.New("ALLOC_VENUES defined no venues")
	}
	return venues, nil
}

// parseAssetWeights parses an asset split list of the form
// "usdc:aave-v3=4000|uniswap=3500|lido=2500,atom:osmosis=10000".
// Weights are bps and must sum to 10000 per asset; order is preserved because
// the first venue absorbs rounding remainders.
func parseAssetWeights(spec string) (map[types.Asset][]types.TargetWeight, error) {
	out := make(map[types.Asset][]types.TargetWeight)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("asset entry %q must be asset:venue=bps|venue=bps", entry)
		}
		asset := types.Asset(parts[0])
		var weights []types.TargetWeight
		var total int64
		for _, leg := range strings.Split(parts[1], "|") {
			legParts := strings.SplitN(leg, "=", 2)
			if len(legParts) != 2 {
				return nil, fmt.Errorf("weight leg %q for asset %s must be venue=bps", leg, asset)
			}
			bps, err := strconv.ParseInt(legParts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("weight leg %q for asset %s has invalid bps: %w", leg, asset, err)
			}
			weights = append(weights, types.TargetWeight{
				Venue:     types.VenueID(legParts[0]),
				WeightBps: bps,
			})
			total += bps
		}
		if total != types.WeightScale {
			return nil, fmt.Errorf("asset %s weights sum to %d bps, want %d", asset, total, types.WeightScale)
		}
		out[asset] = weights
	}
	if len(out) == 0 {
		return nil, errors.New("ALLOC_ASSETS defined no assets")
	}
	return out, nil
}

// parseHealthAddrs parses an optional health-address list of the form
// "aave-v3=aave-adapter:7201,uniswap=uni-adapter:7202".
func parseHealthAddrs(spec string) (map[types.VenueID]string, error) {
	out := make(map[types.VenueID]string)
	if strings.TrimSpace(spec) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("health address entry %q must be venue=host:port", entry)
		}
		out[types.VenueID(parts[0])] = parts[1]
	}
	return out, nil
}

// parseVenueRisks parses an optional risk score list of the form
// "aave-v3=0.2,uniswap=0.35". Scores are in [0, 1], lower is safer.
func parseVenueRisks(spec string) (map[types.VenueID]float64, error) {
	out := make(map[types.VenueID]float64)
	if strings.TrimSpace(spec) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("risk entry %q must be venue=score", entry)
		}
		score, err := parseRiskScore(parts[1])
		if err != nil {
			return nil, fmt.Errorf("risk entry %q: %w", entry, err)
		}
		out[types.VenueID(parts[0])] = score
	}
	return out, nil
}

func parseRiskScore(s string) (float64, error) {
	score, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid risk score %q: %w", s, err)
	}
	if score < 0 || score > 1 {
		return 0, fmt.Errorf("risk score %v outside [0, 1]", score)
	}
	return score, nil
}

// getEnv retrieves a string environment variable. Returns error if not set.
func getEnv(key string) (string, error) {
	if value, exists := os.LookupEnv(key); exists {
		return value, nil
	}
	return "", errors.New("environment variable " + key + " is required but not set")
}

// getEnvOrDefault retrieves a string environment variable with a fallback.
func getEnvOrDefault(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}
