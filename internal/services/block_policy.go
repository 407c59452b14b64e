package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
)

// TierThresholds holds the consecutive-failure counts that trigger each block tier
type TierThresholds struct {
	First  uint
	Second uint
	Third  uint
}

// TierDurations holds how long each block tier lasts
type TierDurations struct {
	First  time.Duration
	Second time.Duration
	Third  time.Duration
}

// PolicyConfig configures progressive blocking
type PolicyConfig struct {
	IPThresholds    TierThresholds
	EmailThresholds TierThresholds
	Durations       TierDurations
	StalenessWindow time.Duration // Inactivity gap after which consecutive failures start over
}

// DefaultPolicyConfig returns 3/5/8 failures for both identifier types with 15m/1h/24h blocks.
// IP and email share thresholds so that spraying many target emails is no cheaper than
// retrying from one address.
func DefaultPolicyConfig() PolicyConfig {
	thresholds := TierThresholds{First: 3, Second: 5, Third: 8}
	return PolicyConfig{
		IPThresholds:    thresholds,
		EmailThresholds: thresholds,
		Durations: TierDurations{
			First:  15 * time.Minute,
			Second: 1 * time.Hour,
			Third:  24 * time.Hour,
		},
		StalenessWindow: 24 * time.Hour,
	}
}

// Validate checks that thresholds escalate and durations are positive
func (c PolicyConfig) Validate() error {
	for name, th := range map[string]TierThresholds{"ip": c.IPThresholds, "email": c.EmailThresholds} {
		if th.First == 0 || th.First >= th.Second || th.Second >= th.Third {
			return fmt.Errorf("%s thresholds must satisfy 0 < first < second < third (got %d/%d/%d)",
				name, th.First, th.Second, th.Third)
		}
	}
	if c.Durations.First <= 0 || c.Durations.Second <= 0 || c.Durations.Third <= 0 {
		return errors.New("block durations must be positive")
	}
	if c.StalenessWindow <= 0 {
		return errors.New("staleness window must be positive")
	}
	return nil
}

// Decision is the outcome of evaluating one failure against a prior record
type Decision struct {
	FailedAttempts      uint
	ConsecutiveFailures uint
	BlockedUntil        *time.Time
	RemainingAttempts   int
	Tier                int
	Escalated           bool
}

// BlockPolicy maps a prior attempt record and the failure time to the next counters and block.
// It performs no I/O.
type BlockPolicy struct {
	config PolicyConfig
}

// NewBlockPolicy creates a BlockPolicy from a validated configuration
func NewBlockPolicy(config PolicyConfig) (*BlockPolicy, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid block policy: %w", err)
	}
	return &BlockPolicy{config: config}, nil
}

// Config returns the policy configuration
func (p *BlockPolicy) Config() PolicyConfig {
	return p.config
}

// Thresholds returns the tier thresholds for an identifier type
func (p *BlockPolicy) Thresholds(typ models.IdentifierType) (TierThresholds, error) {
	switch typ {
	case models.IdentifierIP:
		return p.config.IPThresholds, nil
	case models.IdentifierEmail:
		return p.config.EmailThresholds, nil
	default:
		return TierThresholds{}, fmt.Errorf("%w: %d", models.ErrInvalidType, uint8(typ))
	}
}

// Evaluate computes the state after one more failure.
//
// A block is written only when the failure moves the record into a higher tier than the
// one its previous consecutive count was in; failures within the same tier carry the
// existing block forward. A written block never ends earlier than the one it replaces.
func (p *BlockPolicy) Evaluate(typ models.IdentifierType, prior *models.AttemptRecord, now time.Time) (Decision, error) {
	th, err := p.Thresholds(typ)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	priorTier := 0

	switch {
	case prior == nil:
		d.FailedAttempts = 1
		d.ConsecutiveFailures = 1
	case now.Sub(prior.LastAttempt) > p.config.StalenessWindow:
		d.FailedAttempts = prior.FailedAttempts + 1
		d.ConsecutiveFailures = 1
	default:
		d.FailedAttempts = prior.FailedAttempts + 1
		d.ConsecutiveFailures = prior.ConsecutiveFailures + 1
		priorTier = tierFor(prior.ConsecutiveFailures, th)
	}

	var priorBlock *time.Time
	if prior != nil && prior.BlockedUntil != nil {
		until := *prior.BlockedUntil
		priorBlock = &until
	}

	d.Tier = tierFor(d.ConsecutiveFailures, th)
	d.BlockedUntil = priorBlock

	if d.Tier > priorTier {
		until := now.Add(p.durationFor(d.Tier))
		if priorBlock == nil || until.After(*priorBlock) {
			d.BlockedUntil = &until
		}
		d.Escalated = true
	}

	d.RemainingAttempts = int(th.First) - int(d.ConsecutiveFailures)
	return d, nil
}

// tierFor checks thresholds highest-first so a count past several of them lands on the top one
func tierFor(consecutive uint, th TierThresholds) int {
	switch {
	case consecutive >= th.Third:
		return 3
	case consecutive >= th.Second:
		return 2
	case consecutive >= th.First:
		return 1
	default:
		return 0
	}
}

func (p *BlockPolicy) durationFor(tier int) time.Duration {
	switch tier {
	case 3:
		return p.config.Durations.Third
	case 2:
		return p.config.Durations.Second
	case 1:
		return p.config.Durations.First
	default:
		return 0
	}
}
