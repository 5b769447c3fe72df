/*
Package game
File: models.go
Description:
    Defines the data structures of the solar system catalog and of a player's
    progression. Catalog types map directly onto 'catalog.yaml'; progression
    types are what the ledger persists in session snapshots.

    No logic is performed here.
*/

package game

import "time"

// Kind classifies a discoverable body.
type Kind string

const (
	KindPlanet      Kind = "planet"
	KindDwarfPlanet Kind = "dwarfPlanet"
	KindAsteroid    Kind = "asteroid"
)

// MintCost is what minting a body as an NFT costs.
type MintCost struct {
	Star     Amount `yaml:"star" json:"star"`         // STAR burned from the settled balance
	External Amount `yaml:"external" json:"external"` // Gas-equivalent in chain currency, paid outside the ledger
}

// Body is a static catalog entry. Never mutated after load.
type Body struct {
	Name                 string   `yaml:"name" json:"name"`                                       // Unique key (e.g., "Mercury")
	Ordinal              int      `yaml:"ordinal" json:"ordinal"`                                 // Position in the discovery sequence, 1-based
	Kind                 Kind     `yaml:"kind" json:"kind"`                                       // planet, dwarfPlanet or asteroid
	DiscoveryReward      Amount   `yaml:"discovery_reward" json:"discovery_reward"`               // STAR realized when the body is minted
	PassiveIncomePerHour Amount   `yaml:"passive_income_per_hour" json:"passive_income_per_hour"` // STAR/hour once owned
	MintCost             MintCost `yaml:"mint_cost" json:"mint_cost"`
}

// EffectClass names what a burn utility does once activated.
type EffectClass string

const (
	EffectRewardMultiplier EffectClass = "reward-multiplier" // xN on the next K discovery rewards
	EffectSequenceSkip     EffectClass = "sequence-skip"     // discover up to Reach bodies ahead of the gate
	EffectFeeWaiver        EffectClass = "fee-waiver"        // next mint pays no external fee
	EffectCosmeticUnlock   EffectClass = "cosmetic-unlock"   // permanent cosmetic, no gameplay effect
)

// Prerequisite gates a burn utility. Empty fields are not checked.
type Prerequisite struct {
	OwnedBody string `yaml:"owned_body" json:"owned_body,omitempty"` // Body that must be owned as an NFT
	Utility   string `yaml:"utility" json:"utility,omitempty"`       // Utility that must have been activated before
}

// BurnUtility is a purchasable one-time effect paid for by burning STAR.
type BurnUtility struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Cost         Amount        `yaml:"cost" json:"cost"`
	Effect       EffectClass   `yaml:"effect" json:"effect"`
	Multiplier   int64         `yaml:"multiplier" json:"multiplier,omitempty"` // reward-multiplier only
	Uses         int           `yaml:"uses" json:"uses,omitempty"`             // Qualifying uses granted per activation
	Reach        int           `yaml:"reach" json:"reach,omitempty"`           // sequence-skip only
	Prerequisite *Prerequisite `yaml:"prerequisite" json:"prerequisite,omitempty"`
}

// SetBonus is a one-time reward for owning every body in a set.
type SetBonus struct {
	ID     string   `yaml:"id" json:"id"`
	Bonus  Amount   `yaml:"bonus" json:"bonus"`
	Bodies []string `yaml:"bodies" json:"bodies"`
}

// ReferralTier applies to referrers whose current count is >= MinCount.
type ReferralTier struct {
	MinCount int    `yaml:"min_count" json:"min_count"`
	Bonus    Amount `yaml:"bonus" json:"bonus"`
}

// ReferralConfig is the tier table plus the lifetime cap per referrer.
type ReferralConfig struct {
	Cap   Amount         `yaml:"cap" json:"cap"`
	Tiers []ReferralTier `yaml:"tiers" json:"tiers"`
}

// DailyLoginConfig: Reward every day, StreakBonus instead on every StreakEvery-th day.
type DailyLoginConfig struct {
	Reward      Amount `yaml:"reward" json:"reward"`
	StreakBonus Amount `yaml:"streak_bonus" json:"streak_bonus"`
	StreakEvery int    `yaml:"streak_every" json:"streak_every"`
}

// UnificationConfig tunes the one-time stellar map unification prestige.
type UnificationConfig struct {
	Cost            Amount `yaml:"cost" json:"cost"`
	MinPlanets      int    `yaml:"min_planets" json:"min_planets"`
	MinDwarfPlanets int    `yaml:"min_dwarf_planets" json:"min_dwarf_planets"`
	PassiveBoostBps int64  `yaml:"passive_boost_bps" json:"passive_boost_bps"` // Basis points added to passive income
}

// Economy holds global tuning constants.
type Economy struct {
	GenesisGrant Amount            `yaml:"genesis_grant" json:"genesis_grant"`
	DailyLogin   DailyLoginConfig  `yaml:"daily_login" json:"daily_login"`
	Unification  UnificationConfig `yaml:"unification" json:"unification"`
}

// Universe is the root configuration struct, mapping to the whole 'catalog.yaml'.
type Universe struct {
	Economy       Economy        `yaml:"economy" json:"economy"`
	Bodies        []Body         `yaml:"bodies" json:"bodies"`
	BurnUtilities []BurnUtility  `yaml:"burn_utilities" json:"burn_utilities"`
	SetBonuses    []SetBonus     `yaml:"set_bonuses" json:"set_bonuses"`
	Referral      ReferralConfig `yaml:"referral" json:"referral"`
}

// DiscoveryResult is returned by Discover and replayed on repeated calls.
type DiscoveryResult struct {
	Body       string    `json:"body"`
	Order      int       `json:"order"`      // 1-based position in the player's discovery order
	Reward     Amount    `json:"reward"`     // Pending until the body is minted
	Multiplier int64     `json:"multiplier"` // Product of reward multipliers applied (1 when none)
	SkipUsed   bool      `json:"skip_used"`
	At         time.Time `json:"at"`
}

// ActiveMultiplier is a reward multiplier with uses left.
type ActiveMultiplier struct {
	UtilityID string `json:"utility_id"`
	Factor    int64  `json:"factor"`
	Remaining int    `json:"remaining"`
}

// SkipCredit permits one discovery up to Reach bodies ahead of the sequential gate.
type SkipCredit struct {
	UtilityID string `json:"utility_id"`
	Reach     int    `json:"reach"`
}

// EffectState is the small structure burn utilities mutate and discover/mint consult.
type EffectState struct {
	Multipliers []ActiveMultiplier `json:"multipliers"`
	SkipCredits []SkipCredit       `json:"skip_credits"`
	FeeWaivers  int                `json:"fee_waivers"`
	Cosmetics   map[string]bool    `json:"cosmetics"`
	Activated   map[string]int     `json:"activated"` // UtilityID -> activation count
}

// Progression is the full mutable state of one player. It is only ever
// touched through a Ledger.
type Progression struct {
	Wallet string `json:"wallet"`

	DiscoveredOrder []string                   `json:"discovered_order"`
	Discoveries     map[string]DiscoveryResult `json:"discoveries"`
	PendingRewards  map[string]Amount          `json:"pending_rewards"` // Body -> unrealized discovery reward

	OwnedNFTs map[string]bool      `json:"owned_nfts"`
	MintedAt  map[string]time.Time `json:"minted_at"`
	MintTx    map[string]string    `json:"mint_tx"`

	StarBalance  Amount `json:"star_balance"`
	BonusBalance Amount `json:"bonus_balance"`

	LastAccrualSettledAt time.Time            `json:"last_accrual_settled_at"`
	ClaimedSetBonuses    map[string]time.Time `json:"claimed_set_bonuses"`

	ReferralCount       int    `json:"referral_count"`
	ReferralBonusEarned Amount `json:"referral_bonus_earned"`
	BonusClaims         int    `json:"bonus_claims"` // Successful bonus transfers, keys the next one

	GenesisClaimedAt *time.Time `json:"genesis_claimed_at,omitempty"`
	LastDailyLogin   time.Time  `json:"last_daily_login"`
	DailyStreak      int        `json:"daily_streak"`

	Unified         bool  `json:"unified"`
	PassiveBoostBps int64 `json:"passive_boost_bps"`

	Effects EffectState `json:"effects"`

	Revision    uint64            `json:"revision"`    // Bumped on every committed balance change
	Unconfirmed map[string]string `json:"unconfirmed"` // Action key -> action kind, awaiting the backend
}
