/*
Package game
File: catalog.go
Description:
    The CatalogProvider. Reads 'catalog.yaml', validates it against the
    embedded JSON Schema, then checks the cross references the schema cannot
    express (unique names, contiguous ordinals, known set members).

    A Catalog is immutable once built and safe for concurrent readers.
*/

package game

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.schema.json
var catalogSchemaJSON string

const catalogSchemaURL = "catalog.schema.json"

var catalogSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(catalogSchemaURL, strings.NewReader(catalogSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(catalogSchemaURL)
}

// Catalog is the read-only view of the universe every other component queries.
type Catalog struct {
	universe  Universe
	bodies    []Body // sorted by ordinal
	byName    map[string]int
	utilities map[string]BurnUtility
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog validates raw YAML against the schema and builds a Catalog.
func ParseCatalog(raw []byte) (*Catalog, error) {
	if err := validateCatalogDocument(raw); err != nil {
		return nil, err
	}
	var u Universe
	if err := yaml.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return NewCatalog(u)
}

// validateCatalogDocument re-encodes the YAML as JSON so the validator sees
// json.Number values instead of Go ints and floats.
func validateCatalogDocument(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := catalogSchema.Validate(v); err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}
	return nil
}

// NewCatalog checks the semantic rules of a decoded universe.
func NewCatalog(u Universe) (*Catalog, error) {
	c := &Catalog{
		universe:  u,
		bodies:    append([]Body(nil), u.Bodies...),
		byName:    make(map[string]int, len(u.Bodies)),
		utilities: make(map[string]BurnUtility, len(u.BurnUtilities)),
	}
	sort.SliceStable(c.bodies, func(i, j int) bool { return c.bodies[i].Ordinal < c.bodies[j].Ordinal })

	for i, b := range c.bodies {
		if b.Name == "" {
			return nil, fmt.Errorf("catalog: body at ordinal %d has no name", b.Ordinal)
		}
		if _, dup := c.byName[b.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate body %q", b.Name)
		}
		if b.Ordinal != i+1 {
			return nil, fmt.Errorf("catalog: ordinals must run 1..%d without gaps, %q has %d", len(c.bodies), b.Name, b.Ordinal)
		}
		switch b.Kind {
		case KindPlanet, KindDwarfPlanet, KindAsteroid:
		default:
			return nil, fmt.Errorf("catalog: body %q has unknown kind %q", b.Name, b.Kind)
		}
		if b.DiscoveryReward < 0 || b.PassiveIncomePerHour < 0 || b.MintCost.Star < 0 || b.MintCost.External < 0 {
			return nil, fmt.Errorf("catalog: body %q has a negative amount", b.Name)
		}
		c.byName[b.Name] = i
	}

	for _, bu := range u.BurnUtilities {
		if _, dup := c.utilities[bu.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate burn utility %q", bu.ID)
		}
		switch bu.Effect {
		case EffectRewardMultiplier:
			if bu.Multiplier < 1 || bu.Uses < 1 {
				return nil, fmt.Errorf("catalog: utility %q needs multiplier >= 1 and uses >= 1", bu.ID)
			}
		case EffectSequenceSkip:
			if bu.Reach < 1 || bu.Uses < 1 {
				return nil, fmt.Errorf("catalog: utility %q needs reach >= 1 and uses >= 1", bu.ID)
			}
		case EffectFeeWaiver:
			if bu.Uses < 1 {
				return nil, fmt.Errorf("catalog: utility %q needs uses >= 1", bu.ID)
			}
		case EffectCosmeticUnlock:
		default:
			return nil, fmt.Errorf("catalog: utility %q has unknown effect %q", bu.ID, bu.Effect)
		}
		c.utilities[bu.ID] = bu
	}
	for _, bu := range u.BurnUtilities {
		if bu.Prerequisite == nil {
			continue
		}
		if p := bu.Prerequisite.OwnedBody; p != "" {
			if _, ok := c.byName[p]; !ok {
				return nil, fmt.Errorf("catalog: utility %q requires unknown body %q", bu.ID, p)
			}
		}
		if p := bu.Prerequisite.Utility; p != "" {
			if _, ok := c.utilities[p]; !ok || p == bu.ID {
				return nil, fmt.Errorf("catalog: utility %q requires invalid utility %q", bu.ID, p)
			}
		}
	}

	seen := make(map[string]bool)
	for _, s := range u.SetBonuses {
		if seen[s.ID] {
			return nil, fmt.Errorf("catalog: duplicate set bonus %q", s.ID)
		}
		seen[s.ID] = true
		for _, name := range s.Bodies {
			if _, ok := c.byName[name]; !ok {
				return nil, fmt.Errorf("catalog: set bonus %q references unknown body %q", s.ID, name)
			}
		}
	}

	tiers := u.Referral.Tiers
	if len(tiers) == 0 || tiers[0].MinCount != 0 {
		return nil, fmt.Errorf("catalog: referral tiers must start at min_count 0")
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].MinCount <= tiers[i-1].MinCount {
			return nil, fmt.Errorf("catalog: referral tiers must have increasing min_count")
		}
	}
	if u.Economy.DailyLogin.StreakEvery < 1 {
		return nil, fmt.Errorf("catalog: daily_login.streak_every must be >= 1")
	}

	return c, nil
}

// Bodies returns all bodies in ordinal order. The slice is a copy.
func (c *Catalog) Bodies() []Body {
	return append([]Body(nil), c.bodies...)
}

// Body looks a body up by name.
func (c *Catalog) Body(name string) (Body, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Body{}, false
	}
	return c.bodies[i], true
}

// BodyAt returns the body with the given 1-based ordinal.
func (c *Catalog) BodyAt(ordinal int) (Body, bool) {
	if ordinal < 1 || ordinal > len(c.bodies) {
		return Body{}, false
	}
	return c.bodies[ordinal-1], true
}

// Utility looks a burn utility up by id.
func (c *Catalog) Utility(id string) (BurnUtility, bool) {
	u, ok := c.utilities[id]
	return u, ok
}

// Utilities returns the burn utility table in catalog order.
func (c *Catalog) Utilities() []BurnUtility {
	return append([]BurnUtility(nil), c.universe.BurnUtilities...)
}

func (c *Catalog) SetBonuses() []SetBonus {
	return append([]SetBonus(nil), c.universe.SetBonuses...)
}

func (c *Catalog) Referral() ReferralConfig {
	return c.universe.Referral
}

func (c *Catalog) Economy() Economy {
	return c.universe.Economy
}

// Universe returns the decoded configuration, e.g. for GET /api/catalog.
func (c *Catalog) Universe() Universe {
	return c.universe
}
