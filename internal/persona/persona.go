// Package persona owns the AI persona catalog: the selectable persona set,
// the synthetic partner profiles presented with them, and the pluggable
// response generation strategy used by AI conversation sessions.
package persona

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"chatmatch/pkg/types"
)

// Default persona identifiers. Each names a behavioral profile controlling
// the tone of generated responses.
const (
	FlirtyRomantic   = "flirty-romantic"
	EnergeticFun     = "energetic-fun"
	AnimeKawaii      = "anime-kawaii"
	MysteriousDark   = "mysterious-dark"
	SupportiveCaring = "supportive-caring"
	SassyConfident   = "sassy-confident"
)

// profileTemplate is the presentation data backing one persona.
type profileTemplate struct {
	names     []string
	ageMin    int
	ageMax    int
	bio       string
	interests []string
	signOff   string
}

var templates = map[string]profileTemplate{
	FlirtyRomantic: {
		names:     []string{"Valentina", "Romeo", "Bella", "Dante", "Sophia"},
		ageMin:    20, ageMax: 28,
		bio:       "Charming, playful, and loves romantic conversations",
		interests: []string{"romance", "dating", "compliments", "sweet talk"},
		signOff:   "gtg, this was fun though 😘",
	},
	EnergeticFun: {
		names:     []string{"Zara", "Max", "Luna", "Tyler", "Nova"},
		ageMin:    19, ageMax: 26,
		bio:       "High energy, loves adventures and making people laugh!",
		interests: []string{"adventure", "comedy", "parties", "excitement"},
		signOff:   "gotta run!! catch you later 🎉",
	},
	AnimeKawaii: {
		names:     []string{"Sakura", "Yuki", "Hana", "Ren", "Miku"},
		ageMin:    18, ageMax: 24,
		bio:       "Loves anime, manga, and being cute~",
		interests: []string{"anime", "manga", "kawaii culture", "cosplay"},
		signOff:   "byee~ jaa ne (◕‿◕)",
	},
	MysteriousDark: {
		names:     []string{"Raven", "Shadow", "Noir", "Vex", "Luna"},
		ageMin:    22, ageMax: 30,
		bio:       "Enigmatic soul with deep thoughts and mysterious charm",
		interests: []string{"mystery", "philosophy", "dark aesthetics", "secrets"},
		signOff:   "until next time...",
	},
	SupportiveCaring: {
		names:     []string{"Hope", "Angel", "Sage", "River", "Dawn"},
		ageMin:    23, ageMax: 29,
		bio:       "Always here to listen and make you feel better",
		interests: []string{"listening", "helping", "emotional support", "kindness"},
		signOff:   "take care of yourself, ok? 💚",
	},
	SassyConfident: {
		names:     []string{"Scarlett", "Phoenix", "Blaze", "Storm", "Rebel"},
		ageMin:    21, ageMax: 27,
		bio:       "Confident, witty, and not afraid to speak my mind!",
		interests: []string{"confidence", "wit", "fashion", "attitude"},
		signOff:   "alright I'm out, stay cool ✨",
	},
}

// Catalog holds the selectable persona set. The set is configuration in
// spirit: construct with a subset to restrict what fallback can assign.
type Catalog struct {
	ids []string
	rng *rand.Rand
}

// NewCatalog builds a catalog over the given persona ids. Unknown ids are
// dropped; an empty or nil list means the full default set. The rng drives
// random selection and may be seeded for deterministic tests.
func NewCatalog(ids []string, rng *rand.Rand) *Catalog {
	var known []string
	for _, id := range ids {
		if _, ok := templates[id]; ok {
			known = append(known, id)
		}
	}
	if len(known) == 0 {
		known = []string{
			FlirtyRomantic, EnergeticFun, AnimeKawaii,
			MysteriousDark, SupportiveCaring, SassyConfident,
		}
	}
	return &Catalog{ids: known, rng: rng}
}

// IDs returns the selectable persona ids in catalog order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// Contains reports whether id names a selectable persona.
func (c *Catalog) Contains(id string) bool {
	for _, known := range c.ids {
		if known == id {
			return true
		}
	}
	return false
}

// Select resolves the persona for a fallback session: the user's stored
// preference when it names a known persona, otherwise one chosen uniformly
// at random from the catalog.
func (c *Catalog) Select(prefs types.Preferences) string {
	if prefs.PersonaID != "" && c.Contains(prefs.PersonaID) {
		return prefs.PersonaID
	}
	return c.ids[c.rng.Intn(len(c.ids))]
}

// ProfileFor derives the synthetic partner profile for (personaID, userID).
// The derivation is deterministic so a user reconnecting to the same
// fallback persona sees the same partner; the profile carries no
// behavioral weight.
func (c *Catalog) ProfileFor(personaID, userID string) types.Profile {
	tpl, ok := templates[personaID]
	if !ok {
		tpl = templates[SupportiveCaring]
	}

	h := fnv.New32a()
	h.Write([]byte(personaID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	sum := h.Sum32()

	name := tpl.names[int(sum)%len(tpl.names)]
	age := tpl.ageMin + int(sum>>8)%(tpl.ageMax-tpl.ageMin+1)

	return types.Profile{
		ID:        fmt.Sprintf("ai_%s_%08x", personaID, sum),
		Username:  name,
		Age:       age,
		Bio:       tpl.bio,
		Interests: append([]string(nil), tpl.interests...),
		IsOnline:  true,
	}
}

// SignOff returns the short canned goodbye a persona sends when its
// conversation hits the exchange limit.
func SignOff(personaID string) string {
	if tpl, ok := templates[personaID]; ok {
		return tpl.signOff
	}
	return templates[SupportiveCaring].signOff
}
