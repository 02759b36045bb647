package persona

import (
	"context"
	"strings"

	"chatmatch/pkg/types"
)

// CannedGenerator is the trivial response strategy: keyword-matched canned
// lines with persona flavor. It backs tests and demo deployments; a remote
// completion backend replaces it in production wiring.
type CannedGenerator struct{}

// NewCannedGenerator returns a generator that never fails.
func NewCannedGenerator() *CannedGenerator {
	return &CannedGenerator{}
}

var cannedReplies = []struct {
	keyword string
	reply   string
}{
	{"hello", "heyy"},
	{"hi", "hii, what's up"},
	{"how are you", "pretty good tbh, you?"},
	{"wyd", "just chilling, you?"},
	{"hru", "good good, wbu"},
	{"same", "nice"},
	{"lol", "ikr 😂"},
	{"bye", "aw ok, see ya"},
	{"thanks", "ofc!"},
	{"name", "guess lol"},
	{"music", "been listening to way too much lately, you?"},
	{"movie", "ooh what kind of movies are you into"},
	{"food", "don't get me started, I'm always hungry"},
	{"bored", "same honestly"},
	{"work", "ugh don't remind me lol"},
	{"study", "oof good luck with that"},
}

var personaFlavor = map[string]string{
	FlirtyRomantic:  " 😉",
	EnergeticFun:    "!!",
	AnimeKawaii:     " ^^",
	MysteriousDark:  "...",
	SupportiveCaring: " 😊",
	SassyConfident:  " 💁",
}

// Generate produces a reply from the canned table. Low engagement shortens
// the reply; high engagement appends a follow-up question.
func (g *CannedGenerator) Generate(ctx context.Context, history []types.ChatMessage, personaID string, engagement int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	incoming := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			incoming = strings.ToLower(history[i].Content)
			break
		}
	}

	reply := "haha yeah"
	for _, c := range cannedReplies {
		if strings.Contains(incoming, c.keyword) {
			reply = c.reply
			break
		}
	}

	switch {
	case engagement <= 2:
		// Disinterested partners answer in fragments.
		if idx := strings.IndexAny(reply, ",?!"); idx > 0 {
			reply = reply[:idx]
		}
	case engagement >= 4:
		if !strings.Contains(reply, "?") {
			reply += ", what about you?"
		}
	}

	if flavor, ok := personaFlavor[personaID]; ok && engagement >= 3 {
		reply += flavor
	}

	return reply, nil
}
