package review

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const defaultInstructions = `You normalize pending food names for a recipe catalog.

You receive a JSON array of raw food names exactly as users typed them. Return ONLY a JSON array with
exactly one object per input name, in the same order, each shaped as:

{"normalizedName": string|null, "quantity": number|string|null, "unit": string|null, "isGibberish": boolean}

Rules:
- normalizedName is the clean, capitalized singular or plural form a grocery list would use, with
  quantities, units, packaging words and brand noise removed. Keep the input language.
- Move any quantity embedded in the name to "quantity" (fractions like "1/2" are allowed) and any
  unit or packaging word to "unit".
- Set isGibberish to true and normalizedName to null when the name is not a food (keyboard mashing,
  test strings, profanity, URLs).
- Never merge, reorder, skip or add entries.`

var defaultUnits = []string{
	"g", "kg", "hg", "mg", "ml", "cl", "dl", "l", "tsk", "msk", "krm", "st", "förp", "burk",
	"paket", "påse", "flaska", "knippe", "klyfta", "skiva", "tsp", "tbsp", "cup", "oz", "lb",
}

// Prompt is the classifier prompt configuration.
type Prompt struct {
	Instructions string   `yaml:"instructions"`
	Units        []string `yaml:"units"`
}

// DefaultPrompt returns the built-in prompt.
func DefaultPrompt() *Prompt {
	return &Prompt{Instructions: defaultInstructions, Units: append([]string(nil), defaultUnits...)}
}

// LoadPrompt reads a prompt file. An empty path returns DefaultPrompt; keys
// missing from the file fall back to the built-in values.
func LoadPrompt(path string) (*Prompt, error) {
	p := DefaultPrompt()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "review: read prompt %s", path)
	}

	var wrapper struct {
		Prompt Prompt `yaml:"prompt"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "review: parse prompt")
	}

	if s := strings.TrimSpace(wrapper.Prompt.Instructions); s != "" {
		p.Instructions = s
	}
	if len(wrapper.Prompt.Units) > 0 {
		p.Units = wrapper.Prompt.Units
	}
	return p, nil
}

// System renders the system prompt sent with every batch.
func (p *Prompt) System() string {
	if len(p.Units) == 0 {
		return p.Instructions
	}
	return fmt.Sprintf("%s\n\nKnown units: %s", p.Instructions, strings.Join(p.Units, ", "))
}
