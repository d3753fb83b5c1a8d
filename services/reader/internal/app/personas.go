package app

import (
	"fmt"
	"strings"

	"readvoice/internal/util"
	"readvoice/pkg/domain"
)

// builtinPersonas are seeded on startup with stable IDs so that audio cached
// under a built-in voice key survives restarts.
var builtinPersonas = []domain.VoicePersona{
	{ID: "narrator", Name: "Narrator", BaseVoice: "Charon", StylePrompt: "Read in a calm, steady narration voice", Public: true},
	{ID: "storyteller", Name: "Storyteller", BaseVoice: "Aoede", StylePrompt: "Read expressively, as if telling a bedtime story", Public: true},
	{ID: "lecturer", Name: "Lecturer", BaseVoice: "Kore", StylePrompt: "Read clearly and precisely, like a university lecture", Public: true},
	{ID: "companion", Name: "Companion", BaseVoice: "Puck", StylePrompt: "Read in a warm, friendly conversational tone", Public: true},
}

func (a *App) seedPersonas() error {
	for _, p := range builtinPersonas {
		if _, ok, err := a.store.GetVoicePersona(p.ID); err != nil {
			return err
		} else if ok {
			continue
		}
		if err := a.store.SaveVoicePersona(p); err != nil {
			return err
		}
	}
	return nil
}

// ListVoicePersonas returns every selectable persona.
func (a *App) ListVoicePersonas() ([]domain.VoicePersona, error) {
	personas, err := a.store.ListVoicePersonas()
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	return personas, nil
}

// CreateVoicePersona registers a user-defined persona. Its generated ID
// becomes a new voice key, so its audio caches independently of every other
// persona even when base voices coincide.
func (a *App) CreateVoicePersona(userID, name, baseVoice, stylePrompt string, styleParams map[string]string) (domain.VoicePersona, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(baseVoice) == "" {
		return domain.VoicePersona{}, fmt.Errorf("%w: name and base voice required", domain.ErrValidation)
	}
	persona := domain.VoicePersona{
		ID:          util.NewID(),
		OwnerID:     userID,
		Name:        name,
		BaseVoice:   baseVoice,
		StylePrompt: stylePrompt,
		StyleParams: styleParams,
	}
	if err := a.store.SaveVoicePersona(persona); err != nil {
		return domain.VoicePersona{}, fmt.Errorf("save persona: %w", err)
	}
	return persona, nil
}

// resolvePersona maps a voice key to synthesis settings. Keys that match a
// stored persona use its base voice and style; any other key is treated as a
// bare backend voice name.
func (a *App) resolvePersona(voiceKey string) domain.VoicePersona {
	if persona, ok, err := a.store.GetVoicePersona(voiceKey); err == nil && ok {
		return persona
	}
	return domain.VoicePersona{BaseVoice: voiceKey}
}

func personaSettings(p domain.VoicePersona) map[string]string {
	settings := map[string]string{"baseVoice": p.BaseVoice}
	if p.StylePrompt != "" {
		settings["stylePrompt"] = p.StylePrompt
	}
	for k, v := range p.StyleParams {
		settings[k] = v
	}
	return settings
}
