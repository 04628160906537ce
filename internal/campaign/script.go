package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbd888/genforge/internal/job"
	"github.com/mbd888/genforge/internal/logging"
)

const scriptSystemPrompt = `You write short social media campaign scripts.
Reply with JSON only, no prose, in the form:
{"headline": "...", "hook": "...", "callToAction": "...",
 "scenes": [{"platform": "...", "description": "..."}]}
Write one scene per requested platform. Each description is a single visual
prompt suitable for an image or video generator.`

// scriptTimeout bounds the text generation call.
const scriptTimeout = 30 * time.Second

// GenerateScript writes the campaign copy with the text generator and falls
// back to a deterministic template on any failure. It always returns a usable
// script.
func (s *Service) GenerateScript(ctx context.Context, brief, tone string, platforms []string) (script *Script) {
	log := logging.L(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("script generation panicked", "panic", r)
			script = TemplateScript(brief, tone, platforms)
		}
	}()

	if s.text == nil {
		return TemplateScript(brief, tone, platforms)
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()
	raw, err := s.text.GenerateText(ctx, scriptSystemPrompt, scriptPrompt(brief, tone, platforms))
	if err != nil {
		log.Warn("script generation failed, using template", "error", err)
		ScriptFallbacksTotal.Inc()
		return TemplateScript(brief, tone, platforms)
	}
	parsed, err := parseScript(raw, platforms)
	if err != nil {
		log.Warn("unusable script from model, using template", "error", err)
		ScriptFallbacksTotal.Inc()
		return TemplateScript(brief, tone, platforms)
	}
	return parsed
}

func scriptPrompt(brief, tone string, platforms []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Brief: %s\n", brief)
	if tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", tone)
	}
	fmt.Fprintf(&b, "Platforms: %s\n", strings.Join(platforms, ", "))
	return b.String()
}

// parseScript accepts the model's reply, tolerating a fenced code block.
func parseScript(raw string, platforms []string) (*Script, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var sc Script
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &sc); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if strings.TrimSpace(sc.Headline) == "" || len(sc.Scenes) == 0 {
		return nil, fmt.Errorf("script missing headline or scenes")
	}
	// Fill platforms the model skipped so every asset has a scene.
	for _, p := range platforms {
		found := false
		for _, scene := range sc.Scenes {
			if scene.Platform == p {
				found = true
				break
			}
		}
		if !found {
			sc.Scenes = append(sc.Scenes, Scene{Platform: p, Description: templateScene(sc.Headline, "", p)})
		}
	}
	sc.Source = "model"
	return &sc, nil
}

// TemplateScript builds a script from the brief alone.
func TemplateScript(brief, tone string, platforms []string) *Script {
	headline := firstSentence(brief, 80)
	sc := &Script{
		Headline:     headline,
		Hook:         "Meet " + headline,
		CallToAction: "Learn more today.",
		Source:       "template",
	}
	for _, p := range platforms {
		sc.Scenes = append(sc.Scenes, Scene{Platform: p, Description: templateScene(brief, tone, p)})
	}
	return sc
}

// templateScene keeps the framing suffix intact and shortens the brief so
// the whole scene fits a job prompt.
func templateScene(brief, tone, platform string) string {
	suffix := fmt.Sprintf(", composed for %s in %s framing", platform, AspectRatio(platform))
	if tone != "" {
		suffix += ", " + tone + " tone"
	}
	room := job.MaxPromptRunes - utf8.RuneCountInString(suffix)
	return truncateRunes(strings.TrimSpace(brief), max(room, 0)) + suffix
}

func firstSentence(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i > 0 {
		s = s[:i]
	}
	s = truncateRunes(s, limit)
	if s == "" {
		return "Something new"
	}
	return s
}

// truncateRunes cuts s to at most limit runes.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:limit]))
}
