package companion

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"companiond/internal/domain"

	"gopkg.in/yaml.v3"
)

// profile is the on-disk shape of one companion.
type profile struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	CustomName       string   `yaml:"custom_name"`
	Gender           string   `yaml:"gender"`
	Pronouns         string   `yaml:"pronouns"`
	Personality      string   `yaml:"personality"`
	Interests        []string `yaml:"interests"`
	Greeting         string   `yaml:"greeting"`
	RelationshipGoal string   `yaml:"relationship_goal"`
	Tone             string   `yaml:"tone"`
	Background       string   `yaml:"background"`
	Active           *bool    `yaml:"active"`
}

// profileFile accepts either a single profile or a `companions:` list.
type profileFile struct {
	profile   `yaml:",inline"`
	Companions []profile `yaml:"companions"`
}

func (p profile) toDomain(fallbackID string) domain.Companion {
	id := strings.ToLower(strings.TrimSpace(p.ID))
	if id == "" {
		id = fallbackID
	}
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return domain.Companion{
		ID:               id,
		Name:             strings.TrimSpace(p.Name),
		CustomName:       strings.TrimSpace(p.CustomName),
		Gender:           p.Gender,
		Pronouns:         p.Pronouns,
		Personality:      strings.TrimSpace(p.Personality),
		Interests:        p.Interests,
		Greeting:         p.Greeting,
		RelationshipGoal: p.RelationshipGoal,
		Tone:             p.Tone,
		Background:       strings.TrimSpace(p.Background),
		Active:           active,
	}
}

// LoadFromDirectory loads companion profiles from the .yaml/.yml files in dir,
// in file name order. A missing directory yields no profiles. Unreadable
// files and duplicate ids are logged and skipped.
func LoadFromDirectory(dir string, logger *slog.Logger) ([]domain.Companion, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("companions directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read companions dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var (
		out  []domain.Companion
		seen = make(map[string]bool)
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isProfileFile(name) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read companion file", "path", path, "err", err)
			continue
		}
		profiles, err := Parse(data, strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name))))
		if err != nil {
			logger.Warn("cannot parse companion file", "path", path, "err", err)
			continue
		}
		for _, c := range profiles {
			if seen[c.ID] {
				logger.Warn("duplicate companion id, skipping", "id", c.ID, "path", path)
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// Parse decodes one YAML document. fallbackID names a single profile that
// has no id of its own.
func Parse(data []byte, fallbackID string) ([]domain.Companion, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	var out []domain.Companion
	if f.Name != "" {
		out = append(out, f.profile.toDomain(fallbackID))
	}
	for i, p := range f.Companions {
		if p.Name == "" {
			return nil, fmt.Errorf("companion %d: name is required", i)
		}
		out = append(out, p.toDomain(strings.ToLower(p.Name)))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no companion profile found")
	}
	return out, nil
}

// Marshal encodes companions as a `companions:` list document.
func Marshal(companions []domain.Companion) ([]byte, error) {
	list := make([]profile, 0, len(companions))
	for _, c := range companions {
		active := c.Active
		list = append(list, profile{
			ID:               c.ID,
			Name:             c.Name,
			CustomName:       c.CustomName,
			Gender:           c.Gender,
			Pronouns:         c.Pronouns,
			Personality:      c.Personality,
			Interests:        c.Interests,
			Greeting:         c.Greeting,
			RelationshipGoal: c.RelationshipGoal,
			Tone:             c.Tone,
			Background:       c.Background,
			Active:           &active,
		})
	}
	return yaml.Marshal(struct {
		Companions []profile `yaml:"companions"`
	}{list})
}

func isProfileFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
