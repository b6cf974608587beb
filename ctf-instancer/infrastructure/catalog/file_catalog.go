package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

type fileChallenge struct {
	ID       string        `yaml:"id"`
	Title    string        `yaml:"title"`
	Category string        `yaml:"category"`
	Dynamic  bool          `yaml:"dynamic"`
	Image    string        `yaml:"image"`
	Port     int           `yaml:"port"`
	TTL      time.Duration `yaml:"ttl"`
}

type fileCatalogDocument struct {
	Challenges []fileChallenge `yaml:"challenges"`
}

// FileCatalog serves challenge definitions from a YAML document loaded once
// at startup.
type FileCatalog struct {
	challenges map[string]*domain.Challenge
}

func LoadFileCatalog(path string) (*FileCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseFileCatalog(data)
}

func ParseFileCatalog(data []byte) (*FileCatalog, error) {
	var doc fileCatalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	challenges := make(map[string]*domain.Challenge, len(doc.Challenges))
	for n, c := range doc.Challenges {
		if c.ID == "" {
			return nil, fmt.Errorf("catalog entry %d has no id", n)
		}
		if _, dup := challenges[c.ID]; dup {
			return nil, fmt.Errorf("duplicate challenge id %q", c.ID)
		}
		if c.Dynamic && c.Image == "" {
			return nil, fmt.Errorf("dynamic challenge %q has no image", c.ID)
		}
		if c.TTL < 0 {
			return nil, fmt.Errorf("challenge %q has negative ttl", c.ID)
		}

		challenges[c.ID] = &domain.Challenge{
			ID:       c.ID,
			Title:    c.Title,
			Category: c.Category,
			Dynamic:  c.Dynamic,
			Image:    c.Image,
			Port:     c.Port,
			TTL:      c.TTL,
		}
	}

	return &FileCatalog{challenges: challenges}, nil
}

func (c *FileCatalog) FindChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	challenge, ok := c.challenges[challengeID]
	if !ok {
		return nil, domain.ErrChallengeNotFound
	}
	copied := *challenge
	return &copied, nil
}

func (c *FileCatalog) Len() int {
	return len(c.challenges)
}
