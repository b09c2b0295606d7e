package orchestrator

import (
	"context"
	"io"
	"os"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Seed is the administrative bootstrap data for a deployment:
//
//	channels:
//	  - id: c1
//	    handle: arn:aws:ivs:us-east-1:123456789012:channel/abcd
//	    name: Studio 1
//	assignments:
//	  - host: h1
//	    channel: c1
//	shows:
//	  - show1
type Seed struct {
	Channels    []SeedChannel    `yaml:"channels"`
	Assignments []SeedAssignment `yaml:"assignments"`
	Shows       []string         `yaml:"shows"`
}

type SeedChannel struct {
	ID     string `yaml:"id"`
	Handle string `yaml:"handle"`
	Name   string `yaml:"name"`
}

type SeedAssignment struct {
	Host    string `yaml:"host"`
	Channel string `yaml:"channel"`
}

// LoadSeedFile reads a seed from a YAML file.
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, oops.Wrapf(err, "open seed file %s", path)
	}
	defer f.Close()
	return LoadSeed(f)
}

// LoadSeed decodes a seed. Unknown keys are rejected.
func LoadSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return nil, oops.Wrapf(ErrBadRequest, "decode seed: %v", err)
	}
	return &seed, nil
}

// apply registers channels first so that assignments can reference them.
// Existing channels keep their state and usage.
func (s *Seed) apply(ctx context.Context, a *Allocator, shows ShowRegistry) error {
	for _, ch := range s.Channels {
		if _, err := a.Register(ctx, ch.ID, ch.Handle, ch.Name); err != nil {
			return oops.Wrapf(err, "seed channel %s", ch.ID)
		}
	}
	for _, asg := range s.Assignments {
		if _, err := a.Assign(ctx, asg.Host, asg.Channel); err != nil {
			return oops.Wrapf(err, "seed assignment %s -> %s", asg.Host, asg.Channel)
		}
	}
	if len(s.Shows) > 0 && shows == nil {
		return oops.Errorf("seed lists shows but the show catalog is read-only")
	}
	for _, id := range s.Shows {
		if err := shows.PutShow(ctx, id); err != nil {
			return oops.Wrapf(err, "seed show %s", id)
		}
	}
	return nil
}
