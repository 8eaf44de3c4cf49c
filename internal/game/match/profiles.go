package match

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// Profile holds what is sent to the service when spawning a match for a group.
type Profile struct {
	// Args are extra command line arguments for the dedicated server.
	Args []string `yaml:"args"`
	// Data is the match data used when a request carries none.
	Data map[string]any `yaml:"data"`
	// UserData is attached to every user in the request.
	UserData map[string]any `yaml:"user_data"`
}

// Profiles maps groups to spawn profiles.
type Profiles struct {
	Default Profile            `yaml:"default"`
	Groups  map[string]Profile `yaml:"groups"`
}

// DefaultProfiles returns the profiles used when no file is configured.
func DefaultProfiles() *Profiles {
	return &Profiles{
		Default: Profile{
			Data:     map[string]any{"foo": "bar"},
			UserData: map[string]any{"x": "y"},
		},
	}
}

// LoadProfiles reads profiles from a YAML file.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns profiles whose data converts to structpb values, or an error.
func LoadProfiles(path string) (*Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading match profiles %s: %w", path, err)
	}
	var p Profiles
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing match profiles %s: %w", path, err)
	}
	check := func(name string, pr Profile) error {
		if _, err := toStruct(pr.Data); err != nil {
			return fmt.Errorf("profile %q data: %w", name, err)
		}
		if _, err := toStruct(pr.UserData); err != nil {
			return fmt.Errorf("profile %q user_data: %w", name, err)
		}
		return nil
	}
	if err := check("default", p.Default); err != nil {
		return nil, err
	}
	for name, pr := range p.Groups {
		if err := check(name, pr); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// For returns the profile for group, falling back to the default.
func (p *Profiles) For(group string) Profile {
	if pr, ok := p.Groups[group]; ok {
		return pr
	}
	return p.Default
}

// DataStruct converts the profile data.
func (pr Profile) DataStruct() *structpb.Struct {
	s, _ := toStruct(pr.Data)
	return s
}

// UserDataFor returns one user data struct per user.
func (pr Profile) UserDataFor(users []string) []*structpb.Struct {
	out := make([]*structpb.Struct, len(users))
	for i := range users {
		s, _ := toStruct(pr.UserData)
		out[i] = s
	}
	return out
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	if m == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
	}
	return structpb.NewStruct(m)
}
