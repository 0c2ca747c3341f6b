package preview

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
)

// Maximum sizes accepted for one input.
const (
	MaxDependencies = 256
	MaxOptionKeys   = 32
)

// Input is one user edit of the project configuration.
type Input struct {
	Config       models.ProjectConfig
	Dependencies []string
	Options      map[string][]string
}

// InputFromRequest converts an API request.
func InputFromRequest(req protocol.PreviewRequest) Input {
	return Input{Config: req.Config, Dependencies: req.Dependencies, Options: req.Options}
}

// Validate checks the input before it is normalized.
func (in Input) Validate() error {
	if err := validation.ValidateStruct(&in.Config,
		validation.Field(&in.Config.Language, validation.Required, validation.Length(1, 64)),
		validation.Field(&in.Config.BuildTool, validation.Required, validation.Length(1, 64)),
		validation.Field(&in.Config.GroupID, validation.Length(0, 255)),
		validation.Field(&in.Config.ArtifactID, validation.Length(0, 255)),
		validation.Field(&in.Config.Name, validation.Length(0, 255)),
		validation.Field(&in.Config.PackageName, validation.Length(0, 255)),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Dependencies,
			validation.Length(0, MaxDependencies),
			validation.Each(validation.Length(0, 128)),
		),
		validation.Field(&in.Options, validation.Length(0, MaxOptionKeys)),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Key returns the order-independent request key for the input.
func (in Input) Key() RequestKey {
	return RequestKey{
		Config:       in.Config,
		Dependencies: normalizeSet(in.Dependencies),
		Options:      normalizeOptions(in.Options),
	}
}

// Baseline returns the dependency-free input for the same project.
func (in Input) Baseline() Input {
	return Input{Config: in.Config}
}

// RequestKey is the normalized projection of an Input. Two inputs that
// select the same sets in a different order have equal keys.
type RequestKey struct {
	Config       models.ProjectConfig `json:"config"`
	Dependencies []string             `json:"dependencies"`
	Options      map[string][]string  `json:"options,omitempty"`
}

// Canonical returns the key's canonical JSON encoding.
func (k RequestKey) Canonical() []byte {
	deps := k.Dependencies
	if deps == nil {
		deps = []string{}
	}
	// encoding/json sorts map keys, so equal keys encode identically.
	data, _ := json.Marshal(RequestKey{Config: k.Config, Dependencies: deps, Options: k.Options})
	return data
}

// Digest returns a short hex fingerprint of the canonical encoding.
func (k RequestKey) Digest() string {
	sum := blake2b.Sum256(k.Canonical())
	return hex.EncodeToString(sum[:16])
}

// IsBaseline reports whether the key selects no dependencies or options.
func (k RequestKey) IsBaseline() bool {
	return len(k.Dependencies) == 0 && len(k.Options) == 0
}

// Request returns the generator request for the key.
func (k RequestKey) Request() protocol.GenerateRequest {
	deps := k.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return protocol.GenerateRequest{Config: k.Config, Dependencies: deps, Options: k.Options}
}

func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// normalizeOptions drops empty keys and empty value sets.
func normalizeOptions(opts map[string][]string) map[string][]string {
	if len(opts) == 0 {
		return nil
	}
	out := make(map[string][]string, len(opts))
	for k, vs := range opts {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		vs = normalizeSet(vs)
		if len(vs) == 0 {
			continue
		}
		out[k] = append(out[k], vs...)
		out[k] = normalizeSet(out[k])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
