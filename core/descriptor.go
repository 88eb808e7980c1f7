package core

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credential kinds a provider popup hands to the identity provider.
const (
	CredentialIDToken     = "id_token"
	CredentialAccessToken = "access_token"
)

// ProviderDescriptor configures one external provider.
type ProviderDescriptor struct {
	ID   string `yaml:"id"`   // authority provider id, e.g. "google.com"
	Name string `yaml:"name"` // short name, e.g. "google"

	// Issuer enables OIDC discovery. When empty, AuthURL/TokenURL are used
	// as plain OAuth2 endpoints.
	Issuer   string `yaml:"issuer"`
	AuthURL  string `yaml:"auth_url"`
	TokenURL string `yaml:"token_url"`

	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	// Credential is CredentialIDToken or CredentialAccessToken.
	Credential string `yaml:"credential"`
}

// Providers maps provider id to descriptor. It is passed explicitly to the
// components that need it.
type Providers map[string]ProviderDescriptor

// DefaultProviders returns descriptors for the providers the login UI offers.
// Client credentials are left empty.
func DefaultProviders() Providers {
	return Providers{
		"google.com": {
			ID:         "google.com",
			Name:       "google",
			Issuer:     "https://accounts.google.com",
			Scopes:     []string{"openid", "email", "profile"},
			Credential: CredentialIDToken,
		},
		"facebook.com": {
			ID:         "facebook.com",
			Name:       "facebook",
			AuthURL:    "https://www.facebook.com/v3.2/dialog/oauth",
			TokenURL:   "https://graph.facebook.com/v3.2/oauth/access_token",
			Scopes:     []string{"email"},
			Credential: CredentialAccessToken,
		},
		"github.com": {
			ID:         "github.com",
			Name:       "github",
			AuthURL:    "https://github.com/login/oauth/authorize",
			TokenURL:   "https://github.com/login/oauth/access_token",
			Scopes:     []string{"user:email"},
			Credential: CredentialAccessToken,
		},
	}
}

// Lookup finds a descriptor by provider id ("google.com") or short name ("google").
func (p Providers) Lookup(idOrName string) (ProviderDescriptor, bool) {
	key := strings.ToLower(strings.TrimSpace(idOrName))
	if d, ok := p[key]; ok {
		return d, true
	}
	for _, d := range p {
		if strings.EqualFold(d.Name, key) {
			return d, true
		}
	}
	// "facebook.com" style ids map to the "facebook" short name.
	if i := strings.Index(key, "."); i > 0 {
		short := key[:i]
		for _, d := range p {
			if strings.EqualFold(d.Name, short) {
				return d, true
			}
		}
	}
	return ProviderDescriptor{}, false
}

// IDs returns the configured provider ids sorted.
func (p Providers) IDs() []string {
	out := make([]string, 0, len(p))
	for id := range p {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type providersFile struct {
	Providers []ProviderDescriptor `yaml:"providers"`
}

// LoadProviders reads descriptors from a YAML file. ${VAR} references are
// expanded from the environment so secrets can stay out of the file.
// Entries override the defaults with the same id.
func LoadProviders(path string) (Providers, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders([]byte(os.ExpandEnv(string(raw))))
}

// ParseProviders decodes a providers YAML document on top of DefaultProviders.
func ParseProviders(doc []byte) (Providers, error) {
	var f providersFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	out := DefaultProviders()
	for _, d := range f.Providers {
		id := strings.ToLower(strings.TrimSpace(d.ID))
		if id == "" {
			return nil, fmt.Errorf("provider entry without id")
		}
		d.ID = id
		if base, ok := out[id]; ok {
			d = mergeDescriptor(base, d)
		}
		if d.Name == "" {
			d.Name = strings.SplitN(id, ".", 2)[0]
		}
		if d.Credential == "" {
			d.Credential = CredentialAccessToken
			if d.Issuer != "" {
				d.Credential = CredentialIDToken
			}
		}
		if d.Issuer == "" && (d.AuthURL == "" || d.TokenURL == "") {
			return nil, fmt.Errorf("provider %s: issuer or auth_url/token_url required", id)
		}
		out[id] = d
	}
	names := make(map[string]string, len(out))
	for _, id := range out.IDs() {
		name := strings.ToLower(out[id].Name)
		if other, dup := names[name]; dup {
			return nil, fmt.Errorf("providers %s and %s share the name %q", other, id, name)
		}
		names[name] = id
	}
	return out, nil
}

func mergeDescriptor(base, over ProviderDescriptor) ProviderDescriptor {
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.Issuer != "" {
		base.Issuer = over.Issuer
	}
	if over.AuthURL != "" {
		base.AuthURL = over.AuthURL
	}
	if over.TokenURL != "" {
		base.TokenURL = over.TokenURL
	}
	if over.ClientID != "" {
		base.ClientID = over.ClientID
	}
	if over.ClientSecret != "" {
		base.ClientSecret = over.ClientSecret
	}
	if len(over.Scopes) > 0 {
		base.Scopes = over.Scopes
	}
	if over.Credential != "" {
		base.Credential = over.Credential
	}
	return base
}
