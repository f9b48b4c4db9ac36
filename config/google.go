package config

import "strings"

// GoogleConfig contains Google OAuth client configuration shared by the
// Gmail extractor and the Drive delivery. Tokens are minted from a
// long-lived refresh token obtained out of band.
type GoogleConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RefreshToken string `env:"REFRESH_TOKEN"`
}

// Enabled returns true when the client is fully configured.
func (g *GoogleConfig) Enabled() bool {
	return strings.TrimSpace(g.ClientID) != "" &&
		strings.TrimSpace(g.ClientSecret) != "" &&
		strings.TrimSpace(g.RefreshToken) != ""
}

// PortalAccountConfig contains credentials for one subscriber portal.
type PortalAccountConfig struct {
	Login    string `env:"LOGIN"`
	Password string `env:"PASSWORD"`
}

// Enabled returns true when the account is configured.
func (p *PortalAccountConfig) Enabled() bool {
	return strings.TrimSpace(p.Login) != ""
}
