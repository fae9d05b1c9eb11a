package dsl

// Authentication is an authentication policy: a reference to a
// use.authentications entry, or exactly one inline scheme. Credential
// fields may embed expressions, typically reading $secrets.
type Authentication struct {
	Use    string      `yaml:"use,omitempty" json:"use,omitempty"`
	Basic  *BasicAuth  `yaml:"basic,omitempty" json:"basic,omitempty"`
	Bearer *BearerAuth `yaml:"bearer,omitempty" json:"bearer,omitempty"`
	OAuth2 *OAuth2Auth `yaml:"oauth2,omitempty" json:"oauth2,omitempty"`
}

// Scheme reports which scheme the policy declares.
func (a *Authentication) Scheme() string {
	switch {
	case a == nil:
		return ""
	case a.Use != "":
		return "use"
	case a.Basic != nil:
		return "basic"
	case a.Bearer != nil:
		return "bearer"
	case a.OAuth2 != nil:
		return "oauth2"
	default:
		return ""
	}
}

// BasicAuth carries HTTP basic credentials.
type BasicAuth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// BearerAuth carries a bearer token.
type BearerAuth struct {
	Token string `yaml:"token" json:"token"`
}

// OAuth2Auth configures the client-credentials grant against Authority's
// token endpoint.
type OAuth2Auth struct {
	Authority string        `yaml:"authority" json:"authority"`
	Endpoint  string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Grant     string        `yaml:"grant,omitempty" json:"grant,omitempty"`
	Client    *OAuth2Client `yaml:"client,omitempty" json:"client,omitempty"`
	Scopes    []string      `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Audiences []string      `yaml:"audiences,omitempty" json:"audiences,omitempty"`
}

// OAuth2Client identifies the registered client.
type OAuth2Client struct {
	ID     string `yaml:"id" json:"id"`
	Secret string `yaml:"secret" json:"secret"`
}
