package krb5

import (
	"fmt"
	"os"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"

	secnego "github.com/golang-auth/go-secnego"
)

// CCacheCredentials acquires initiator credentials from a Kerberos
// credential cache, the way kinit-based tooling expects.  It
// implements secnego.CredentialProvider.
type CCacheCredentials struct {
	// ConfPath locates krb5.conf; $KRB5_CONFIG or /etc/krb5.conf when
	// empty.
	ConfPath string

	// CCachePath locates the credential cache; $KRB5CCNAME or
	// /tmp/krb5cc_<uid> when empty.
	CCachePath string
}

// Credential holds a Kerberos client built from a credential cache.
type Credential struct {
	client    *client.Client
	principal string
}

func (c *Credential) Principal() string {
	return c.principal
}

func (c *Credential) Release() error {
	if c.client != nil {
		c.client.Destroy()
		c.client = nil
	}

	return nil
}

// Acquire loads the cache and affirms that it holds a usable TGT.
// identity is advisory: the cache's default client principal is used,
// and a non-empty identity that does not match it is an error.
func (p *CCacheCredentials) Acquire(identity string) (secnego.Credential, error) {
	cfg, err := config.Load(p.confFile())
	if err != nil {
		return nil, fmt.Errorf("krb5: %w: loading krb5.conf: %v", secnego.ErrCredentialUnavailable, err)
	}

	ccache, err := credentials.LoadCCache(p.ccFile())
	if err != nil {
		return nil, fmt.Errorf("krb5: %w: loading credential cache: %v", secnego.ErrCredentialUnavailable, err)
	}

	cl, err := client.NewFromCCache(ccache, cfg)
	if err != nil {
		return nil, fmt.Errorf("krb5: %w: creating client from cache: %v", secnego.ErrCredentialUnavailable, err)
	}

	if err := cl.AffirmLogin(); err != nil {
		cl.Destroy()
		return nil, fmt.Errorf("krb5: %w: checking TGT: %v", secnego.ErrCredentialUnavailable, err)
	}

	principal := cl.Credentials.CName().PrincipalNameString() + "@" + cl.Credentials.Domain()
	if identity != "" && identity != principal {
		cl.Destroy()
		return nil, fmt.Errorf("krb5: %w: cache holds %q, wanted %q", secnego.ErrCredentialUnavailable, principal, identity)
	}

	return &Credential{client: cl, principal: principal}, nil
}

func (p *CCacheCredentials) confFile() string {
	if p.ConfPath != "" {
		return p.ConfPath
	}

	cfgFile, ok := os.LookupEnv("KRB5_CONFIG")
	if !ok {
		cfgFile = "/etc/krb5.conf"
	}

	return cfgFile
}

func (p *CCacheCredentials) ccFile() string {
	ccFile := p.CCachePath
	if ccFile == "" {
		var ok bool
		ccFile, ok = os.LookupEnv("KRB5CCNAME")
		if !ok {
			ccFile = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
		}
	}

	return strings.TrimPrefix(ccFile, "FILE:")
}

// loadKeytab loads the acceptor keytab; $KRB5_KTNAME or
// /etc/krb5.keytab when path is empty.
func loadKeytab(path string) (*keytab.Keytab, error) {
	if path == "" {
		var ok bool
		path, ok = os.LookupEnv("KRB5_KTNAME")
		if !ok {
			path = "/etc/krb5.keytab"
		}
	}
	path = strings.TrimPrefix(path, "FILE:")

	kt, err := keytab.Load(path)
	if err != nil {
		return nil, fmt.Errorf("krb5: %w: loading keytab %q: %v", secnego.ErrCredentialUnavailable, path, err)
	}

	return kt, nil
}
